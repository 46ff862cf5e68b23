// Package mutation applies a change locally, writes it remotely and then
// keeps, replaces or rolls back the local state depending on the outcome.
package mutation

import (
	"context"
	"errors"

	"chillspace/pkg/apperr"
	"chillspace/pkg/state/logger"
	"chillspace/pkg/telemetry"
)

type Status int

const (
	StatusPending Status = iota
	StatusCommitted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCommitted:
		return "committed"
	default:
		return "failed"
	}
}

// Store is where optimistic state is published. Swap must replace the
// value atomically for readers.
type Store[E any] interface {
	Load(key string) (E, bool)
	Swap(key string, next E)
}

// Funcs adapts a pair of closures to Store.
type Funcs[E any] struct {
	LoadFn func(key string) (E, bool)
	SwapFn func(key string, next E)
}

func (f Funcs[E]) Load(key string) (E, bool) { return f.LoadFn(key) }

func (f Funcs[E]) Swap(key string, next E) { f.SwapFn(key, next) }

type Mutation[E any] struct {
	// Kind labels metrics and logs, e.g. "reaction" or "pin".
	Kind string
	Key  string
	// Apply computes the optimistic value. An error here aborts before any
	// remote call.
	Apply func(cur E) (E, error)
	// Commit performs the remote write. A non-nil result replaces the
	// optimistic value.
	Commit func(ctx context.Context, optimistic E) (*E, error)
	// Resolve fetches remote truth when Commit reports a conflict. Without
	// it a conflict rolls back like any other failure.
	Resolve func(ctx context.Context) (E, error)
	// Revert undoes Apply on whatever the value is at failure time, which
	// keeps changes made concurrently by realtime events. A value that is
	// gone by then stays gone. Without Revert the value from before Apply
	// is restored.
	Revert func(cur E) E
}

type Result[E any] struct {
	Status   Status
	Value    E
	Err      error
	Conflict bool
}

// Run executes m against st. Mutations sharing a key are serialized
// through r.
func Run[E any](ctx context.Context, r *Runner, st Store[E], m Mutation[E]) (res Result[E]) {
	unlock := r.lock(m.Key)
	defer unlock()
	defer func() {
		telemetry.Mutations.WithLabelValues(m.Kind, res.Status.String()).Inc()
	}()

	prev, ok := st.Load(m.Key)
	if !ok {
		return Result[E]{Status: StatusFailed, Err: apperr.NotFound(m.Kind, m.Key)}
	}
	next, err := m.Apply(prev)
	if err != nil {
		return Result[E]{Status: StatusFailed, Value: prev, Err: err}
	}
	st.Swap(m.Key, next)

	confirmed, err := m.Commit(ctx, next)
	if err == nil {
		if confirmed != nil {
			st.Swap(m.Key, *confirmed)
			return Result[E]{Status: StatusCommitted, Value: *confirmed}
		}
		return Result[E]{Status: StatusCommitted, Value: next}
	}

	if errors.Is(err, apperr.ErrConflict) && m.Resolve != nil {
		truth, rerr := m.Resolve(ctx)
		if rerr == nil {
			st.Swap(m.Key, truth)
			logger.Info("mutation_conflict_resolved", "kind", m.Kind, "key", m.Key)
			return Result[E]{Status: StatusCommitted, Value: truth, Conflict: true}
		}
		logger.Warn("mutation_conflict_resolve_failed", "kind", m.Kind, "key", m.Key, "error", rerr)
	}

	restored := prev
	if m.Revert == nil {
		st.Swap(m.Key, restored)
	} else if latest, ok := st.Load(m.Key); ok {
		restored = m.Revert(latest)
		st.Swap(m.Key, restored)
	}
	logger.Warn("mutation_rolled_back", "kind", m.Kind, "key", m.Key, "error_kind", apperr.KindOf(err), "error", err)
	return Result[E]{Status: StatusFailed, Value: restored, Err: err}
}
