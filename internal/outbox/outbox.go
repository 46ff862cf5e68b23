// Package outbox redelivers sends that failed and were queued in the local
// store. A runner wakes on a cron schedule, replays each entry as an
// insert and drops it once the backend has the row.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"chillspace/pkg/apperr"
	"chillspace/pkg/remote"
	"chillspace/pkg/state/logger"
	"chillspace/pkg/store"
	"chillspace/pkg/telemetry"
	"chillspace/pkg/timeutil"
)

const (
	DefaultCron        = "* * * * *"
	DefaultMaxAttempts = 10
	DefaultBatchSize   = 50

	// retryAfterTickError is how long the loop sleeps when the schedule
	// cannot be evaluated.
	retryAfterTickError = 30 * time.Second
)

// ErrBusy is returned by Flush while another flush is running.
var ErrBusy = errors.New("outbox flush already running")

type Options struct {
	Cron        string
	MaxAttempts int
	BatchSize   int
	Clock       timeutil.Clock
}

// Report summarises one flush.
type Report struct {
	Delivered int
	Requeued  int
	Parked    int
	Skipped   int
}

func (r Report) String() string {
	return fmt.Sprintf("delivered=%d requeued=%d parked=%d skipped=%d", r.Delivered, r.Requeued, r.Parked, r.Skipped)
}

type Runner struct {
	svc  remote.Service
	st   *store.Store
	opts Options

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(svc remote.Service, st *store.Store, opts Options) (*Runner, error) {
	if opts.Cron == "" {
		opts.Cron = DefaultCron
	}
	if !gronx.IsValid(opts.Cron) {
		return nil, fmt.Errorf("invalid outbox cron expression: %s", opts.Cron)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.Real
	}
	return &Runner{svc: svc, st: st, opts: opts}, nil
}

// Start runs the schedule loop until ctx is cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	logger.Info("outbox_enabled", "cron", r.opts.Cron, "max_attempts", r.opts.MaxAttempts)
	r.refreshGauge()
	go r.scheduleLoop(ctx, r.done)
}

// Stop ends the schedule loop and waits for an in-flight flush.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Runner) scheduleLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next, err := gronx.NextTickAfter(r.opts.Cron, time.Now(), false)
		if err != nil {
			logger.Error("outbox_nexttick_failed", "cron", r.opts.Cron, "error", err)
			select {
			case <-time.After(retryAfterTickError):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if _, err := r.Flush(ctx); err != nil && !errors.Is(err, ErrBusy) {
				logger.Error("outbox_run_error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Flush replays every unparked entry once, oldest first, up to the batch
// size.
func (r *Runner) Flush(ctx context.Context) (Report, error) {
	var rep Report
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return rep, ErrBusy
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		r.refreshGauge()
	}()

	entries, err := r.st.ListOutbox()
	if err != nil {
		return rep, fmt.Errorf("list outbox: %w", err)
	}
	sent := 0
	for _, e := range entries {
		if e.Parked {
			continue
		}
		if sent >= r.opts.BatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		sent++
		outcome, err := r.deliver(ctx, e.ClientID)
		switch outcome {
		case delivered:
			rep.Delivered++
		case requeued:
			rep.Requeued++
		case parked:
			rep.Parked++
		case skipped:
			rep.Skipped++
		}
		if errors.Is(err, apperr.ErrAuthentication) {
			// every remaining entry would fail the same way
			logger.Warn("outbox_run_stopped", "reason", "not signed in")
			break
		}
	}
	if rep != (Report{}) {
		logger.Info("outbox_run_done", "delivered", rep.Delivered, "requeued", rep.Requeued, "parked", rep.Parked, "skipped", rep.Skipped)
	}
	return rep, nil
}

type outcome int

const (
	skipped outcome = iota
	delivered
	requeued
	parked
)

func (r *Runner) deliver(ctx context.Context, clientID string) (outcome, error) {
	if err := r.st.Claim(clientID); err != nil {
		// a session is retrying it right now
		return skipped, nil
	}
	defer r.st.Release(clientID)

	// re-read under the claim: a retry may have delivered it meanwhile
	e, err := r.st.GetOutbox(clientID)
	if store.IsNotFound(err) {
		return skipped, nil
	}
	if err != nil {
		logger.Error("outbox_get_failed", "client_id", clientID, "error", err)
		return skipped, nil
	}
	if e.Parked {
		return skipped, nil
	}

	_, err = r.svc.Insert(ctx, e.Collection, remote.Record(e.Row))
	switch {
	case err == nil, errors.Is(err, apperr.ErrConflict):
		// a conflict on client_id means an earlier attempt already landed
		if rmErr := r.st.RemoveOutbox(clientID); rmErr != nil {
			logger.Error("outbox_remove_failed", "client_id", clientID, "error", rmErr)
		}
		logger.Info("outbox_delivered", "client_id", clientID, "collection", e.Collection, "attempts", e.Attempts+1, "duplicate", err != nil)
		return delivered, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return skipped, err
	}

	e.Attempts++
	e.LastError = err.Error()
	permanent := errors.Is(err, apperr.ErrValidation) || errors.Is(err, apperr.ErrAuthentication)
	out := requeued
	if permanent || e.Attempts >= r.opts.MaxAttempts {
		e.Parked = true
		out = parked
		logger.Warn("outbox_parked", "client_id", clientID, "attempts", e.Attempts, "kind", apperr.KindOf(err), "error", err)
	} else {
		logger.Debug("outbox_requeued", "client_id", clientID, "attempts", e.Attempts, "error", err)
	}
	if putErr := r.st.PutOutbox(e); putErr != nil {
		logger.Error("outbox_put_failed", "client_id", clientID, "error", putErr)
	}
	return out, err
}

// Pending lists queued entries, parked ones included.
func (r *Runner) Pending() ([]store.OutboxEntry, error) {
	return r.st.ListOutbox()
}

// Unpark makes a parked entry eligible again with a fresh attempt count.
func (r *Runner) Unpark(clientID string) error {
	e, err := r.st.GetOutbox(clientID)
	if store.IsNotFound(err) {
		return apperr.NotFound("unpark", clientID)
	}
	if err != nil {
		return err
	}
	e.Parked = false
	e.Attempts = 0
	e.QueuedAt = r.opts.Clock.Now()
	return r.st.PutOutbox(e)
}

// Drop forgets an entry without delivering it.
func (r *Runner) Drop(clientID string) error {
	if _, err := r.st.GetOutbox(clientID); store.IsNotFound(err) {
		return apperr.NotFound("drop", clientID)
	}
	if err := r.st.RemoveOutbox(clientID); err != nil {
		return err
	}
	r.refreshGauge()
	return nil
}

func (r *Runner) refreshGauge() {
	entries, err := r.st.ListOutbox()
	if err != nil {
		return
	}
	pending := 0
	for _, e := range entries {
		if !e.Parked {
			pending++
		}
	}
	telemetry.OutboxPending.Set(float64(pending))
}
