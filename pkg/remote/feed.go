package remote

import (
	"sync"

	"chillspace/pkg/telemetry"
)

// Feed is the Subscription used by every Service implementation.
// Publishers never block: events queue until the forwarding goroutine hands
// them to the consumer. Close drops anything still queued.
type Feed struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	err    error

	wake      chan struct{}
	done      chan struct{}
	out       chan Event
	closeOnce sync.Once
	onClose   func()
}

// NewFeed starts a feed. onClose runs once when the feed closes, and is
// where implementations release the upstream subscription.
func NewFeed(onClose func()) *Feed {
	f := &Feed{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		out:     make(chan Event),
		onClose: onClose,
	}
	telemetry.SubscriptionsActive.Inc()
	go f.forward()
	return f
}

func (f *Feed) Events() <-chan Event { return f.out }

func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Publish queues ev. It reports false once the feed is closed.
func (f *Feed) Publish(ev Event) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.queue = append(f.queue, ev)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
	return true
}

// Fail records err and closes the feed.
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
	_ = f.Close()
}

// Close is idempotent.
func (f *Feed) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.queue = nil
		f.mu.Unlock()
		close(f.done)
		telemetry.SubscriptionsActive.Dec()
		if f.onClose != nil {
			f.onClose()
		}
	})
	return nil
}

// Closed reports whether Close has run.
func (f *Feed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Feed) forward() {
	defer close(f.out)
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return
		}
		if len(f.queue) == 0 {
			f.mu.Unlock()
			select {
			case <-f.wake:
			case <-f.done:
				return
			}
			continue
		}
		ev := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()

		select {
		case f.out <- ev:
		case <-f.done:
			return
		}
	}
}
