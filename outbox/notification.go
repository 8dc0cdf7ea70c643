package outbox

import (
	"context"
	"time"
)

// DefaultDispatchInterval is the longest the dispatcher sleeps between
// passes when nobody notifies it.
const DefaultDispatchInterval = 5 * time.Second

// Notifier wakes the dispatcher.
type Notifier interface {
	Notify()
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func()

// Notify calls f.
func (f NotifierFunc) Notify() {
	f()
}

// Waiter blocks the dispatcher between passes.
type Waiter interface {
	// Wait blocks until notified, the interval elapsed or ctx is done.
	// It returns (true, nil) when a notification was consumed,
	// (false, nil) on timeout and (false, ctx.Err()) on cancellation.
	Wait(ctx context.Context) (bool, error)
}

// Notification is a wake-up signal with a bounded wait.
//
// It holds at most one pending notification: any number of Notify calls
// before a Wait are collapsed into a single wake-up. Notify never blocks
// and is safe to call from many goroutines while one goroutine waits.
//
// Example:
//
//	n := outbox.NewNotification(5 * time.Second)
//	go func() {
//	    for {
//	        dispatcher.Dispatch(ctx)
//	        if _, err := n.Wait(ctx); err != nil {
//	            return // cancelled
//	        }
//	    }
//	}()
//	n.Notify()
type Notification struct {
	pending  chan struct{}
	interval time.Duration
}

// NewNotification creates a notification that waits at most interval.
// A non-positive interval uses DefaultDispatchInterval.
func NewNotification(interval time.Duration) *Notification {
	if interval <= 0 {
		interval = DefaultDispatchInterval
	}
	return &Notification{
		pending:  make(chan struct{}, 1),
		interval: interval,
	}
}

// Notify sets the pending flag. It is idempotent while a flag is pending.
func (n *Notification) Notify() {
	select {
	case n.pending <- struct{}{}:
	default:
	}
}

// Wait blocks until notified, the interval elapsed or ctx is done.
// A cancelled wait leaves a pending notification in place.
func (n *Notification) Wait(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	timer := time.NewTimer(n.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-n.pending:
		if err := ctx.Err(); err != nil {
			// lost the race with cancellation; put the flag back
			n.Notify()
			return false, err
		}
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

// Interval returns the maximum wait duration.
func (n *Notification) Interval() time.Duration {
	return n.interval
}

// Compile-time checks
var (
	_ Notifier = (*Notification)(nil)
	_ Waiter   = (*Notification)(nil)
	_ Notifier = NotifierFunc(nil)
)
