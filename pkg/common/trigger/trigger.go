// Package trigger provides the completion signal used by asynchronous
// flush, merge and catalog operations.
package trigger

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/KevoDB/indy/pkg/fiber"
)

// Trigger counts outstanding completions. Each WaitForOneMore announces one
// more expected Callback; Wait returns once every announced callback has
// arrived, with the first error any of them reported.
type Trigger struct {
	mu      sync.Mutex
	pending int
	err     error
	waiters []*waiter
}

// waiter is one parked frame or goroutine. fired is set under the trigger
// lock when the last callback arrives.
type waiter struct {
	frame *fiber.Frame
	ch    chan struct{}
	fired bool
	woken atomic.Bool
}

// wake resumes the waiter once, whether called by Callback or by the
// waiter's context
func (w *waiter) wake() {
	if !w.woken.CompareAndSwap(false, true) {
		return
	}
	if w.frame != nil {
		w.frame.Resume()
		return
	}
	close(w.ch)
}

// New creates a trigger with no outstanding completions
func New() *Trigger {
	return &Trigger{}
}

// WaitForOneMore announces one more expected callback
func (t *Trigger) WaitForOneMore() {
	t.mu.Lock()
	t.pending++
	t.mu.Unlock()
}

// Callback reports one completion
func (t *Trigger) Callback(err error) {
	t.mu.Lock()
	if t.pending == 0 {
		t.mu.Unlock()
		panic("trigger: callback without a matching WaitForOneMore")
	}
	t.pending--
	if err != nil && t.err == nil {
		t.err = err
	}
	var ready []*waiter
	if t.pending == 0 {
		ready, t.waiters = t.waiters, nil
		for _, w := range ready {
			w.fired = true
		}
	}
	t.mu.Unlock()

	for _, w := range ready {
		w.wake()
	}
}

// Wait blocks until every announced callback has arrived or ctx is done.
// When ctx carries a fiber frame the frame is parked and its runner goes on
// with other frames.
func (t *Trigger) Wait(ctx context.Context) error {
	return t.WaitFrame(ctx, fiber.FrameFrom(ctx))
}

// WaitFrame is Wait for an explicit frame. A nil frame blocks the calling
// goroutine.
func (t *Trigger) WaitFrame(ctx context.Context, f *fiber.Frame) error {
	t.mu.Lock()
	if t.pending == 0 {
		err := t.err
		t.mu.Unlock()
		return err
	}
	if err := ctx.Err(); err != nil {
		t.mu.Unlock()
		return err
	}
	w := &waiter{frame: f}
	if f == nil {
		w.ch = make(chan struct{})
	}
	t.waiters = append(t.waiters, w)
	t.mu.Unlock()

	if f != nil {
		stop := context.AfterFunc(ctx, w.wake)
		f.Wait()
		stop()
	} else {
		select {
		case <-w.ch:
		case <-ctx.Done():
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if w.fired {
		return t.err
	}
	t.remove(w)
	return ctx.Err()
}

func (t *Trigger) remove(w *waiter) {
	for i, o := range t.waiters {
		if o == w {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			return
		}
	}
}

// Pending returns the number of callbacks still outstanding
func (t *Trigger) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// Fire announces and immediately reports one completion. It lets a caller
// that finished synchronously satisfy a trigger it was handed.
func Fire(t *Trigger, err error) {
	if t == nil {
		return
	}
	t.WaitForOneMore()
	t.Callback(err)
}
