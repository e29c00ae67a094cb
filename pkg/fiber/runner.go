package fiber

import (
	"runtime"
	"sync"

	"github.com/KevoDB/indy/pkg/common/log"
)

// Runner executes frames one at a time on a single OS thread
type Runner struct {
	id     int
	frames *FramePool
	logger log.Logger

	mu       sync.Mutex
	ready    []*Frame
	pending  []func(*Frame)
	attached int // frames currently bound to this runner: running, ready or parked
	stopping bool
	exited   bool

	wake chan struct{}
	back chan *Frame
}

func newRunner(id int, o options) *Runner {
	r := &Runner{
		id:     id,
		logger: o.logger.WithField("runner", id),
		wake:   make(chan struct{}, 1),
		back:   make(chan *Frame),
	}
	r.frames = newFramePool(r, o.framesPerRunner, o.stackSize)
	return r
}

// ID returns the runner id assigned by its RunnerCons
func (r *Runner) ID() int { return r.id }

// Frames returns the runner's frame pool
func (r *Runner) Frames() *FramePool { return r.frames }

// Run executes frames until ShutDown has been called and no frame remains
// bound to the runner. The calling goroutine is locked to its OS thread for
// the duration.
func (r *Runner) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r.logger.Debug("runner started")
	for {
		f := r.next()
		if f == nil {
			break
		}
		f.resume <- struct{}{}
		<-r.back
	}
	r.frames.close()
	r.logger.Debug("runner stopped")
	return nil
}

// Schedule runs fn on a frame of this runner. When every frame is latched the
// work is queued until one is released.
func (r *Runner) Schedule(fn func(*Frame)) error {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return ErrShutDown
	}
	if f := r.frames.get(); f != nil {
		r.latchLocked(f, fn)
	} else {
		r.pending = append(r.pending, fn)
	}
	r.mu.Unlock()
	r.notify()
	return nil
}

// ShutDown asks the runner to stop once its queued and bound frames finish
func (r *Runner) ShutDown() {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()
	r.notify()
}

func (r *Runner) next() *Frame {
	for {
		r.mu.Lock()
		if len(r.ready) > 0 {
			f := r.ready[0]
			r.ready[0] = nil
			r.ready = r.ready[1:]
			r.mu.Unlock()
			return f
		}
		if len(r.pending) > 0 {
			if f := r.frames.get(); f != nil {
				fn := r.pending[0]
				r.pending[0] = nil
				r.pending = r.pending[1:]
				r.latchLocked(f, fn)
				continue
			}
		}
		if r.stopping && r.attached == 0 && len(r.pending) == 0 {
			r.exited = true
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()
		<-r.wake
	}
}

func (r *Runner) latchLocked(f *Frame, fn func(*Frame)) {
	f.fn = fn
	f.runner.Store(r)
	r.attached++
	r.ready = append(r.ready, f)
}

func (r *Runner) enqueue(f *Frame) {
	r.mu.Lock()
	r.ready = append(r.ready, f)
	r.mu.Unlock()
	r.notify()
}

func (r *Runner) detach() {
	r.mu.Lock()
	r.attached--
	r.mu.Unlock()
	r.notify()
}

func (r *Runner) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
