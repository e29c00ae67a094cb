package fiber

import (
	"context"
	"sync"
	"sync/atomic"
)

// Frame is a resumable execution context. Each frame is backed by its own
// goroutine, which only runs while the frame's runner has handed it control.
type Frame struct {
	id        int
	home      *FramePool
	stackSize int
	runner    atomic.Pointer[Runner]

	fn     func(*Frame)
	resume chan struct{}
}

// ID returns the frame id within its home pool
func (f *Frame) ID() int { return f.id }

// StackSize returns the stack budget the frame was created with
func (f *Frame) StackSize() int { return f.stackSize }

// Runner returns the runner the frame is currently bound to
func (f *Frame) Runner() *Runner { return f.runner.Load() }

type frameKey struct{}

// WithFrame returns a copy of ctx that carries f, so that blocking calls
// made below it can park the frame instead of its runner
func WithFrame(ctx context.Context, f *Frame) context.Context {
	if f == nil {
		return ctx
	}
	return context.WithValue(ctx, frameKey{}, f)
}

// FrameFrom returns the frame carried by ctx, or nil
func FrameFrom(ctx context.Context) *Frame {
	f, _ := ctx.Value(frameKey{}).(*Frame)
	return f
}

// Latch binds an idle frame taken from a FramePool to r and queues fn on it
func (f *Frame) Latch(r *Runner, fn func(*Frame)) error {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return ErrShutDown
	}
	r.latchLocked(f, fn)
	r.mu.Unlock()
	r.notify()
	return nil
}

// Yield gives other ready frames of the runner a turn, then continues
func (f *Frame) Yield() {
	r := f.runner.Load()
	r.enqueue(f)
	r.back <- f
	<-f.resume
}

// Wait parks the frame until Resume is called. Every Wait must be matched by
// exactly one Resume; a Resume issued before the frame parks is not lost.
func (f *Frame) Wait() {
	r := f.runner.Load()
	r.back <- f
	<-f.resume
}

// Resume makes a parked frame ready on its runner
func (f *Frame) Resume() {
	f.runner.Load().enqueue(f)
}

// SwitchTo moves the frame to another runner and continues there
func (f *Frame) SwitchTo(other *Runner) error {
	cur := f.runner.Load()
	if other == cur {
		return nil
	}

	other.mu.Lock()
	if other.exited {
		other.mu.Unlock()
		return ErrShutDown
	}
	f.runner.Store(other)
	other.attached++
	other.ready = append(other.ready, f)
	other.mu.Unlock()
	other.notify()

	cur.detach()
	cur.back <- f
	<-f.resume
	return nil
}

func (f *Frame) loop() {
	for {
		select {
		case <-f.resume:
		case <-f.home.quit:
			return
		}
		f.fn(f)
		f.finish()
	}
}

func (f *Frame) finish() {
	r := f.runner.Load()
	f.fn = nil
	r.detach()
	f.home.put(f)
	r.back <- f
}

// FramePool holds the bounded set of frames owned by one runner
type FramePool struct {
	owner     *Runner
	max       int
	stackSize int

	mu      sync.Mutex
	free    []*Frame
	created int
	closing bool
	quit    chan struct{}
}

func newFramePool(owner *Runner, max, stackSize int) *FramePool {
	return &FramePool{
		owner:     owner,
		max:       max,
		stackSize: stackSize,
		quit:      make(chan struct{}),
	}
}

// Get returns an idle frame, or nil when every frame is in use
func (p *FramePool) Get() *Frame {
	return p.get()
}

// Cap returns the maximum number of frames
func (p *FramePool) Cap() int { return p.max }

// InUse returns the number of frames currently latched
func (p *FramePool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created - len(p.free)
}

func (p *FramePool) get() *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing {
		return nil
	}
	if n := len(p.free); n > 0 {
		f := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		return f
	}
	if p.created >= p.max {
		return nil
	}
	p.created++
	f := &Frame{
		id:        p.created,
		home:      p,
		stackSize: p.stackSize,
		resume:    make(chan struct{}),
	}
	go f.loop()
	return f
}

func (p *FramePool) put(f *Frame) {
	p.mu.Lock()
	p.free = append(p.free, f)
	idle := p.closing && len(p.free) == p.created
	p.mu.Unlock()

	if idle {
		close(p.quit)
		return
	}
	p.owner.notify()
}

// close stops the frame goroutines once every frame is back in the pool
func (p *FramePool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return
	}
	p.closing = true
	if len(p.free) == p.created {
		close(p.quit)
	}
}
