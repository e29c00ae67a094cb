package fiber

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// RunnerCons hands out runners with consecutive ids
type RunnerCons struct {
	mu     sync.Mutex
	nextID int
	opts   options
}

// NewRunnerCons creates a constructor whose runners share opts
func NewRunnerCons(opts ...Option) *RunnerCons {
	return &RunnerCons{opts: buildOptions(opts)}
}

// NewRunner creates a runner with the next free id. The caller starts it
// with Run.
func (c *RunnerCons) NewRunner() *Runner {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.mu.Unlock()
	return newRunner(id, c.opts)
}

// RunnerPool runs a fixed number of runners and spreads work across them
type RunnerPool struct {
	runners []*Runner
	group   errgroup.Group
	next    atomic.Uint64
	once    sync.Once
}

// NewRunnerPool starts n runners
func NewRunnerPool(n int, opts ...Option) *RunnerPool {
	if n < 1 {
		n = 1
	}
	cons := NewRunnerCons(opts...)
	p := &RunnerPool{runners: make([]*Runner, n)}
	for i := range p.runners {
		r := cons.NewRunner()
		p.runners[i] = r
		p.group.Go(r.Run)
	}
	cons.opts.logger.Info("started %d fiber runners with %d frames each", n, cons.opts.framesPerRunner)
	return p
}

// Size returns the number of runners
func (p *RunnerPool) Size() int { return len(p.runners) }

// Runner returns the runner with index i
func (p *RunnerPool) Runner(i int) *Runner { return p.runners[i] }

// Schedule runs fn on the next runner in round-robin order
func (p *RunnerPool) Schedule(fn func(*Frame)) error {
	i := (p.next.Add(1) - 1) % uint64(len(p.runners))
	return p.runners[i].Schedule(fn)
}

// ShutDown stops every runner once its work drains
func (p *RunnerPool) ShutDown() {
	p.once.Do(func() {
		for _, r := range p.runners {
			r.ShutDown()
		}
	})
}

// Wait blocks until every runner has returned
func (p *RunnerPool) Wait() error {
	return p.group.Wait()
}
