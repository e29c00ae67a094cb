package fiber

import "sync"

// waiter parks either a frame or, when no frame is given, a goroutine
type waiter struct {
	frame *Frame
	ch    chan struct{}
}

func newWaiter(f *Frame) waiter {
	if f == nil {
		return waiter{ch: make(chan struct{})}
	}
	return waiter{frame: f}
}

func (w waiter) park() {
	if w.frame != nil {
		w.frame.Wait()
		return
	}
	<-w.ch
}

func (w waiter) wake() {
	if w.frame != nil {
		w.frame.Resume()
		return
	}
	close(w.ch)
}

// Sync waits for a number of completions
type Sync struct {
	mu         sync.Mutex
	waitingFor int
	finished   int
	waiters    []waiter
}

// NewSync creates a Sync expecting n completions
func NewSync(n int) *Sync {
	return &Sync{waitingFor: n}
}

// WaitForMore raises the number of expected completions by n
func (s *Sync) WaitForMore(n int) {
	s.mu.Lock()
	s.waitingFor += n
	s.mu.Unlock()
}

// Complete reports one completion
func (s *Sync) Complete() {
	s.mu.Lock()
	s.finished++
	if s.finished > s.waitingFor {
		s.mu.Unlock()
		panic("fiber: Sync completed more often than expected")
	}
	var ready []waiter
	if s.finished == s.waitingFor {
		ready, s.waiters = s.waiters, nil
	}
	s.mu.Unlock()

	for _, w := range ready {
		w.wake()
	}
}

// Sync parks f, or the calling goroutine when f is nil, until every expected
// completion has been reported.
func (s *Sync) Sync(f *Frame) {
	s.mu.Lock()
	if s.finished == s.waitingFor {
		s.mu.Unlock()
		return
	}
	w := newWaiter(f)
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()
	w.park()
}

// SingleSem is a counting semaphore for frames
type SingleSem struct {
	mu      sync.Mutex
	count   int
	waiters []waiter
}

// Push releases one unit, waking the oldest waiter if there is one
func (s *SingleSem) Push() {
	s.mu.Lock()
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters[0] = waiter{}
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		w.wake()
		return
	}
	s.count++
	s.mu.Unlock()
}

// Pop takes one unit, parking until one is pushed
func (s *SingleSem) Pop(f *Frame) {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return
	}
	w := newWaiter(f)
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()
	w.park()
}

// Lock is a mutex that parks waiting frames instead of blocking their runner.
// Ownership passes directly to the oldest waiter on Unlock.
type Lock struct {
	mu      sync.Mutex
	taken   bool
	waiters []waiter
}

// Lock acquires the lock on behalf of f
func (l *Lock) Lock(f *Frame) {
	l.mu.Lock()
	if !l.taken {
		l.taken = true
		l.mu.Unlock()
		return
	}
	w := newWaiter(f)
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()
	w.park()
}

// Unlock releases the lock
func (l *Lock) Unlock() {
	l.mu.Lock()
	if !l.taken {
		l.mu.Unlock()
		panic("fiber: unlock of unlocked Lock")
	}
	if len(l.waiters) > 0 {
		w := l.waiters[0]
		l.waiters[0] = waiter{}
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		w.wake()
		return
	}
	l.taken = false
	l.mu.Unlock()
}
