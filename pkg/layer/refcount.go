package layer

import (
	"sync"
)

// RefCount implements the Acquire/Release/MarkForDelete half of DataLayer.
// The destroy function runs exactly once, after the layer has been marked
// for delete and its last reference has been released.
type RefCount struct {
	mu        sync.Mutex
	refs      int
	marked    bool
	destroyed bool
	destroy   func()
}

// Init sets the function that destroys the layer
func (r *RefCount) Init(destroy func()) {
	r.destroy = destroy
}

// Acquire takes a reference
func (r *RefCount) Acquire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		panic("layer: acquire of a destroyed layer")
	}
	r.refs++
}

// Release drops a reference
func (r *RefCount) Release() {
	r.mu.Lock()
	if r.refs == 0 {
		r.mu.Unlock()
		panic("layer: release without matching acquire")
	}
	r.refs--
	run := r.readyLocked()
	r.mu.Unlock()

	if run {
		r.destroy()
	}
}

// MarkForDelete schedules destruction
func (r *RefCount) MarkForDelete() {
	r.mu.Lock()
	r.marked = true
	run := r.readyLocked()
	r.mu.Unlock()

	if run {
		r.destroy()
	}
}

func (r *RefCount) readyLocked() bool {
	if !r.marked || r.refs > 0 || r.destroyed {
		return false
	}
	r.destroyed = true
	return r.destroy != nil
}

// Refs returns the number of live references
func (r *RefCount) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

// IsMarked reports whether the layer is scheduled for destruction
func (r *RefCount) IsMarked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.marked
}

// IsDestroyed reports whether the destroy function has run
func (r *RefCount) IsDestroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}
