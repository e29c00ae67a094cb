package repo

import (
	"github.com/KevoDB/indy/pkg/layer"
)

// mapping is an immutable snapshot of a repo's layers, newest first. The
// first layer is the memory layer that was active when the mapping was
// published. A mapping holds a reference on each of its layers for as long
// as the mapping itself is referenced.
type mapping struct {
	layers []layer.DataLayer
	refs   int
}

func newMapping(layers []layer.DataLayer) *mapping {
	for _, l := range layers {
		l.Acquire()
	}
	return &mapping{layers: layers, refs: 1}
}

// acquireCurrent takes a reference on the current mapping
func (r *Repo) acquireCurrent() *mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return nil
	}
	r.acquireMapping(r.current)
	return r.current
}

func (r *Repo) acquireMapping(m *mapping) {
	r.refMu.Lock()
	m.refs++
	r.refMu.Unlock()
}

func (r *Repo) releaseMapping(m *mapping) {
	r.refMu.Lock()
	m.refs--
	last := m.refs == 0
	r.refMu.Unlock()

	if !last {
		return
	}
	for _, l := range m.layers {
		l.Release()
	}
}

// publishLocked installs layers as the current mapping. The caller holds mu
// and must release the returned previous mapping after unlocking.
func (r *Repo) publishLocked(layers []layer.DataLayer) *mapping {
	prev := r.current
	r.current = newMapping(layers)
	return prev
}

// replace swaps victims for repl (which may be nil) in the current mapping.
// repl takes the position of the newest victim.
func (r *Repo) replace(victims []layer.DataLayer, repl layer.DataLayer) {
	gone := make(map[layer.DataLayer]bool, len(victims))
	for _, v := range victims {
		gone[v] = true
	}

	r.mu.Lock()
	layers := make([]layer.DataLayer, 0, len(r.current.layers))
	placed := false
	for _, l := range r.current.layers {
		if !gone[l] {
			layers = append(layers, l)
			continue
		}
		if !placed && repl != nil {
			layers = append(layers, repl)
		}
		placed = true
	}
	prev := r.publishLocked(layers)
	r.mu.Unlock()

	r.releaseMapping(prev)
}
