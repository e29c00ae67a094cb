package durable

import (
	"github.com/KevoDB/indy/pkg/layer"
)

// mapping is an immutable set of layers holding every durable object that
// is no longer in the slush layer. Sealed slush layers waiting for the
// writer come first, then disk-ordered generations, newest first.
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

func (m *Manager) acquireCurrent() *mapping {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	if m.current == nil {
		return nil
	}
	m.current.refs++
	return m.current
}

func (m *Manager) releaseMapping(mp *mapping) {
	m.mapMu.Lock()
	mp.refs--
	last := mp.refs == 0
	m.mapMu.Unlock()

	if !last {
		return
	}
	for _, l := range mp.layers {
		l.Release()
	}
}

// publishLocked installs layers and returns the previous mapping, which the
// caller releases after dropping mapMu
func (m *Manager) publishLocked(layers []layer.DataLayer) *mapping {
	prev := m.current
	m.current = newMapping(layers)
	return prev
}

// addMapping publishes a copy of the current mapping with l added in front
func (m *Manager) addMapping(l layer.DataLayer) {
	m.mapMu.Lock()
	layers := append([]layer.DataLayer{l}, m.current.layers...)
	prev := m.publishLocked(layers)
	m.mapMu.Unlock()

	m.releaseMapping(prev)
}

// replace publishes a copy of the current mapping where victims are
// swapped for repl, which may be nil
func (m *Manager) replace(victims []layer.DataLayer, repl layer.DataLayer) {
	gone := make(map[layer.DataLayer]bool, len(victims))
	for _, v := range victims {
		gone[v] = true
	}

	m.mapMu.Lock()
	layers := make([]layer.DataLayer, 0, len(m.current.layers))
	placed := false
	for _, l := range m.current.layers {
		if !gone[l] {
			layers = append(layers, l)
			continue
		}
		if !placed && repl != nil {
			layers = append(layers, repl)
		}
		placed = true
	}
	prev := m.publishLocked(layers)
	m.mapMu.Unlock()

	m.releaseMapping(prev)
}
