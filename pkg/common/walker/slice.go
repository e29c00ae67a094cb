package walker

// SliceWalker walks a slice of items that is already in walk order.
type SliceWalker struct {
	items   []Item
	pos     int
	err     error
	onClose func()
	closed  bool
}

// NewSliceWalker creates a walker over items. onClose, when not nil, runs
// once on the first Close.
func NewSliceWalker(items []Item, onClose func()) *SliceWalker {
	return &SliceWalker{items: items, onClose: onClose}
}

// Empty returns an exhausted walker
func Empty() *SliceWalker {
	return &SliceWalker{}
}

// Failed returns a walker that is exhausted with err
func Failed(err error) *SliceWalker {
	return &SliceWalker{err: err}
}

// Valid reports whether the walker is positioned on an item
func (s *SliceWalker) Valid() bool {
	return !s.closed && s.err == nil && s.pos < len(s.items)
}

// Item returns the current item
func (s *SliceWalker) Item() Item {
	return s.items[s.pos]
}

// Next advances to the next item
func (s *SliceWalker) Next() {
	if s.pos < len(s.items) {
		s.pos++
	}
}

// Err returns the error the walker was created with
func (s *SliceWalker) Err() error {
	return s.err
}

// Close releases the walker
func (s *SliceWalker) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}
