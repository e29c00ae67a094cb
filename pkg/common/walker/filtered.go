package walker

// FilterFunc decides whether an item is reported
type FilterFunc func(item Item) bool

// FilteredWalker wraps a walker and skips items the filter rejects
type FilteredWalker struct {
	w      Walker
	filter FilterFunc
}

// NewFilteredWalker creates a walker that only reports items passing filter
func NewFilteredWalker(w Walker, filter FilterFunc) *FilteredWalker {
	f := &FilteredWalker{w: w, filter: filter}
	f.skip()
	return f
}

func (f *FilteredWalker) skip() {
	for f.w.Valid() && !f.filter(f.w.Item()) {
		f.w.Next()
	}
}

// Valid reports whether the walker is positioned on an item
func (f *FilteredWalker) Valid() bool {
	return f.w.Valid()
}

// Item returns the current item
func (f *FilteredWalker) Item() Item {
	return f.w.Item()
}

// Next advances to the next item that passes the filter
func (f *FilteredWalker) Next() {
	f.w.Next()
	f.skip()
}

// Err returns the wrapped walker's error
func (f *FilteredWalker) Err() error {
	return f.w.Err()
}

// Close closes the wrapped walker
func (f *FilteredWalker) Close() error {
	return f.w.Close()
}

// SeqWindow accepts items whose sequence number lies in [lower, upper]
func SeqWindow(lower, upper uint64) FilterFunc {
	return func(item Item) bool {
		return item.Seq >= lower && item.Seq <= upper
	}
}
