// Package walker defines the iteration primitives shared by every layer kind.
//
// A walker is a small state machine: while Valid reports true, Item returns
// the current entry and Next advances; once exhausted it stays exhausted.
// Walkers never block on locks, and a failed read (I/O or corruption)
// exhausts the walker and is reported by Err.
package walker

import "fmt"

// OpKind distinguishes a value-set from a deletion marker
type OpKind uint8

const (
	// OpPut sets the key to a value
	OpPut OpKind = iota + 1

	// OpDelete is a tombstone
	OpDelete
)

// String returns the name of the operation kind
func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Op is the operation recorded for a key at one sequence number
type Op struct {
	Kind  OpKind
	Value []byte
}

// Put returns a value-set operation
func Put(value []byte) Op {
	return Op{Kind: OpPut, Value: value}
}

// Delete returns a tombstone operation
func Delete() Op {
	return Op{Kind: OpDelete}
}

// IsTombstone reports whether the operation is a deletion marker
func (o Op) IsTombstone() bool {
	return o.Kind == OpDelete
}

// Item is one (sequence number, key, operation) triple. Key and Op.Value
// remain valid until the walker that produced the item is closed.
type Item struct {
	Seq uint64
	Key []byte
	Op  Op
}

// Walker is the common state machine behind present and update walks
type Walker interface {
	// Valid reports whether the walker is positioned on an item
	Valid() bool

	// Item returns the current item. It must only be called while Valid.
	Item() Item

	// Next advances to the next item or exhausts the walker
	Next()

	// Err returns the error that exhausted the walker, if any
	Err() error

	// Close abandons the walk and releases any layer references it holds.
	// Close is idempotent.
	Close() error
}

// PresentWalker walks entries in key order. For a single layer, entries for
// the same key appear newest first; a merged present walk reports each key
// at most once.
type PresentWalker interface {
	Walker
}

// UpdateWalker walks the raw write log in ascending sequence order
type UpdateWalker interface {
	Walker
}

// Collect drains w into a slice of items with copied keys and values, then
// closes it.
func Collect(w Walker) ([]Item, error) {
	defer w.Close()

	var items []Item
	for ; w.Valid(); w.Next() {
		items = append(items, Clone(w.Item()))
	}
	return items, w.Err()
}

// Clone returns a copy of item that does not share memory with any layer
func Clone(item Item) Item {
	out := Item{Seq: item.Seq, Op: Op{Kind: item.Op.Kind}}
	out.Key = append([]byte(nil), item.Key...)
	if item.Op.Value != nil {
		out.Op.Value = append([]byte(nil), item.Op.Value...)
	}
	return out
}
