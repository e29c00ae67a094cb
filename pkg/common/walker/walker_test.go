package walker

import (
	"bytes"
	"errors"
	"testing"
)

func items(keys ...string) []Item {
	out := make([]Item, 0, len(keys))
	for i, k := range keys {
		out = append(out, Item{Seq: uint64(i + 1), Key: []byte(k), Op: Put([]byte("v-" + k))})
	}
	return out
}

func TestSliceWalker(t *testing.T) {
	closed := 0
	w := NewSliceWalker(items("a", "b", "c"), func() { closed++ })

	var got []string
	for ; w.Valid(); w.Next() {
		got = append(got, string(w.Item().Key))
	}
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("unexpected walk order: %v", got)
	}

	// Next on an exhausted walker stays exhausted
	w.Next()
	if w.Valid() {
		t.Error("exhausted walker became valid again")
	}

	w.Close()
	w.Close()
	if closed != 1 {
		t.Errorf("onClose should run exactly once, ran %d times", closed)
	}
}

func TestCloseAbandonsWalk(t *testing.T) {
	w := NewSliceWalker(items("a", "b"), nil)
	w.Close()
	if w.Valid() {
		t.Error("closed walker should not be valid")
	}
}

func TestFailedWalker(t *testing.T) {
	boom := errors.New("boom")
	w := Failed(boom)
	if w.Valid() {
		t.Error("failed walker should be exhausted")
	}
	if !errors.Is(w.Err(), boom) {
		t.Errorf("expected boom, got %v", w.Err())
	}
	if _, err := Collect(w); !errors.Is(err, boom) {
		t.Errorf("Collect should surface the walker error, got %v", err)
	}
}

func TestCollectClones(t *testing.T) {
	src := items("k")
	got, err := Collect(NewSliceWalker(src, nil))
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	src[0].Key[0] = 'x'
	src[0].Op.Value[0] = 'x'
	if !bytes.Equal(got[0].Key, []byte("k")) || !bytes.Equal(got[0].Op.Value, []byte("v-k")) {
		t.Errorf("collected item shares memory with its source: %q %q", got[0].Key, got[0].Op.Value)
	}
}

func TestFilteredWalker(t *testing.T) {
	w := NewFilteredWalker(NewSliceWalker(items("a", "b", "c", "d"), nil), SeqWindow(2, 3))
	got, err := Collect(w)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(got) != 2 || string(got[0].Key) != "b" || string(got[1].Key) != "c" {
		t.Errorf("expected [b c], got %v", got)
	}
}

func TestOpKind(t *testing.T) {
	if !Delete().IsTombstone() || Put(nil).IsTombstone() {
		t.Error("tombstone detection is wrong")
	}
	if OpPut.String() != "put" || OpDelete.String() != "delete" {
		t.Error("unexpected op kind names")
	}
}
