package footer

import (
	"errors"
	"testing"
)

func TestFooterEncodeDecode(t *testing.T) {
	f := New()
	f.DataSize = 4096
	f.SeqIndex = Handle{Offset: 4096, Size: 300}
	f.KeyIndex = Handle{Offset: 4396, Size: 120}
	f.HashIndex = Handle{Offset: 4516, Size: 512}
	f.NumBlocks = 3
	f.NumEntries = 250
	f.LowestSeq = 17
	f.HighestSeq = 900

	encoded := f.Encode()
	if len(encoded) != FooterSize {
		t.Fatalf("expected %d bytes, got %d", FooterSize, len(encoded))
	}

	got, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if *got != *f {
		t.Errorf("decoded footer differs:\n got %+v\nwant %+v", *got, *f)
	}
}

func TestFooterCorruption(t *testing.T) {
	encoded := New().Encode()

	tests := map[string]func([]byte) []byte{
		"magic":    func(b []byte) []byte { b[0] ^= 0xff; return b },
		"checksum": func(b []byte) []byte { b[50] ^= 0x01; return b },
		"short":    func(b []byte) []byte { return b[:FooterSize-1] },
	}
	for name, corrupt := range tests {
		data := corrupt(append([]byte(nil), encoded...))
		if _, err := Decode(data); !errors.Is(err, ErrInvalidFooter) {
			t.Errorf("%s: expected ErrInvalidFooter, got %v", name, err)
		}
	}
}
