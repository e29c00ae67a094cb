package replication

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/KevoDB/indy/pkg/fileservice"
)

// Descriptor names a byte range of one registered generation
type Descriptor struct {
	FileID              uuid.UUID
	GenID               uint64
	StartingBlockID     uint64
	StartingBlockOffset int64
	Length              int64
	Codec               Codec
}

const descriptorSize = 16 + 8 + 8 + 8 + 8 + 1

// DescriptorFor covers the whole of a generation
func DescriptorFor(fileID uuid.UUID, obj fileservice.FileObj, codec Codec) Descriptor {
	return Descriptor{
		FileID:              fileID,
		GenID:               obj.GenID,
		StartingBlockID:     obj.StartingBlockID,
		StartingBlockOffset: obj.StartingBlockOffset,
		Length:              obj.FileSize,
		Codec:               codec,
	}
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%d [%d+%d, %d bytes]", d.FileID, d.GenID, d.StartingBlockID, d.StartingBlockOffset, d.Length)
}

func (d Descriptor) marshal() []byte {
	b := make([]byte, 0, descriptorSize)
	b = append(b, d.FileID[:]...)
	b = binary.BigEndian.AppendUint64(b, d.GenID)
	b = binary.BigEndian.AppendUint64(b, d.StartingBlockID)
	b = binary.BigEndian.AppendUint64(b, uint64(d.StartingBlockOffset))
	b = binary.BigEndian.AppendUint64(b, uint64(d.Length))
	return append(b, byte(d.Codec))
}

func unmarshalDescriptor(b []byte) (Descriptor, error) {
	if len(b) != descriptorSize {
		return Descriptor{}, fmt.Errorf("descriptor of %d bytes, expected %d", len(b), descriptorSize)
	}
	be := binary.BigEndian
	var d Descriptor
	copy(d.FileID[:], b[:16])
	d.GenID = be.Uint64(b[16:])
	d.StartingBlockID = be.Uint64(b[24:])
	d.StartingBlockOffset = int64(be.Uint64(b[32:]))
	d.Length = int64(be.Uint64(b[40:]))
	d.Codec = Codec(b[48])
	return d, nil
}

// fileKey is the Describe request: a file id followed by a generation id
func fileKey(fileID uuid.UUID, genID uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), fileID[:]...), genID)
}

func parseFileKey(b []byte) (uuid.UUID, uint64, error) {
	if len(b) != 24 {
		return uuid.Nil, 0, fmt.Errorf("file key of %d bytes, expected 24", len(b))
	}
	id, _ := uuid.FromBytes(b[:16])
	return id, binary.BigEndian.Uint64(b[16:]), nil
}
