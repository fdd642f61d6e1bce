package turns

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/ashita-ai/cxdb/internal/blob"
)

// Encoding identifies the payload encoding declared by the writer.
type Encoding uint8

const (
	// EncodingMsgpack is the only payload encoding currently accepted.
	EncodingMsgpack Encoding = 1
)

var (
	// ErrNotFound is returned when a turn or context does not exist.
	ErrNotFound = errors.New("turns: not found")
	// ErrCorrupt is returned when a log record fails CRC or structural checks.
	ErrCorrupt = errors.New("turns: corrupt")
)

// Turn is one immutable record of the DAG. Turns are created by a single
// append call and never modified afterwards.
type Turn struct {
	TurnID              uint64
	ParentTurnID        uint64
	Depth               uint32
	ContentHash         blob.Hash
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            Encoding
	Compression         blob.Compression
	UncompressedLen     uint32
	CreatedAtMS         int64
}

// Fixed portion of a turn record before the variable-length type id:
// turn_id(8) + parent(8) + depth(4) + hash(32) + type_id_len(2).
const recordFixedPrefix = 8 + 8 + 4 + 32 + 2

// Fields after the type id: type_version(4) + encoding(1) + compression(1) +
// uncompressed_len(4) + created_at_ms(8), then the crc32(4).
const recordFixedSuffix = 4 + 1 + 1 + 4 + 8

const maxTypeIDLen = 1024

// encodeRecord serializes a turn as one log record, CRC32 over the body.
func encodeRecord(t Turn) ([]byte, error) {
	if len(t.DeclaredTypeID) > maxTypeIDLen {
		return nil, fmt.Errorf("turns: type id too long (%d bytes)", len(t.DeclaredTypeID))
	}
	body := make([]byte, 0, recordFixedPrefix+len(t.DeclaredTypeID)+recordFixedSuffix)
	var scratch [8]byte

	binary.LittleEndian.PutUint64(scratch[:], t.TurnID)
	body = append(body, scratch[:]...)
	binary.LittleEndian.PutUint64(scratch[:], t.ParentTurnID)
	body = append(body, scratch[:]...)
	binary.LittleEndian.PutUint32(scratch[:4], t.Depth)
	body = append(body, scratch[:4]...)
	body = append(body, t.ContentHash[:]...)
	binary.LittleEndian.PutUint16(scratch[:2], uint16(len(t.DeclaredTypeID))) //nolint:gosec // checked above
	body = append(body, scratch[:2]...)
	body = append(body, t.DeclaredTypeID...)
	binary.LittleEndian.PutUint32(scratch[:4], t.DeclaredTypeVersion)
	body = append(body, scratch[:4]...)
	body = append(body, byte(t.Encoding), byte(t.Compression))
	binary.LittleEndian.PutUint32(scratch[:4], t.UncompressedLen)
	body = append(body, scratch[:4]...)
	binary.LittleEndian.PutUint64(scratch[:], uint64(t.CreatedAtMS)) //nolint:gosec // two's-complement round trip
	body = append(body, scratch[:]...)

	binary.LittleEndian.PutUint32(scratch[:4], crc32.ChecksumIEEE(body))
	return append(body, scratch[:4]...), nil
}

// decodeRecord reads one turn record from r. io.EOF at the first byte means
// a clean end of log; any partial or CRC-failing record returns ErrCorrupt
// wrapped with enough context for the caller to truncate the tail.
func decodeRecord(r io.Reader) (Turn, int, error) {
	prefix := make([]byte, recordFixedPrefix)
	if _, err := io.ReadFull(r, prefix); err != nil {
		if errors.Is(err, io.EOF) {
			return Turn{}, 0, io.EOF
		}
		return Turn{}, 0, fmt.Errorf("%w: truncated record prefix", ErrCorrupt)
	}

	typeIDLen := int(binary.LittleEndian.Uint16(prefix[52:54]))
	if typeIDLen > maxTypeIDLen {
		return Turn{}, 0, fmt.Errorf("%w: implausible type id length %d", ErrCorrupt, typeIDLen)
	}
	rest := make([]byte, typeIDLen+recordFixedSuffix+4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Turn{}, 0, fmt.Errorf("%w: truncated record body", ErrCorrupt)
	}

	body := append(prefix, rest[:len(rest)-4]...) //nolint:gocritic // prefix is not reused
	wantCRC := binary.LittleEndian.Uint32(rest[len(rest)-4:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return Turn{}, 0, fmt.Errorf("%w: record crc mismatch", ErrCorrupt)
	}

	t := Turn{
		TurnID:       binary.LittleEndian.Uint64(prefix[0:8]),
		ParentTurnID: binary.LittleEndian.Uint64(prefix[8:16]),
		Depth:        binary.LittleEndian.Uint32(prefix[16:20]),
	}
	copy(t.ContentHash[:], prefix[20:52])
	t.DeclaredTypeID = string(rest[:typeIDLen])
	suffix := rest[typeIDLen : len(rest)-4]
	t.DeclaredTypeVersion = binary.LittleEndian.Uint32(suffix[0:4])
	t.Encoding = Encoding(suffix[4])
	t.Compression = blob.Compression(suffix[5])
	t.UncompressedLen = binary.LittleEndian.Uint32(suffix[6:10])
	t.CreatedAtMS = int64(binary.LittleEndian.Uint64(suffix[10:18])) //nolint:gosec // two's-complement round trip

	return t, len(body) + 4, nil
}
