// Package blob implements the content-addressed blob store.
//
// Payload bytes are keyed by the BLAKE3 hash of their uncompressed form and
// appended to a single pack file. An index file maps hashes to pack offsets;
// it is rewritten after each successful put and rebuilt from the pack on
// startup when missing or stale. Identical payloads are stored once.
package blob

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"
)

// Compression identifies how a blob's bytes are stored in the pack.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

var (
	// ErrNotFound is returned when no blob exists for a hash.
	ErrNotFound = errors.New("blob: not found")
	// ErrCorrupt is returned when stored bytes fail hash or structural verification.
	ErrCorrupt = errors.New("blob: corrupt")
)

var (
	packMagic = []byte{'C', 'X', 'B', 'P', 0x00, 0x01}
	idxMagic  = []byte{'C', 'X', 'B', 'I', 0x00, 0x01}
)

// Pack record header: hash(32) + compression(1) + uncompressed_len(4) + stored_len(4).
const recordHeaderSize = 32 + 1 + 4 + 4

// Index entry: hash(32) + offset(8) + stored_len(4) + compression(1) + uncompressed_len(4).
const idxEntrySize = 32 + 8 + 4 + 1 + 4

// Hash is a BLAKE3 digest of uncompressed payload bytes.
type Hash [32]byte

// Sum computes the content hash of raw payload bytes.
func Sum(b []byte) Hash {
	return blake3.Sum256(b)
}

// Policy controls when a blob is stored compressed.
type Policy struct {
	// ThresholdBytes is the minimum uncompressed size considered for compression.
	ThresholdBytes int
	// RatioThreshold is the maximum stored/uncompressed ratio at which
	// compression is kept (e.g. 0.88 requires at least 12% savings).
	RatioThreshold float64
	// Level is the zstd compression level.
	Level int
}

// DefaultPolicy matches the documented configuration defaults.
func DefaultPolicy() Policy {
	return Policy{ThresholdBytes: 512, RatioThreshold: 0.88, Level: 3}
}

type indexEntry struct {
	offset          uint64
	storedLen       uint32
	compression     Compression
	uncompressedLen uint32
}

// Store is the packed content-addressed blob store for one directory.
// All methods are safe for concurrent use; puts are serialized internally.
type Store struct {
	dir      string
	packPath string
	idxPath  string

	mu    sync.RWMutex
	pack  *os.File
	index map[Hash]indexEntry

	enc *zstd.Encoder
	dec *zstd.Decoder

	policy Policy
}

// Open opens (or creates) the blob store in dir. A missing or stale index
// is rebuilt by scanning the pack; a partial record at the pack tail is
// truncated so future appends land on a clean boundary.
func Open(dir string, policy Policy) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create dir: %w", err)
	}
	if policy.Level == 0 {
		policy = DefaultPolicy()
	}

	packPath := filepath.Join(dir, "blobs.pack")
	pack, err := os.OpenFile(packPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blob: open pack: %w", err)
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(policy.Level)))
	if err != nil {
		pack.Close()
		return nil, fmt.Errorf("blob: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		pack.Close()
		return nil, fmt.Errorf("blob: zstd decoder: %w", err)
	}

	s := &Store{
		dir:      dir,
		packPath: packPath,
		idxPath:  filepath.Join(dir, "blobs.idx"),
		pack:     pack,
		index:    make(map[Hash]indexEntry),
		enc:      enc,
		dec:      dec,
		policy:   policy,
	}

	if err := s.initPack(); err != nil {
		pack.Close()
		return nil, err
	}
	if !s.loadIndex() {
		if err := s.rebuildIndex(); err != nil {
			pack.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the pack file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc.Close()
	s.dec.Close()
	return s.pack.Close()
}

// initPack validates the pack magic, writing it for an empty file.
func (s *Store) initPack() error {
	st, err := s.pack.Stat()
	if err != nil {
		return fmt.Errorf("blob: stat pack: %w", err)
	}
	if st.Size() == 0 {
		if _, err := s.pack.Write(packMagic); err != nil {
			return fmt.Errorf("blob: write pack magic: %w", err)
		}
		return s.pack.Sync()
	}
	hdr := make([]byte, len(packMagic))
	if _, err := s.pack.ReadAt(hdr, 0); err != nil || !bytes.Equal(hdr, packMagic) {
		return fmt.Errorf("%w: bad pack magic", ErrCorrupt)
	}
	return nil
}

// loadIndex reads blobs.idx and reports whether it was usable and covers
// the whole pack. Any structural problem causes a rebuild instead of an error.
func (s *Store) loadIndex() bool {
	raw, err := os.ReadFile(s.idxPath)
	if err != nil {
		return false
	}
	// magic + trailer (crc32 + count)
	if len(raw) < len(idxMagic)+12 || !bytes.Equal(raw[:len(idxMagic)], idxMagic) {
		return false
	}
	body := raw[len(idxMagic) : len(raw)-12]
	trailer := raw[len(raw)-12:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer[:4]) {
		return false
	}
	count := binary.LittleEndian.Uint64(trailer[4:])
	if uint64(len(body)) != count*idxEntrySize {
		return false
	}

	index := make(map[Hash]indexEntry, count)
	var covered uint64 = uint64(len(packMagic))
	for i := uint64(0); i < count; i++ {
		e := body[i*idxEntrySize : (i+1)*idxEntrySize]
		var h Hash
		copy(h[:], e[:32])
		entry := indexEntry{
			offset:          binary.LittleEndian.Uint64(e[32:40]),
			storedLen:       binary.LittleEndian.Uint32(e[40:44]),
			compression:     Compression(e[44]),
			uncompressedLen: binary.LittleEndian.Uint32(e[45:49]),
		}
		if entry.compression > CompressionZstd {
			return false
		}
		index[h] = entry
		if end := entry.offset + recordHeaderSize + uint64(entry.storedLen); end > covered {
			covered = end
		}
	}

	st, err := s.pack.Stat()
	if err != nil || covered != uint64(st.Size()) {
		// Stale: the pack has records the index does not know about
		// (crash between pack append and index write), or is shorter
		// than the index claims.
		return false
	}

	s.index = index
	return true
}

// rebuildIndex scans the pack sequentially, reconstructing the in-memory
// index and truncating any partial record at the tail, then persists the
// fresh index.
func (s *Store) rebuildIndex() error {
	st, err := s.pack.Stat()
	if err != nil {
		return fmt.Errorf("blob: stat pack: %w", err)
	}
	size := uint64(st.Size())

	index := make(map[Hash]indexEntry)
	offset := uint64(len(packMagic))
	hdr := make([]byte, recordHeaderSize)
	for offset < size {
		if size-offset < recordHeaderSize {
			break
		}
		if _, err := s.pack.ReadAt(hdr, int64(offset)); err != nil {
			break
		}
		var h Hash
		copy(h[:], hdr[:32])
		comp := Compression(hdr[32])
		uncompressedLen := binary.LittleEndian.Uint32(hdr[33:37])
		storedLen := binary.LittleEndian.Uint32(hdr[37:41])
		if comp > CompressionZstd {
			break
		}
		end := offset + recordHeaderSize + uint64(storedLen)
		if end > size {
			break
		}
		index[h] = indexEntry{
			offset:          offset,
			storedLen:       storedLen,
			compression:     comp,
			uncompressedLen: uncompressedLen,
		}
		offset = end
	}

	if offset < size {
		if err := s.pack.Truncate(int64(offset)); err != nil {
			return fmt.Errorf("blob: truncate pack tail: %w", err)
		}
	}

	s.index = index
	return s.writeIndexLocked()
}

// writeIndexLocked persists the in-memory index: entries sorted by hash,
// CRC32+count trailer, written to a temp file and renamed into place.
// Callers must hold at least the read lock over s.index.
func (s *Store) writeIndexLocked() error {
	entries := make([]Hash, 0, len(s.index))
	for h := range s.index {
		entries = append(entries, h)
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i][:], entries[j][:]) < 0
	})

	body := make([]byte, 0, len(entries)*idxEntrySize)
	var scratch [idxEntrySize]byte
	for _, h := range entries {
		e := s.index[h]
		copy(scratch[:32], h[:])
		binary.LittleEndian.PutUint64(scratch[32:40], e.offset)
		binary.LittleEndian.PutUint32(scratch[40:44], e.storedLen)
		scratch[44] = byte(e.compression)
		binary.LittleEndian.PutUint32(scratch[45:49], e.uncompressedLen)
		body = append(body, scratch[:]...)
	}

	buf := make([]byte, 0, len(idxMagic)+len(body)+12)
	buf = append(buf, idxMagic...)
	buf = append(buf, body...)
	var trailer [12]byte
	binary.LittleEndian.PutUint32(trailer[:4], crc32.ChecksumIEEE(body))
	binary.LittleEndian.PutUint64(trailer[4:], uint64(len(entries)))
	buf = append(buf, trailer[:]...)

	tmp := s.idxPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("blob: open index temp: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("blob: write index: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("blob: sync index: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("blob: close index: %w", err)
	}
	if err := os.Rename(tmp, s.idxPath); err != nil {
		return fmt.Errorf("blob: rename index: %w", err)
	}
	return nil
}

// Put stores raw payload bytes and returns their content hash. Payloads
// already present are deduplicated without writing.
func (s *Store) Put(raw []byte) (Hash, error) {
	h := Sum(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[h]; ok {
		return h, nil
	}

	stored := raw
	comp := CompressionNone
	if len(raw) >= s.policy.ThresholdBytes {
		compressed := s.enc.EncodeAll(raw, nil)
		if float64(len(compressed)) <= s.policy.RatioThreshold*float64(len(raw)) {
			stored = compressed
			comp = CompressionZstd
		}
	}

	st, err := s.pack.Stat()
	if err != nil {
		return Hash{}, fmt.Errorf("blob: stat pack: %w", err)
	}
	offset := uint64(st.Size())

	rec := make([]byte, 0, recordHeaderSize+len(stored))
	rec = append(rec, h[:]...)
	rec = append(rec, byte(comp))
	var lens [8]byte
	binary.LittleEndian.PutUint32(lens[:4], uint32(len(raw)))    //nolint:gosec // bounded by request limits
	binary.LittleEndian.PutUint32(lens[4:], uint32(len(stored))) //nolint:gosec // <= len(raw)+overhead
	rec = append(rec, lens[:]...)
	rec = append(rec, stored...)

	if _, err := s.pack.WriteAt(rec, int64(offset)); err != nil {
		return Hash{}, fmt.Errorf("blob: append pack: %w", err)
	}
	if err := s.pack.Sync(); err != nil {
		return Hash{}, fmt.Errorf("blob: sync pack: %w", err)
	}

	s.index[h] = indexEntry{
		offset:          offset,
		storedLen:       uint32(len(stored)), //nolint:gosec // <= len(raw)+overhead
		compression:     comp,
		uncompressedLen: uint32(len(raw)), //nolint:gosec // bounded by request limits
	}
	if err := s.writeIndexLocked(); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// Get returns the uncompressed payload bytes for hash, verifying the
// content hash of the result.
func (s *Store) Get(h Hash) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.index[h]
	if !ok {
		s.mu.RUnlock()
		return nil, ErrNotFound
	}

	rec := make([]byte, recordHeaderSize+int(entry.storedLen))
	_, err := s.pack.ReadAt(rec, int64(entry.offset))
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("blob: read pack: %w", err)
	}

	if !bytes.Equal(rec[:32], h[:]) {
		return nil, fmt.Errorf("%w: record hash mismatch", ErrCorrupt)
	}
	comp := Compression(rec[32])
	uncompressedLen := binary.LittleEndian.Uint32(rec[33:37])
	stored := rec[recordHeaderSize:]

	var raw []byte
	switch comp {
	case CompressionNone:
		raw = stored
	case CompressionZstd:
		raw, err = s.dec.DecodeAll(stored, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd decode: %v", ErrCorrupt, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown compression tag %d", ErrCorrupt, comp)
	}

	if uint32(len(raw)) != uncompressedLen { //nolint:gosec // lengths bounded
		return nil, fmt.Errorf("%w: length mismatch", ErrCorrupt)
	}
	if Sum(raw) != h {
		return nil, fmt.Errorf("%w: content hash mismatch", ErrCorrupt)
	}
	return raw, nil
}

// Exists reports whether a blob is present. It never touches the pack.
func (s *Store) Exists(h Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[h]
	return ok
}

// Info returns the stored and uncompressed lengths and compression tag
// for a blob without reading the pack.
func (s *Store) Info(h Hash) (storedLen, uncompressedLen uint32, comp Compression, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, found := s.index[h]
	if !found {
		return 0, 0, CompressionNone, false
	}
	return e.storedLen, e.uncompressedLen, e.compression, true
}

// Stats describes the store's physical footprint.
type Stats struct {
	Blobs     int    `json:"blobs"`
	PackBytes uint64 `json:"pack_bytes"`
}

// Stats returns blob count and pack size.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var size uint64
	if st, err := s.pack.Stat(); err == nil {
		size = uint64(st.Size())
	}
	return Stats{Blobs: len(s.index), PackBytes: size}
}
