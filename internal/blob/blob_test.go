package blob_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/cxdb/internal/blob"
)

func openStore(t *testing.T, dir string) *blob.Store {
	t.Helper()
	s, err := blob.Open(dir, blob.DefaultPolicy())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openStore(t, t.TempDir())

	payload := []byte(`{"role":"user","text":"Hi"}`)
	h, err := s.Put(payload)
	require.NoError(t, err)
	assert.Equal(t, blob.Sum(payload), h)

	got, err := s.Get(h)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.True(t, s.Exists(h))
}

func TestGetMissing(t *testing.T) {
	s := openStore(t, t.TempDir())

	_, err := s.Get(blob.Sum([]byte("never stored")))
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestDedup(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	payload := bytes.Repeat([]byte("same bytes "), 10)
	h1, err := s.Put(payload)
	require.NoError(t, err)
	sizeAfterFirst := s.Stats().PackBytes

	h2, err := s.Put(payload)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, sizeAfterFirst, s.Stats().PackBytes, "duplicate put must not grow the pack")
	assert.Equal(t, 1, s.Stats().Blobs)
}

func TestCompressionPolicy(t *testing.T) {
	s := openStore(t, t.TempDir())

	// One byte under the threshold: always stored raw.
	small := bytes.Repeat([]byte("a"), 511)
	h, err := s.Put(small)
	require.NoError(t, err)
	_, _, comp, ok := s.Info(h)
	require.True(t, ok)
	assert.Equal(t, blob.CompressionNone, comp)

	// At the threshold and highly repetitive: compresses well past the ratio.
	big := bytes.Repeat([]byte("a"), 512)
	h, err = s.Put(big)
	require.NoError(t, err)
	storedLen, uncompressedLen, comp, ok := s.Info(h)
	require.True(t, ok)
	assert.Equal(t, blob.CompressionZstd, comp)
	assert.Equal(t, uint32(512), uncompressedLen)
	assert.Less(t, storedLen, uncompressedLen)

	got, err := s.Get(h)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestIncompressiblePayloadStaysRaw(t *testing.T) {
	s := openStore(t, t.TempDir())

	// Pseudo-random bytes past the threshold do not clear the ratio.
	payload := make([]byte, 2048)
	x := uint32(2463534242)
	for i := range payload {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		payload[i] = byte(x)
	}
	h, err := s.Put(payload)
	require.NoError(t, err)
	_, _, comp, ok := s.Info(h)
	require.True(t, ok)
	assert.Equal(t, blob.CompressionNone, comp)
}

func TestIndexRebuildAfterDeletion(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	payloads := [][]byte{
		[]byte("first"),
		bytes.Repeat([]byte("second "), 200),
		[]byte("third"),
	}
	hashes := make([]blob.Hash, len(payloads))
	for i, p := range payloads {
		h, err := s.Put(p)
		require.NoError(t, err)
		hashes[i] = h
	}
	require.NoError(t, s.Close())

	// Simulate a crash that lost the index.
	require.NoError(t, os.Remove(filepath.Join(dir, "blobs.idx")))

	s2 := openStore(t, dir)
	for i, h := range hashes {
		got, err := s2.Get(h)
		require.NoError(t, err)
		assert.Equal(t, payloads[i], got)
	}
}

func TestStaleIndexTriggersRebuild(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	_, err := s.Put([]byte("one"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Keep the index from the first put, then append another blob behind
	// its back by writing through a second handle and discarding its index.
	idx, err := os.ReadFile(filepath.Join(dir, "blobs.idx"))
	require.NoError(t, err)

	s = openStore(t, dir)
	h2, err := s.Put([]byte("two"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blobs.idx"), idx, 0o644))

	s2 := openStore(t, dir)
	got, err := s2.Get(h2)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func TestTruncatedPackTailIsDropped(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	h1, err := s.Put([]byte("keep me"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Append garbage shorter than a record header and drop the index.
	f, err := os.OpenFile(filepath.Join(dir, "blobs.pack"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Remove(filepath.Join(dir, "blobs.idx")))

	s2 := openStore(t, dir)
	got, err := s2.Get(h1)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep me"), got)
	assert.Equal(t, 1, s2.Stats().Blobs)
}

func TestCorruptPackDetectedOnGet(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	h, err := s.Put([]byte("to be corrupted"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Flip a payload byte near the end of the pack.
	path := filepath.Join(dir, "blobs.pack")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	s2 := openStore(t, dir)
	_, err = s2.Get(h)
	assert.ErrorIs(t, err, blob.ErrCorrupt)
}

func TestPutGetProperties(t *testing.T) {
	s := openStore(t, t.TempDir())

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("get returns exactly what put stored", prop.ForAll(
		func(payload []byte) bool {
			h, err := s.Put(payload)
			if err != nil {
				return false
			}
			got, err := s.Get(h)
			if err != nil {
				return false
			}
			return bytes.Equal(got, payload)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("identical payloads share a hash", prop.ForAll(
		func(payload []byte) bool {
			h1, err1 := s.Put(payload)
			h2, err2 := s.Put(payload)
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
