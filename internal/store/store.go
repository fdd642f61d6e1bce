// Package store composes the blob CAS, the turn store, the registry and
// the catalog into the single-writer context store.
//
// It owns the append durability chain (blob pack -> blob index -> turn
// log -> head table; when the turn-ID batch is used up, the allocator's new
// high-water mark is persisted before the turn-log write) and the
// per-context locking that makes appends on one context strictly ordered
// while distinct contexts proceed independently.
package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/cxdb/internal/blob"
	"github.com/ashita-ai/cxdb/internal/catalog"
	"github.com/ashita-ai/cxdb/internal/registry"
	"github.com/ashita-ai/cxdb/internal/turns"
)

var (
	// ErrConflict is returned when an idempotency key is replayed with a
	// different payload.
	ErrConflict = errors.New("store: idempotency key conflict")
	// ErrInvalidRequest is returned for malformed append requests
	// (unknown encoding or compression, undecodable payload).
	ErrInvalidRequest = errors.New("store: invalid request")
)

// Config carries the tunables the store needs from the configuration surface.
type Config struct {
	CompressionPolicy blob.Policy
	IDBatchSize       uint64
	EnableMetrics     bool
}

// Store is the context store over one data directory.
type Store struct {
	blobs    *blob.Store
	turns    *turns.Store
	catalog  *catalog.Catalog
	registry *registry.Registry
	logger   *slog.Logger

	ctxLocks sync.Map // context_id -> *sync.Mutex

	dec *zstd.Decoder

	appendCounter metric.Int64Counter
	dedupCounter  metric.Int64Counter
}

// Open opens every subsystem under dataDir and reconciles derived state:
// the blob index is rebuilt if stale, the turn log tail is repaired, orphan
// heads are rejected, and the catalog's context rows are refreshed.
func Open(ctx context.Context, dataDir string, cfg Config, logger *slog.Logger) (*Store, error) {
	blobs, err := blob.Open(filepath.Join(dataDir, "blobs"), cfg.CompressionPolicy)
	if err != nil {
		return nil, err
	}
	turnStore, err := turns.Open(filepath.Join(dataDir, "turns"), cfg.IDBatchSize)
	if err != nil {
		blobs.Close()
		return nil, err
	}
	reg, err := registry.Open(filepath.Join(dataDir, "registry", "bundles"))
	if err != nil {
		blobs.Close()
		turnStore.Close()
		return nil, err
	}
	cat, err := catalog.Open(ctx, filepath.Join(dataDir, "catalog.db"), logger)
	if err != nil {
		blobs.Close()
		turnStore.Close()
		return nil, err
	}
	if err := cat.Rebuild(ctx, turnStore.ListContexts(0)); err != nil {
		blobs.Close()
		turnStore.Close()
		cat.Close()
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		blobs.Close()
		turnStore.Close()
		cat.Close()
		return nil, fmt.Errorf("store: zstd decoder: %w", err)
	}

	s := &Store{
		blobs:    blobs,
		turns:    turnStore,
		catalog:  cat,
		registry: reg,
		logger:   logger,
		dec:      dec,
	}
	if cfg.EnableMetrics {
		meter := otel.GetMeterProvider().Meter("cxdb/store")
		if c, err := meter.Int64Counter("cxdb.store.appends"); err == nil {
			s.appendCounter = c
		}
		if c, err := meter.Int64Counter("cxdb.store.blob_dedup_hits"); err == nil {
			s.dedupCounter = c
		}
	}
	return s, nil
}

// Close releases all subsystems.
func (s *Store) Close() error {
	var firstErr error
	s.dec.Close()
	for _, closer := range []func() error{s.blobs.Close, s.turns.Close, s.catalog.Close} {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Registry exposes the type registry for the read surfaces.
func (s *Store) Registry() *registry.Registry { return s.registry }

// AppendRequest is the append contract as the store sees it.
type AppendRequest struct {
	ContextID      uint64
	ParentTurnID   uint64
	TypeID         string
	TypeVersion    uint32
	Encoding       string // "msgpack"
	Compression    string // "none" | "zstd" (transport compression of Payload)
	Payload        []byte
	IdempotencyKey string
}

// Append commits one turn. The payload is decompressed if it arrived
// zstd-compressed, content-addressed into the CAS, and the turn record is
// durable before Append returns. Replays via idempotency key return the
// originally committed turn unchanged.
func (s *Store) Append(ctx context.Context, req AppendRequest) (turns.Turn, error) {
	if req.TypeID == "" {
		return turns.Turn{}, fmt.Errorf("%w: missing type_id", ErrInvalidRequest)
	}
	if req.Encoding != "" && req.Encoding != "msgpack" {
		return turns.Turn{}, fmt.Errorf("%w: unsupported encoding %q", ErrInvalidRequest, req.Encoding)
	}

	raw := req.Payload
	wireCompression := blob.CompressionNone
	switch req.Compression {
	case "", "none":
	case "zstd":
		decoded, err := s.dec.DecodeAll(req.Payload, nil)
		if err != nil {
			return turns.Turn{}, fmt.Errorf("%w: zstd payload: %v", ErrInvalidRequest, err)
		}
		raw = decoded
		wireCompression = blob.CompressionZstd
	default:
		return turns.Turn{}, fmt.Errorf("%w: unsupported compression %q", ErrInvalidRequest, req.Compression)
	}

	lock := s.contextLock(req.ContextID)
	lock.Lock()
	defer lock.Unlock()

	contentHash := blob.Sum(raw)
	requestHash := hex.EncodeToString(contentHash[:])

	if req.IdempotencyKey != "" {
		prior, ok, err := s.catalog.LookupIdempotency(ctx, req.ContextID, req.IdempotencyKey)
		if err != nil {
			return turns.Turn{}, err
		}
		if ok {
			if prior.RequestHash != requestHash {
				return turns.Turn{}, fmt.Errorf("%w: key %q", ErrConflict, req.IdempotencyKey)
			}
			return s.turns.Get(prior.TurnID)
		}
	}

	// Durability chain: blob pack and index first, then the turn log and
	// head table. A crash after the blob write leaves an orphan blob that
	// the startup index rebuild tolerates.
	if existed := s.blobs.Exists(contentHash); existed && s.dedupCounter != nil {
		s.dedupCounter.Add(ctx, 1)
	}
	if _, err := s.blobs.Put(raw); err != nil {
		return turns.Turn{}, err
	}

	turn, err := s.turns.Append(req.ContextID, req.ParentTurnID, contentHash,
		req.TypeID, req.TypeVersion, turns.EncodingMsgpack, wireCompression,
		uint32(len(raw))) //nolint:gosec // bounded by request limits
	if err != nil {
		return turns.Turn{}, err
	}

	if req.IdempotencyKey != "" {
		if err := s.catalog.RecordIdempotency(ctx, req.ContextID, req.IdempotencyKey, turn.TurnID, requestHash); err != nil {
			// The turn is durable; losing the key only costs replay
			// dedup, so log and keep going.
			s.logger.Warn("idempotency record failed", "error", err, "context_id", req.ContextID)
		}
	}
	if s.appendCounter != nil {
		s.appendCounter.Add(ctx, 1)
	}

	s.logger.Debug("turn appended",
		"context_id", req.ContextID,
		"turn_id", turn.TurnID,
		"depth", turn.Depth,
		"type_id", turn.DeclaredTypeID,
	)
	return turn, nil
}

// CreateContext allocates a new context with optional metadata.
func (s *Store) CreateContext(ctx context.Context, baseTurnID uint64, meta *turns.ContextMeta) (turns.Context, error) {
	c, err := s.turns.CreateContext(baseTurnID, meta)
	if err != nil {
		return turns.Context{}, err
	}
	if err := s.catalog.RecordContext(ctx, c.ContextID, c.CreatedAtMS, c.Meta); err != nil {
		s.logger.Warn("catalog record failed", "error", err, "context_id", c.ContextID)
	}
	return c, nil
}

// Fork creates a new context headed at an existing turn, with provenance.
func (s *Store) Fork(ctx context.Context, baseTurnID uint64, meta *turns.ContextMeta) (turns.Context, error) {
	c, err := s.turns.Fork(baseTurnID, meta)
	if err != nil {
		return turns.Context{}, err
	}
	if err := s.catalog.RecordContext(ctx, c.ContextID, c.CreatedAtMS, c.Meta); err != nil {
		s.logger.Warn("catalog record failed", "error", err, "context_id", c.ContextID)
	}
	return c, nil
}

// GetTurn returns one turn record.
func (s *Store) GetTurn(turnID uint64) (turns.Turn, error) {
	return s.turns.Get(turnID)
}

// GetContext returns one context with metadata.
func (s *Store) GetContext(contextID uint64) (turns.Context, error) {
	return s.turns.GetContext(contextID)
}

// GetHead returns the context's head pointer.
func (s *Store) GetHead(contextID uint64) (uint64, uint32, error) {
	return s.turns.GetHead(contextID)
}

// ListContexts returns contexts matching the filter, newest first.
func (s *Store) ListContexts(ctx context.Context, f catalog.Filter) ([]turns.Context, error) {
	ids, err := s.catalog.ListContexts(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]turns.Context, 0, len(ids))
	for _, id := range ids {
		c, err := s.turns.GetContext(id)
		if err != nil {
			continue // catalog row for a context the head table no longer vouches for
		}
		out = append(out, c)
	}
	return out, nil
}

// GetChildren returns direct (or, recursively, all transitive) child
// contexts of contextID.
func (s *Store) GetChildren(ctx context.Context, contextID uint64, recursive bool) ([]turns.Context, error) {
	if _, err := s.turns.GetContext(contextID); err != nil {
		return nil, err
	}
	var ids []uint64
	var err error
	if recursive {
		ids, err = s.catalog.Descendants(ctx, contextID, 0)
	} else {
		ids, err = s.catalog.Children(ctx, contextID)
	}
	if err != nil {
		return nil, err
	}
	out := make([]turns.Context, 0, len(ids))
	for _, id := range ids {
		c, err := s.turns.GetContext(id)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// GetBlob returns the uncompressed payload bytes for a content hash.
func (s *Store) GetBlob(hash blob.Hash) ([]byte, error) {
	return s.blobs.Get(hash)
}

// PutBlob stores payload bytes directly in the CAS without appending a turn.
func (s *Store) PutBlob(raw []byte) (blob.Hash, error) {
	return s.blobs.Put(raw)
}

// PublishBundle registers a registry bundle.
func (s *Store) PublishBundle(raw []byte) (registry.PublishOutcome, error) {
	return s.registry.PublishBundle(raw)
}

// Stats aggregates subsystem statistics.
type Stats struct {
	Blobs    blob.Stats     `json:"blobs"`
	Turns    turns.Stats    `json:"turns"`
	Registry registry.Stats `json:"registry"`
}

// Stats returns a snapshot of store statistics.
func (s *Store) Stats() Stats {
	return Stats{
		Blobs:    s.blobs.Stats(),
		Turns:    s.turns.Stats(),
		Registry: s.registry.Stats(),
	}
}

func (s *Store) contextLock(contextID uint64) *sync.Mutex {
	if lock, ok := s.ctxLocks.Load(contextID); ok {
		return lock.(*sync.Mutex)
	}
	lock, _ := s.ctxLocks.LoadOrStore(contextID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}
