package turns

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/ashita-ai/cxdb/internal/blob"
)

var (
	// ErrContextNotFound is returned when the named context does not exist.
	ErrContextNotFound = errors.New("turns: context not found")
	// ErrParentNotFound is returned when an explicit parent turn is absent.
	ErrParentNotFound = errors.New("turns: parent turn not found")
	// ErrParentMismatch is returned when a parent exists but is not part of
	// the context's lineage. It indicates a caller bug, never a race.
	ErrParentMismatch = errors.New("turns: parent not in context lineage")
)

// CreateContext allocates a new context whose head is baseTurnID (zero for
// an empty context). The metadata block, when supplied, is written once and
// never modified.
func (s *Store) CreateContext(baseTurnID uint64, meta *ContextMeta) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createContextLocked(baseTurnID, meta)
}

func (s *Store) createContextLocked(baseTurnID uint64, meta *ContextMeta) (Context, error) {
	var headTurnID uint64
	var headDepth uint32
	if baseTurnID != 0 {
		ref, ok := s.turns[baseTurnID]
		if !ok {
			return Context{}, fmt.Errorf("%w: base turn %d", ErrNotFound, baseTurnID)
		}
		headTurnID = baseTurnID
		headDepth = ref.depth
	}

	contextID, err := s.ctxIDs.alloc(s.reserveCtxHWM)
	if err != nil {
		return Context{}, err
	}

	state := headState{
		headTurnID:  headTurnID,
		headDepth:   headDepth,
		metaOffset:  noMetaOffset,
		createdAtMS: nowUnixMS(),
	}
	if meta != nil {
		offset, err := s.writeContextMeta(meta)
		if err != nil {
			return Context{}, err
		}
		state.metaOffset = offset
	}
	if err := s.writeHeadRecord(contextID, state); err != nil {
		return Context{}, err
	}
	s.headTable[contextID] = state
	if meta != nil {
		s.metaMu.Lock()
		s.metaCache[contextID] = meta
		s.metaMu.Unlock()
	}

	return Context{
		ContextID:   contextID,
		HeadTurnID:  headTurnID,
		HeadDepth:   headDepth,
		CreatedAtMS: state.createdAtMS,
		Meta:        meta,
	}, nil
}

// Fork creates a context whose head is an existing turn, recording
// provenance automatically: the parent context is the one owning the base
// turn's lineage, the root context propagates transitively. O(1) in data;
// no payload is copied.
func (s *Store) Fork(baseTurnID uint64, meta *ContextMeta) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.turns[baseTurnID]; !ok {
		return Context{}, fmt.Errorf("%w: base turn %d", ErrNotFound, baseTurnID)
	}

	if meta == nil {
		meta = &ContextMeta{}
	}
	if meta.SpawnReason == "" {
		meta.SpawnReason = "fork"
	}
	if parent, ok := s.owner[baseTurnID]; ok {
		meta.ParentContextID = parent
		meta.RootContextID = parent
		if pm := s.contextMetaLocked(parent); pm != nil && pm.RootContextID != 0 {
			meta.RootContextID = pm.RootContextID
		}
	}

	c, err := s.createContextLocked(baseTurnID, meta)
	if err != nil {
		return Context{}, err
	}
	return c, nil
}

// Append writes one turn. The effective parent is parentTurnID, or the
// context's current head when zero. The context head advances only when the
// new turn extends it; an explicit non-head parent creates a branch turn
// that leaves the head untouched.
func (s *Store) Append(contextID, parentTurnID uint64, contentHash blob.Hash,
	typeID string, typeVersion uint32, enc Encoding, comp blob.Compression, uncompressedLen uint32,
) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, ok := s.headTable[contextID]
	if !ok {
		return Turn{}, fmt.Errorf("%w: context %d", ErrContextNotFound, contextID)
	}

	explicit := parentTurnID != 0
	effectiveParent := parentTurnID
	if !explicit {
		effectiveParent = head.headTurnID
	}

	var depth uint32
	if effectiveParent != 0 {
		ref, ok := s.turns[effectiveParent]
		if !ok {
			if explicit {
				return Turn{}, fmt.Errorf("%w: turn %d", ErrParentNotFound, effectiveParent)
			}
			return Turn{}, fmt.Errorf("%w: head turn %d", ErrCorrupt, effectiveParent)
		}
		if explicit && !s.inLineageLocked(contextID, effectiveParent, head) {
			return Turn{}, fmt.Errorf("%w: turn %d in context %d", ErrParentMismatch, effectiveParent, contextID)
		}
		depth = ref.depth + 1
	}

	turnID, err := s.turnIDs.alloc(s.reserveTurnHWM)
	if err != nil {
		return Turn{}, err
	}

	turn := Turn{
		TurnID:              turnID,
		ParentTurnID:        effectiveParent,
		Depth:               depth,
		ContentHash:         contentHash,
		DeclaredTypeID:      typeID,
		DeclaredTypeVersion: typeVersion,
		Encoding:            enc,
		Compression:         comp,
		UncompressedLen:     uncompressedLen,
		CreatedAtMS:         nowUnixMS(),
	}

	rec, err := encodeRecord(turn)
	if err != nil {
		return Turn{}, err
	}
	offset := s.logSize
	if _, err := s.log.WriteAt(rec, offset); err != nil {
		return Turn{}, fmt.Errorf("turns: append log: %w", err)
	}
	if err := s.log.Sync(); err != nil {
		return Turn{}, fmt.Errorf("turns: sync log: %w", err)
	}
	s.logSize += int64(len(rec))

	s.appendIdxEntry(turnID, offset)
	s.turns[turnID] = turnRef{parent: effectiveParent, depth: depth, offset: offset}
	s.owner[turnID] = contextID

	// Head pointer moves forward only: the append must extend the current
	// head. A branch stays reachable solely through its own fork.
	if effectiveParent == head.headTurnID {
		head.headTurnID = turnID
		head.headDepth = depth
		if err := s.writeHeadRecord(contextID, head); err != nil {
			return Turn{}, err
		}
		s.headTable[contextID] = head
	}

	return turn, nil
}

// inLineageLocked reports whether turnID belongs to the context's history:
// the head itself, an ancestor of the head, or a branch turn appended under
// this context.
func (s *Store) inLineageLocked(contextID, turnID uint64, head headState) bool {
	if owner, ok := s.owner[turnID]; ok && owner == contextID {
		return true
	}
	target, ok := s.turns[turnID]
	if !ok {
		return false
	}
	cur := head.headTurnID
	for cur != 0 {
		if cur == turnID {
			return true
		}
		ref, ok := s.turns[cur]
		if !ok || ref.depth < target.depth {
			return false
		}
		cur = ref.parent
	}
	return false
}

func (s *Store) appendIdxEntry(turnID uint64, offset int64) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], turnID)
	binary.LittleEndian.PutUint64(buf[8:], uint64(offset)) //nolint:gosec // offsets are non-negative
	if st, err := s.idx.Stat(); err == nil {
		_, _ = s.idx.WriteAt(buf[:], st.Size())
	}
}

// Get returns the full turn record for turnID.
func (s *Store) Get(turnID uint64) (Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(turnID)
}

func (s *Store) getLocked(turnID uint64) (Turn, error) {
	ref, ok := s.turns[turnID]
	if !ok {
		return Turn{}, fmt.Errorf("%w: turn %d", ErrNotFound, turnID)
	}
	// Records are small; over-read and let the decoder trim.
	buf := make([]byte, recordFixedPrefix+maxTypeIDLen+recordFixedSuffix+4)
	n, err := s.log.ReadAt(buf, ref.offset)
	if err != nil && n == 0 {
		return Turn{}, fmt.Errorf("turns: read log: %w", err)
	}
	turn, _, err := decodeRecord(bytes.NewReader(buf[:n]))
	if err != nil {
		return Turn{}, err
	}
	if turn.TurnID != turnID {
		return Turn{}, fmt.Errorf("%w: index points at turn %d, want %d", ErrCorrupt, turn.TurnID, turnID)
	}
	return turn, nil
}

// GetHead returns the context's head pointer in O(1).
func (s *Store) GetHead(contextID uint64) (headTurnID uint64, headDepth uint32, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	head, ok := s.headTable[contextID]
	if !ok {
		return 0, 0, fmt.Errorf("%w: context %d", ErrContextNotFound, contextID)
	}
	return head.headTurnID, head.headDepth, nil
}

// GetLast walks the parent chain newest-first from the context head (or
// from beforeTurnID's parent when paginating), returning up to limit turns
// and the cursor for the next older batch (zero when a root was reached).
// The walk checks ctx between iterations.
func (s *Store) GetLast(ctx context.Context, contextID uint64, limit int, beforeTurnID uint64) ([]Turn, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	head, ok := s.headTable[contextID]
	if !ok {
		return nil, 0, fmt.Errorf("%w: context %d", ErrContextNotFound, contextID)
	}

	cur := head.headTurnID
	if beforeTurnID != 0 {
		ref, ok := s.turns[beforeTurnID]
		if !ok {
			return nil, 0, fmt.Errorf("%w: turn %d", ErrNotFound, beforeTurnID)
		}
		cur = ref.parent
	}

	out := make([]Turn, 0, min(limit, 64))
	for cur != 0 && len(out) < limit {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		turn, err := s.getLocked(cur)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, turn)
		cur = turn.ParentTurnID
	}

	var next uint64
	if len(out) > 0 && out[len(out)-1].ParentTurnID != 0 {
		next = out[len(out)-1].TurnID
	}
	return out, next, nil
}

// GetContext returns the context with its metadata block.
func (s *Store) GetContext(contextID uint64) (Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	head, ok := s.headTable[contextID]
	if !ok {
		return Context{}, fmt.Errorf("%w: context %d", ErrContextNotFound, contextID)
	}
	return Context{
		ContextID:   contextID,
		HeadTurnID:  head.headTurnID,
		HeadDepth:   head.headDepth,
		CreatedAtMS: head.createdAtMS,
		Meta:        s.contextMetaLocked(contextID),
	}, nil
}

func (s *Store) contextMetaLocked(contextID uint64) *ContextMeta {
	s.metaMu.Lock()
	if meta, ok := s.metaCache[contextID]; ok {
		s.metaMu.Unlock()
		return meta
	}
	s.metaMu.Unlock()

	head, ok := s.headTable[contextID]
	if !ok || head.metaOffset == noMetaOffset {
		return nil
	}
	meta, err := s.readContextMeta(head.metaOffset)
	if err != nil {
		return nil
	}
	s.metaMu.Lock()
	s.metaCache[contextID] = meta
	s.metaMu.Unlock()
	return meta
}

// ListContexts returns up to limit contexts, most recently created first.
func (s *Store) ListContexts(limit int) []Context {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Context, 0, len(s.headTable))
	for id, head := range s.headTable {
		out = append(out, Context{
			ContextID:   id,
			HeadTurnID:  head.headTurnID,
			HeadDepth:   head.headDepth,
			CreatedAtMS: head.createdAtMS,
			Meta:        s.contextMetaLocked(id),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMS != out[j].CreatedAtMS {
			return out[i].CreatedAtMS > out[j].CreatedAtMS
		}
		return out[i].ContextID > out[j].ContextID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// OwnerOf reports which context a turn was appended under, if known.
func (s *Store) OwnerOf(turnID uint64) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctxID, ok := s.owner[turnID]
	return ctxID, ok
}

// Stats describes the store's logical and physical size.
type Stats struct {
	Turns    int   `json:"turns"`
	Contexts int   `json:"contexts"`
	LogBytes int64 `json:"log_bytes"`
}

// Stats returns turn and context counts plus the log size.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Turns: len(s.turns), Contexts: len(s.headTable), LogBytes: s.logSize}
}
