package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/cxdb/internal/projection"
	"github.com/ashita-ai/cxdb/internal/registry"
	"github.com/ashita-ai/cxdb/internal/turns"
)

// View selects what each turn of a read carries.
type View int

const (
	// ViewTyped returns projections only and fails on a missing descriptor.
	ViewTyped View = iota
	// ViewRaw returns raw payload bytes only.
	ViewRaw
	// ViewBoth returns raw bytes plus a best-effort projection.
	ViewBoth
)

// ParseView parses the wire form of a view option.
func ParseView(s string) (View, error) {
	switch s {
	case "", "typed":
		return ViewTyped, nil
	case "raw":
		return ViewRaw, nil
	case "both":
		return ViewBoth, nil
	}
	return 0, fmt.Errorf("%w: unknown view %q", ErrInvalidRequest, s)
}

// TypeHintMode selects which descriptor a projection uses.
type TypeHintMode int

const (
	// HintInherit uses the turn's declared (type_id, version).
	HintInherit TypeHintMode = iota
	// HintLatest uses the latest registered version of the declared type.
	HintLatest
	// HintExplicit uses a caller-supplied (type_id, version).
	HintExplicit
)

// ParseTypeHintMode parses the wire form of a type_hint_mode option.
func ParseTypeHintMode(s string) (TypeHintMode, error) {
	switch s {
	case "", "inherit":
		return HintInherit, nil
	case "latest":
		return HintLatest, nil
	case "explicit":
		return HintExplicit, nil
	}
	return 0, fmt.Errorf("%w: unknown type_hint_mode %q", ErrInvalidRequest, s)
}

// TypeHint is the resolved descriptor selection for a read.
type TypeHint struct {
	Mode    TypeHintMode
	TypeID  string // explicit mode only
	Version uint32 // explicit mode only
}

// ReadRequest is the read contract as the store sees it.
type ReadRequest struct {
	ContextID    uint64
	Limit        int
	BeforeTurnID uint64
	View         View
	Hint         TypeHint
	Options      projection.Options
}

// TurnView is one turn of a read result.
type TurnView struct {
	Turn            turns.Turn
	Raw             []byte
	Typed           *projection.Result
	ProjectionError string // both-view only: why the projection attempt failed
}

// ReadResult is an oldest-first batch of turns plus the pagination cursor.
type ReadResult struct {
	ContextID        uint64
	HeadTurnID       uint64
	HeadDepth        uint32
	RegistryBundleID string
	Turns            []TurnView
	NextBeforeTurnID uint64
}

// GetTurns walks the context's chain backward from the head (or the
// pagination cursor), loads payloads, and projects them per the request.
// The batch is returned oldest-first.
func (s *Store) GetTurns(ctx context.Context, req ReadRequest) (ReadResult, error) {
	headTurnID, headDepth, err := s.turns.GetHead(req.ContextID)
	if err != nil {
		return ReadResult{}, err
	}

	newestFirst, next, err := s.turns.GetLast(ctx, req.ContextID, req.Limit, req.BeforeTurnID)
	if err != nil {
		return ReadResult{}, err
	}

	result := ReadResult{
		ContextID:        req.ContextID,
		HeadTurnID:       headTurnID,
		HeadDepth:        headDepth,
		RegistryBundleID: s.registry.LastBundleID(),
		Turns:            make([]TurnView, 0, len(newestFirst)),
		NextBeforeTurnID: next,
	}

	// Oldest-first within the batch.
	for i := len(newestFirst) - 1; i >= 0; i-- {
		turn := newestFirst[i]
		view, err := s.renderTurn(turn, req)
		if err != nil {
			return ReadResult{}, err
		}
		result.Turns = append(result.Turns, view)
	}
	return result, nil
}

// RenderTurn projects a single turn per the request; used by surfaces that
// serve one turn at a time.
func (s *Store) RenderTurn(turn turns.Turn, req ReadRequest) (TurnView, error) {
	return s.renderTurn(turn, req)
}

func (s *Store) renderTurn(turn turns.Turn, req ReadRequest) (TurnView, error) {
	payload, err := s.blobs.Get(turn.ContentHash)
	if err != nil {
		return TurnView{}, err
	}

	view := TurnView{Turn: turn}
	if req.View == ViewRaw || req.View == ViewBoth {
		view.Raw = payload
	}
	if req.View == ViewRaw {
		return view, nil
	}

	desc, err := s.resolveDescriptor(turn, req.Hint)
	if err != nil {
		if req.View == ViewTyped {
			return TurnView{}, err
		}
		view.ProjectionError = err.Error()
		return view, nil
	}

	projected, err := projection.Project(payload, desc, s.registry, req.Options)
	if err != nil {
		if req.View == ViewTyped {
			return TurnView{}, err
		}
		view.ProjectionError = err.Error()
		return view, nil
	}
	view.Typed = &projected
	return view, nil
}

// resolveDescriptor picks the descriptor a projection should use. Under
// the latest hint, a declared version newer than anything registered wins
// over the registry's latest; its absence is then a DescriptorMissing.
func (s *Store) resolveDescriptor(turn turns.Turn, hint TypeHint) (*registry.Descriptor, error) {
	typeID := turn.DeclaredTypeID
	version := turn.DeclaredTypeVersion

	switch hint.Mode {
	case HintExplicit:
		typeID = hint.TypeID
		version = hint.Version
	case HintLatest:
		if latest, ok := s.registry.LatestVersion(typeID); ok && latest > version {
			version = latest
		}
	case HintInherit:
	}

	desc, ok := s.registry.Lookup(typeID, version)
	if !ok {
		return nil, fmt.Errorf("%w: %s@%d", projection.ErrDescriptorMissing, typeID, version)
	}
	return desc, nil
}

// IsNotFound reports whether err is any of the store's not-found kinds.
func IsNotFound(err error) bool {
	return errors.Is(err, turns.ErrNotFound) ||
		errors.Is(err, turns.ErrContextNotFound) ||
		errors.Is(err, turns.ErrParentNotFound)
}
