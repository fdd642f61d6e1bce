package server

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/cxdb/internal/blob"
	"github.com/ashita-ai/cxdb/internal/catalog"
	"github.com/ashita-ai/cxdb/internal/projection"
	"github.com/ashita-ai/cxdb/internal/registry"
	"github.com/ashita-ai/cxdb/internal/store"
	"github.com/ashita-ai/cxdb/internal/turns"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store        *store.Store
	logger       *slog.Logger
	startedAt    time.Time
	version      string
	maxBodyBytes int64
	maxReadLimit int
}

// NewHandlers creates a new Handlers.
func NewHandlers(st *store.Store, logger *slog.Logger, version string, maxBodyBytes int64, maxReadLimit int) *Handlers {
	if maxReadLimit <= 0 || maxReadLimit > 512 {
		maxReadLimit = 512
	}
	return &Handlers{
		store:        st,
		logger:       logger,
		startedAt:    time.Now(),
		version:      version,
		maxBodyBytes: maxBodyBytes,
		maxReadLimit: maxReadLimit,
	}
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleStats handles GET /v1/stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Stats())
}

// contextMetaJSON is the JSON form of a context metadata block.
type contextMetaJSON struct {
	ClientTag       string   `json:"client_tag,omitempty"`
	SessionID       string   `json:"session_id,omitempty"`
	Title           string   `json:"title,omitempty"`
	Labels          []string `json:"labels,omitempty"`
	ParentContextID uint64   `json:"parent_context_id,omitempty"`
	RootContextID   uint64   `json:"root_context_id,omitempty"`
	SpawnReason     string   `json:"spawn_reason,omitempty"`
}

type contextJSON struct {
	ContextID   uint64           `json:"context_id"`
	HeadTurnID  uint64           `json:"head_turn_id"`
	HeadDepth   uint32           `json:"head_depth"`
	CreatedAtMS int64            `json:"created_at_ms"`
	Meta        *contextMetaJSON `json:"meta,omitempty"`
}

func contextToJSON(c turns.Context) contextJSON {
	out := contextJSON{
		ContextID:   c.ContextID,
		HeadTurnID:  c.HeadTurnID,
		HeadDepth:   c.HeadDepth,
		CreatedAtMS: c.CreatedAtMS,
	}
	if c.Meta != nil {
		out.Meta = &contextMetaJSON{
			ClientTag:       c.Meta.ClientTag,
			SessionID:       c.Meta.SessionID,
			Title:           c.Meta.Title,
			Labels:          c.Meta.Labels,
			ParentContextID: c.Meta.ParentContextID,
			RootContextID:   c.Meta.RootContextID,
			SpawnReason:     c.Meta.SpawnReason,
		}
	}
	return out
}

// createContextRequest is the body of POST /v1/contexts. With Fork true the
// base turn's owning context becomes the parent (provenance recorded).
type createContextRequest struct {
	BaseTurnID uint64           `json:"base_turn_id,omitempty"`
	Fork       bool             `json:"fork,omitempty"`
	Meta       *contextMetaJSON `json:"meta,omitempty"`
}

// HandleCreateContext handles POST /v1/contexts.
func (h *Handlers) HandleCreateContext(w http.ResponseWriter, r *http.Request) {
	var req createContextRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, err.Error())
		return
	}

	var meta *turns.ContextMeta
	if req.Meta != nil {
		meta = &turns.ContextMeta{
			ClientTag:   req.Meta.ClientTag,
			SessionID:   req.Meta.SessionID,
			Title:       req.Meta.Title,
			Labels:      req.Meta.Labels,
			SpawnReason: req.Meta.SpawnReason,
		}
	}

	var (
		c   turns.Context
		err error
	)
	if req.Fork {
		c, err = h.store.Fork(r.Context(), req.BaseTurnID, meta)
	} else {
		c, err = h.store.CreateContext(r.Context(), req.BaseTurnID, meta)
	}
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, contextToJSON(c))
}

// HandleGetContext handles GET /v1/contexts/{id}.
func (h *Handlers) HandleGetContext(w http.ResponseWriter, r *http.Request) {
	contextID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	c, err := h.store.GetContext(contextID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contextToJSON(c))
}

// HandleListContexts handles GET /v1/contexts.
func (h *Handlers) HandleListContexts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), 100, 512)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, err.Error())
		return
	}
	list, err := h.store.ListContexts(r.Context(), catalog.Filter{
		ClientTag: q.Get("client_tag"),
		SessionID: q.Get("session_id"),
		Label:     q.Get("label"),
		Limit:     limit,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	out := make([]contextJSON, 0, len(list))
	for _, c := range list {
		out = append(out, contextToJSON(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"contexts": out})
}

// HandleGetChildren handles GET /v1/contexts/{id}/children.
func (h *Handlers) HandleGetChildren(w http.ResponseWriter, r *http.Request) {
	contextID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	recursive := r.URL.Query().Get("recursive") == "true"
	children, err := h.store.GetChildren(r.Context(), contextID, recursive)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	out := make([]contextJSON, 0, len(children))
	for _, c := range children {
		out = append(out, contextToJSON(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"contexts": out})
}

// turnJSON is one turn of a get_turns response.
type turnJSON struct {
	TurnID          uint64         `json:"turn_id"`
	ParentTurnID    uint64         `json:"parent_turn_id"`
	Depth           uint32         `json:"depth"`
	TypeID          string         `json:"type_id"`
	TypeVersion     uint32         `json:"type_version"`
	ContentHash     string         `json:"content_hash"`
	UncompressedLen uint32         `json:"uncompressed_len"`
	CreatedAtMS     int64          `json:"created_at_ms"`
	Data            map[string]any `json:"data,omitempty"`
	Unknown         map[string]any `json:"unknown,omitempty"`
	Raw             string         `json:"raw,omitempty"` // base64 msgpack bytes
	ProjectionError string         `json:"projection_error,omitempty"`
}

type turnsMetaJSON struct {
	ContextID        uint64 `json:"context_id"`
	HeadTurnID       uint64 `json:"head_turn_id"`
	HeadDepth        uint32 `json:"head_depth"`
	RegistryBundleID string `json:"registry_bundle_id,omitempty"`
}

type turnsResponse struct {
	Meta             turnsMetaJSON `json:"meta"`
	Turns            []turnJSON    `json:"turns"`
	NextBeforeTurnID uint64        `json:"next_before_turn_id,omitempty"`
}

// HandleGetTurns handles GET /v1/contexts/{id}/turns: oldest-first within
// the batch, cursor for older history.
func (h *Handlers) HandleGetTurns(w http.ResponseWriter, r *http.Request) {
	contextID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	req, err := h.parseReadRequest(r, contextID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, err.Error())
		return
	}

	result, err := h.store.GetTurns(r.Context(), req)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	resp := turnsResponse{
		Meta: turnsMetaJSON{
			ContextID:        result.ContextID,
			HeadTurnID:       result.HeadTurnID,
			HeadDepth:        result.HeadDepth,
			RegistryBundleID: result.RegistryBundleID,
		},
		Turns:            make([]turnJSON, 0, len(result.Turns)),
		NextBeforeTurnID: result.NextBeforeTurnID,
	}
	for _, v := range result.Turns {
		out := turnJSON{
			TurnID:          v.Turn.TurnID,
			ParentTurnID:    v.Turn.ParentTurnID,
			Depth:           v.Turn.Depth,
			TypeID:          v.Turn.DeclaredTypeID,
			TypeVersion:     v.Turn.DeclaredTypeVersion,
			ContentHash:     hex.EncodeToString(v.Turn.ContentHash[:]),
			UncompressedLen: v.Turn.UncompressedLen,
			CreatedAtMS:     v.Turn.CreatedAtMS,
			ProjectionError: v.ProjectionError,
		}
		if v.Typed != nil {
			out.Data = v.Typed.Data
			out.Unknown = v.Typed.Unknown
		}
		if v.Raw != nil {
			out.Raw = base64.StdEncoding.EncodeToString(v.Raw)
		}
		resp.Turns = append(resp.Turns, out)
	}
	writeJSON(w, http.StatusOK, resp)
}

// appendTurnRequest is the body of POST /v1/contexts/{id}/turns, a JSON
// convenience mirror of the binary append contract.
type appendTurnRequest struct {
	ParentTurnID   uint64 `json:"parent_turn_id,omitempty"`
	TypeID         string `json:"type_id"`
	TypeVersion    uint32 `json:"type_version"`
	Encoding       string `json:"encoding,omitempty"`
	Compression    string `json:"compression,omitempty"`
	Payload        string `json:"payload"` // base64 msgpack bytes
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// HandleAppendTurn handles POST /v1/contexts/{id}/turns.
func (h *Handlers) HandleAppendTurn(w http.ResponseWriter, r *http.Request) {
	contextID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req appendTurnRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, err.Error())
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, "payload must be base64")
		return
	}

	turn, err := h.store.Append(r.Context(), store.AppendRequest{
		ContextID:      contextID,
		ParentTurnID:   req.ParentTurnID,
		TypeID:         req.TypeID,
		TypeVersion:    req.TypeVersion,
		Encoding:       req.Encoding,
		Compression:    req.Compression,
		Payload:        payload,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"turn_id":      turn.TurnID,
		"depth":        turn.Depth,
		"content_hash": hex.EncodeToString(turn.ContentHash[:]),
	})
}

// HandleGetBlob handles GET /v1/blobs/{hash}.
func (h *Handlers) HandleGetBlob(w http.ResponseWriter, r *http.Request) {
	raw, err := hex.DecodeString(r.PathValue("hash"))
	if err != nil || len(raw) != 32 {
		writeError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, "hash must be 64 hex chars")
		return
	}
	var hash blob.Hash
	copy(hash[:], raw)
	payload, err := h.store.GetBlob(hash)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// HandlePublishBundle handles POST /v1/registry/bundles.
func (h *Handlers) HandlePublishBundle(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, err.Error())
		return
	}
	outcome, err := h.store.PublishBundle(raw)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	status := http.StatusCreated
	result := "created"
	if outcome == registry.PublishUnchanged {
		status = http.StatusOK
		result = "unchanged"
	}
	writeJSON(w, status, map[string]any{"result": result})
}

// HandleGetBundle handles GET /v1/registry/bundles/{id}.
func (h *Handlers) HandleGetBundle(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.store.Registry().GetBundle(r.PathValue("id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "bundle not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// HandleGetDescriptor handles GET /v1/registry/types/{type_id}/versions/{version}.
func (h *Handlers) HandleGetDescriptor(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseUint(r.PathValue("version"), 10, 32)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, "version must be a positive integer")
		return
	}
	desc, ok := h.store.Registry().Lookup(r.PathValue("type_id"), uint32(version))
	if !ok {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "descriptor not found")
		return
	}
	fields := make(map[string]registry.FieldSpec, len(desc.Fields))
	for tag, field := range desc.Fields {
		fields[strconv.FormatUint(tag, 10)] = field
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type_id": desc.TypeID,
		"version": desc.Version,
		"fields":  fields,
	})
}

func (h *Handlers) parseReadRequest(r *http.Request, contextID uint64) (store.ReadRequest, error) {
	q := r.URL.Query()

	limit, err := parseLimit(q.Get("limit"), 50, h.maxReadLimit)
	if err != nil {
		return store.ReadRequest{}, err
	}
	var before uint64
	if s := q.Get("before_turn_id"); s != "" {
		before, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			return store.ReadRequest{}, errors.New("before_turn_id must be an integer")
		}
	}
	view, err := store.ParseView(q.Get("view"))
	if err != nil {
		return store.ReadRequest{}, err
	}
	hintMode, err := store.ParseTypeHintMode(q.Get("type_hint_mode"))
	if err != nil {
		return store.ReadRequest{}, err
	}
	hint := store.TypeHint{Mode: hintMode}
	if hintMode == store.HintExplicit {
		hint.TypeID = q.Get("type_id")
		if hint.TypeID == "" {
			return store.ReadRequest{}, errors.New("type_id is required with type_hint_mode=explicit")
		}
		v, err := strconv.ParseUint(q.Get("type_version"), 10, 32)
		if err != nil {
			return store.ReadRequest{}, errors.New("type_version is required with type_hint_mode=explicit")
		}
		hint.Version = uint32(v)
	}

	opts := projection.Options{IncludeUnknown: q.Get("include_unknown") == "true"}
	if opts.BytesRender, err = projection.ParseBytesRender(q.Get("bytes_render")); err != nil {
		return store.ReadRequest{}, err
	}
	if opts.U64Format, err = projection.ParseU64Format(q.Get("u64_format")); err != nil {
		return store.ReadRequest{}, err
	}
	if opts.EnumRender, err = projection.ParseEnumRender(q.Get("enum_render")); err != nil {
		return store.ReadRequest{}, err
	}
	if opts.TimeRender, err = projection.ParseTimeRender(q.Get("time_render")); err != nil {
		return store.ReadRequest{}, err
	}

	return store.ReadRequest{
		ContextID:    contextID,
		Limit:        limit,
		BeforeTurnID: before,
		View:         view,
		Hint:         hint,
		Options:      opts,
	}, nil
}

func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, name+" must be an integer")
		return 0, false
	}
	return id, true
}

// parseLimit parses a limit query parameter with a default and a cap.
// Zero is accepted: turn reads then return an empty batch, while context
// listing treats it as no limit.
func parseLimit(s string, def, maxLimit int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	if n > maxLimit {
		return 0, errors.New("limit exceeds maximum of " + strconv.Itoa(maxLimit))
	}
	return n, nil
}

// writeStoreError maps store errors to HTTP status codes.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, turns.ErrContextNotFound):
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, turns.ErrParentNotFound):
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, turns.ErrParentMismatch):
		writeError(w, r, http.StatusUnprocessableEntity, ErrCodeInvalidInput, err.Error())
	case errors.Is(err, turns.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, store.ErrConflict), errors.Is(err, registry.ErrDescriptorConflict):
		writeError(w, r, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, store.ErrInvalidRequest), errors.Is(err, registry.ErrInvalidBundle),
		errors.Is(err, projection.ErrInvalidPayload), errors.Is(err, projection.ErrFieldTypeMismatch):
		writeError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, err.Error())
	case errors.Is(err, projection.ErrDescriptorMissing):
		writeError(w, r, http.StatusConflict, ErrCodeDescriptorMissing, err.Error())
	case errors.Is(err, blob.ErrCorrupt), errors.Is(err, turns.ErrCorrupt):
		h.logger.Error("corrupt data on read", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, ErrCodeCorrupt, "stored data failed verification")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusRequestTimeout, ErrCodeInternalError, "request cancelled")
	default:
		h.logger.Error("internal error", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
	}
}
