package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ashita-ai/cxdb/internal/blob"
	"github.com/ashita-ai/cxdb/internal/projection"
	"github.com/ashita-ai/cxdb/internal/store"
	"github.com/ashita-ai/cxdb/internal/turns"
)

// Server serves the binary append protocol over TCP.
type Server struct {
	store   *store.Store
	logger  *slog.Logger
	version string

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// NewServer creates a protocol server over the store.
func NewServer(st *store.Store, logger *slog.Logger, version string) *Server {
	return &Server{
		store:   st,
		logger:  logger,
		version: version,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on l until ctx is cancelled or l is closed.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = l.Close()
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wire: accept: %w", err)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("wire connection opened", "remote", remote)

	for {
		msgType, body, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.logger.Warn("wire read failed", "remote", remote, "error", err)
			}
			return
		}
		if err := s.dispatch(ctx, conn, msgType, body); err != nil {
			s.logger.Warn("wire write failed", "remote", remote, "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, conn net.Conn, msgType MsgType, body []byte) error {
	switch msgType {
	case MsgHello:
		var req HelloReq
		if err := unmarshalBody(body, &req); err != nil {
			return writeError(conn, "invalid", err)
		}
		return WriteFrame(conn, MsgHelloResp, HelloResp{Server: "cxdb", Version: s.version})

	case MsgCtxCreate, MsgCtxFork:
		var req CtxCreateReq
		if err := unmarshalBody(body, &req); err != nil {
			return writeError(conn, "invalid", err)
		}
		var (
			c   turns.Context
			err error
		)
		if msgType == MsgCtxFork {
			c, err = s.store.Fork(ctx, req.BaseTurnID, metaFromWire(req.Meta))
		} else {
			c, err = s.store.CreateContext(ctx, req.BaseTurnID, metaFromWire(req.Meta))
		}
		if err != nil {
			return writeStoreError(conn, err)
		}
		return WriteFrame(conn, MsgCtxCreateResp, CtxCreateResp{
			ContextID:  c.ContextID,
			HeadTurnID: c.HeadTurnID,
			HeadDepth:  c.HeadDepth,
		})

	case MsgAppendTurn:
		var req AppendTurnReq
		if err := unmarshalBody(body, &req); err != nil {
			return writeError(conn, "invalid", err)
		}
		turn, err := s.store.Append(ctx, store.AppendRequest{
			ContextID:      req.ContextID,
			ParentTurnID:   req.ParentTurnID,
			TypeID:         req.TypeID,
			TypeVersion:    req.TypeVersion,
			Encoding:       req.Encoding,
			Compression:    req.Compression,
			Payload:        req.Payload,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			return writeStoreError(conn, err)
		}
		hash := turn.ContentHash
		return WriteFrame(conn, MsgAppendAck, AppendAck{
			TurnID:      turn.TurnID,
			Depth:       turn.Depth,
			ContentHash: hash[:],
		})

	case MsgGetHead:
		var req GetHeadReq
		if err := unmarshalBody(body, &req); err != nil {
			return writeError(conn, "invalid", err)
		}
		headID, headDepth, err := s.store.GetHead(req.ContextID)
		if err != nil {
			return writeStoreError(conn, err)
		}
		return WriteFrame(conn, MsgHeadResp, HeadResp{
			ContextID:  req.ContextID,
			HeadTurnID: headID,
			HeadDepth:  headDepth,
		})

	case MsgGetLast:
		var req GetLastReq
		if err := unmarshalBody(body, &req); err != nil {
			return writeError(conn, "invalid", err)
		}
		result, err := s.store.GetTurns(ctx, store.ReadRequest{
			ContextID:    req.ContextID,
			Limit:        int(req.Limit),
			BeforeTurnID: req.BeforeTurnID,
			View:         store.ViewRaw,
		})
		if err != nil {
			return writeStoreError(conn, err)
		}
		resp := TurnsResp{NextBeforeTurnID: result.NextBeforeTurnID}
		for _, v := range result.Turns {
			hash := v.Turn.ContentHash
			resp.Turns = append(resp.Turns, TurnInfo{
				TurnID:          v.Turn.TurnID,
				ParentTurnID:    v.Turn.ParentTurnID,
				Depth:           v.Turn.Depth,
				TypeID:          v.Turn.DeclaredTypeID,
				TypeVersion:     v.Turn.DeclaredTypeVersion,
				ContentHash:     hash[:],
				UncompressedLen: v.Turn.UncompressedLen,
				CreatedAtMS:     v.Turn.CreatedAtMS,
				Payload:         v.Raw,
			})
		}
		return WriteFrame(conn, MsgTurnsResp, resp)

	case MsgPutBlob:
		var req PutBlobReq
		if err := unmarshalBody(body, &req); err != nil {
			return writeError(conn, "invalid", err)
		}
		hash := blob.Sum(req.Payload)
		if _, err := s.store.PutBlob(req.Payload); err != nil {
			return writeStoreError(conn, err)
		}
		return WriteFrame(conn, MsgPutBlobResp, PutBlobResp{Hash: hash[:]})

	case MsgGetBlob:
		var req GetBlobReq
		if err := unmarshalBody(body, &req); err != nil {
			return writeError(conn, "invalid", err)
		}
		if len(req.Hash) != 32 {
			return writeError(conn, "invalid", fmt.Errorf("hash must be 32 bytes"))
		}
		var hash blob.Hash
		copy(hash[:], req.Hash)
		payload, err := s.store.GetBlob(hash)
		if err != nil {
			return writeStoreError(conn, err)
		}
		return WriteFrame(conn, MsgBlobResp, BlobResp{Payload: payload})

	default:
		return writeError(conn, "invalid", fmt.Errorf("unknown message type %d", msgType))
	}
}

func metaFromWire(m *ContextMetaWire) *turns.ContextMeta {
	if m == nil {
		return nil
	}
	return &turns.ContextMeta{
		ClientTag:   m.ClientTag,
		SessionID:   m.SessionID,
		Title:       m.Title,
		Labels:      m.Labels,
		SpawnReason: m.SpawnReason,
	}
}

func unmarshalBody(body []byte, target any) error {
	if err := msgpack.Unmarshal(body, target); err != nil {
		return fmt.Errorf("wire: decode request: %w", err)
	}
	return nil
}

func writeError(conn net.Conn, code string, err error) error {
	return WriteFrame(conn, MsgError, ErrorResp{Code: code, Message: err.Error()})
}

// writeStoreError maps store errors onto stable wire codes.
func writeStoreError(conn net.Conn, err error) error {
	code := "internal"
	switch {
	case errors.Is(err, turns.ErrContextNotFound):
		code = "context_not_found"
	case errors.Is(err, turns.ErrParentNotFound):
		code = "parent_not_found"
	case errors.Is(err, turns.ErrParentMismatch):
		code = "parent_mismatch"
	case errors.Is(err, turns.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		code = "not_found"
	case errors.Is(err, store.ErrConflict):
		code = "conflict"
	case errors.Is(err, store.ErrInvalidRequest):
		code = "invalid"
	case errors.Is(err, projection.ErrDescriptorMissing):
		code = "descriptor_missing"
	case errors.Is(err, blob.ErrCorrupt), errors.Is(err, turns.ErrCorrupt):
		code = "corrupt"
	}
	return writeError(conn, code, err)
}
