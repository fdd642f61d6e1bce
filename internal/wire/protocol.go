// Package wire implements the binary append protocol: length-prefixed
// frames carrying msgpack-encoded message bodies over a plain TCP stream.
//
// Frame layout: length(u32 LE, covers type+body) ‖ msg_type(u8) ‖ body.
// Every request frame receives exactly one response frame; errors come
// back as MsgError with a stable code.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgType identifies a frame's body.
type MsgType uint8

const (
	MsgHello         MsgType = 1
	MsgHelloResp     MsgType = 2
	MsgCtxCreate     MsgType = 3
	MsgCtxCreateResp MsgType = 4
	MsgCtxFork       MsgType = 5
	MsgAppendTurn    MsgType = 6
	MsgAppendAck     MsgType = 7
	MsgGetHead       MsgType = 8
	MsgHeadResp      MsgType = 9
	MsgGetLast       MsgType = 10
	MsgTurnsResp     MsgType = 11
	MsgPutBlob       MsgType = 12
	MsgPutBlobResp   MsgType = 13
	MsgGetBlob       MsgType = 14
	MsgBlobResp      MsgType = 15
	MsgError         MsgType = 255
)

// maxFrameBytes bounds a single frame; payloads larger than this are the
// caller's bug, not a reason to allocate unbounded memory.
const maxFrameBytes = 32 << 20

// ErrFrameTooLarge is returned when a peer announces an oversized frame.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// HelloReq opens a session.
type HelloReq struct {
	Client  string `msgpack:"client"`
	Version string `msgpack:"version"`
}

// HelloResp identifies the server.
type HelloResp struct {
	Server  string `msgpack:"server"`
	Version string `msgpack:"version"`
}

// ContextMetaWire is the wire form of a context metadata block.
type ContextMetaWire struct {
	ClientTag   string   `msgpack:"client_tag,omitempty"`
	SessionID   string   `msgpack:"session_id,omitempty"`
	Title       string   `msgpack:"title,omitempty"`
	Labels      []string `msgpack:"labels,omitempty"`
	SpawnReason string   `msgpack:"spawn_reason,omitempty"`
}

// CtxCreateReq creates (MsgCtxCreate) or forks (MsgCtxFork) a context.
type CtxCreateReq struct {
	BaseTurnID uint64           `msgpack:"base_turn_id"`
	Meta       *ContextMetaWire `msgpack:"meta,omitempty"`
}

// CtxCreateResp returns the new context's head.
type CtxCreateResp struct {
	ContextID  uint64 `msgpack:"context_id"`
	HeadTurnID uint64 `msgpack:"head_turn_id"`
	HeadDepth  uint32 `msgpack:"head_depth"`
}

// AppendTurnReq is the append contract request.
type AppendTurnReq struct {
	ContextID      uint64 `msgpack:"context_id"`
	ParentTurnID   uint64 `msgpack:"parent_turn_id"`
	TypeID         string `msgpack:"type_id"`
	TypeVersion    uint32 `msgpack:"type_version"`
	Encoding       string `msgpack:"encoding"`
	Compression    string `msgpack:"compression"`
	Payload        []byte `msgpack:"payload"`
	IdempotencyKey string `msgpack:"idempotency_key,omitempty"`
}

// AppendAck is the append contract response.
type AppendAck struct {
	TurnID      uint64 `msgpack:"turn_id"`
	Depth       uint32 `msgpack:"depth"`
	ContentHash []byte `msgpack:"content_hash"`
}

// GetHeadReq asks for a context's head pointer.
type GetHeadReq struct {
	ContextID uint64 `msgpack:"context_id"`
}

// HeadResp carries a context's head pointer.
type HeadResp struct {
	ContextID  uint64 `msgpack:"context_id"`
	HeadTurnID uint64 `msgpack:"head_turn_id"`
	HeadDepth  uint32 `msgpack:"head_depth"`
}

// GetLastReq asks for the newest turns of a context.
type GetLastReq struct {
	ContextID    uint64 `msgpack:"context_id"`
	Limit        uint32 `msgpack:"limit"`
	BeforeTurnID uint64 `msgpack:"before_turn_id,omitempty"`
}

// TurnInfo is one turn on the wire, payload included.
type TurnInfo struct {
	TurnID          uint64 `msgpack:"turn_id"`
	ParentTurnID    uint64 `msgpack:"parent_turn_id"`
	Depth           uint32 `msgpack:"depth"`
	TypeID          string `msgpack:"type_id"`
	TypeVersion     uint32 `msgpack:"type_version"`
	ContentHash     []byte `msgpack:"content_hash"`
	UncompressedLen uint32 `msgpack:"uncompressed_len"`
	CreatedAtMS     int64  `msgpack:"created_at_ms"`
	Payload         []byte `msgpack:"payload,omitempty"`
}

// TurnsResp is an oldest-first batch of turns.
type TurnsResp struct {
	Turns            []TurnInfo `msgpack:"turns"`
	NextBeforeTurnID uint64     `msgpack:"next_before_turn_id,omitempty"`
}

// PutBlobReq stores raw payload bytes without appending a turn.
type PutBlobReq struct {
	Payload []byte `msgpack:"payload"`
}

// PutBlobResp returns the content hash.
type PutBlobResp struct {
	Hash []byte `msgpack:"hash"`
}

// GetBlobReq fetches raw payload bytes by hash.
type GetBlobReq struct {
	Hash []byte `msgpack:"hash"`
}

// BlobResp carries raw payload bytes.
type BlobResp struct {
	Payload []byte `msgpack:"payload"`
}

// ErrorResp reports a failed request.
type ErrorResp struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

// WriteFrame encodes body and writes one frame to w.
func WriteFrame(w io.Writer, msgType MsgType, body any) error {
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return fmt.Errorf("wire: marshal %d: %w", msgType, err)
	}
	if len(raw)+1 > maxFrameBytes {
		return ErrFrameTooLarge
	}
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(raw)+1)) //nolint:gosec // checked above
	hdr[4] = byte(msgType)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r and returns its type and body bytes.
func ReadFrame(r io.Reader) (MsgType, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(hdr[:4])
	if length == 0 {
		return 0, nil, fmt.Errorf("wire: empty frame")
	}
	if length > maxFrameBytes {
		return 0, nil, ErrFrameTooLarge
	}
	body := make([]byte, length-1)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return MsgType(hdr[4]), body, nil
}
