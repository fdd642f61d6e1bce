package cxdb

import "time"

// Turn is the public representation of a committed turn. It is a value
// snapshot — the stored record never changes after commit.
type Turn struct {
	TurnID          uint64
	ParentTurnID    uint64
	Depth           uint32
	ContentHash     string // hex BLAKE3 of the uncompressed payload
	TypeID          string
	TypeVersion     uint32
	UncompressedLen uint32
	CreatedAt       time.Time
}

// Context is the public representation of a branch pointer.
type Context struct {
	ContextID  uint64
	HeadTurnID uint64
	HeadDepth  uint32
	CreatedAt  time.Time
	Meta       *ContextMeta
}

// ContextMeta is the descriptive block attached to a context at creation.
// Provenance fields are filled automatically on fork.
type ContextMeta struct {
	ClientTag       string
	SessionID       string
	Title           string
	Labels          []string
	ParentContextID uint64
	RootContextID   uint64
	SpawnReason     string
}

// AppendRequest is the public append contract: payload bytes are msgpack,
// optionally zstd-compressed in flight. An idempotency key makes the
// append safely retryable on the same context.
type AppendRequest struct {
	ContextID      uint64
	ParentTurnID   uint64
	TypeID         string
	TypeVersion    uint32
	Encoding       string // "" or "msgpack"
	Compression    string // "", "none" or "zstd"
	Payload        []byte
	IdempotencyKey string
}
