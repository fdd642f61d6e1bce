package wire

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// RemoteError is a protocol-level error returned by the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("wire: remote error %s: %s", e.Code, e.Message)
}

// Client is a minimal synchronous protocol client: one in-flight request
// per connection, used by tests and example tooling.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to a protocol server.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends one request frame and decodes the expected response type.
func (c *Client) roundTrip(reqType MsgType, req any, wantType MsgType, resp any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := WriteFrame(c.conn, reqType, req); err != nil {
		return err
	}
	gotType, body, err := ReadFrame(c.conn)
	if err != nil {
		return fmt.Errorf("wire: read response: %w", err)
	}
	if gotType == MsgError {
		var remote ErrorResp
		if err := msgpack.Unmarshal(body, &remote); err != nil {
			return fmt.Errorf("wire: decode error response: %w", err)
		}
		return &RemoteError{Code: remote.Code, Message: remote.Message}
	}
	if gotType != wantType {
		return fmt.Errorf("wire: unexpected response type %d, want %d", gotType, wantType)
	}
	if err := msgpack.Unmarshal(body, resp); err != nil {
		return fmt.Errorf("wire: decode response: %w", err)
	}
	return nil
}

// Hello performs the opening handshake.
func (c *Client) Hello(client, version string) (HelloResp, error) {
	var resp HelloResp
	err := c.roundTrip(MsgHello, HelloReq{Client: client, Version: version}, MsgHelloResp, &resp)
	return resp, err
}

// CreateContext creates a new context.
func (c *Client) CreateContext(baseTurnID uint64, meta *ContextMetaWire) (CtxCreateResp, error) {
	var resp CtxCreateResp
	err := c.roundTrip(MsgCtxCreate, CtxCreateReq{BaseTurnID: baseTurnID, Meta: meta}, MsgCtxCreateResp, &resp)
	return resp, err
}

// Fork creates a new context headed at an existing turn.
func (c *Client) Fork(baseTurnID uint64, meta *ContextMetaWire) (CtxCreateResp, error) {
	var resp CtxCreateResp
	err := c.roundTrip(MsgCtxFork, CtxCreateReq{BaseTurnID: baseTurnID, Meta: meta}, MsgCtxCreateResp, &resp)
	return resp, err
}

// Append commits one turn.
func (c *Client) Append(req AppendTurnReq) (AppendAck, error) {
	var resp AppendAck
	err := c.roundTrip(MsgAppendTurn, req, MsgAppendAck, &resp)
	return resp, err
}

// GetHead fetches a context's head pointer.
func (c *Client) GetHead(contextID uint64) (HeadResp, error) {
	var resp HeadResp
	err := c.roundTrip(MsgGetHead, GetHeadReq{ContextID: contextID}, MsgHeadResp, &resp)
	return resp, err
}

// GetLast fetches the newest turns of a context, oldest-first, with payloads.
func (c *Client) GetLast(contextID uint64, limit uint32, beforeTurnID uint64) (TurnsResp, error) {
	var resp TurnsResp
	err := c.roundTrip(MsgGetLast, GetLastReq{
		ContextID:    contextID,
		Limit:        limit,
		BeforeTurnID: beforeTurnID,
	}, MsgTurnsResp, &resp)
	return resp, err
}

// PutBlob stores payload bytes and returns their content hash.
func (c *Client) PutBlob(payload []byte) ([]byte, error) {
	var resp PutBlobResp
	if err := c.roundTrip(MsgPutBlob, PutBlobReq{Payload: payload}, MsgPutBlobResp, &resp); err != nil {
		return nil, err
	}
	return resp.Hash, nil
}

// GetBlob fetches payload bytes by content hash.
func (c *Client) GetBlob(hash []byte) ([]byte, error) {
	var resp BlobResp
	if err := c.roundTrip(MsgGetBlob, GetBlobReq{Hash: hash}, MsgBlobResp, &resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// IsRemoteCode reports whether err is a RemoteError with the given code.
func IsRemoteCode(err error, code string) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Code == code
}
