package wire_test

import (
	"context"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ashita-ai/cxdb/internal/blob"
	"github.com/ashita-ai/cxdb/internal/store"
	"github.com/ashita-ai/cxdb/internal/wire"
)

// startServer boots a protocol server on an ephemeral port and returns a
// connected client.
func startServer(t *testing.T) *wire.Client {
	t.Helper()

	st, err := store.Open(context.Background(), t.TempDir(), store.Config{}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := wire.NewServer(st, slog.Default(), "test")
	go func() { _ = srv.Serve(ctx, l) }()

	client, err := wire.Dial(l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func encodePayload(t *testing.T, m map[uint8]any) []byte {
	t.Helper()
	raw, err := msgpack.Marshal(m)
	require.NoError(t, err)
	return raw
}

func TestHello(t *testing.T) {
	client := startServer(t)

	resp, err := client.Hello("wire-test", "0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "cxdb", resp.Server)
}

func TestAppendAndGetLast(t *testing.T) {
	client := startServer(t)

	cctx, err := client.CreateContext(0, nil)
	require.NoError(t, err)
	require.NotZero(t, cctx.ContextID)
	assert.Zero(t, cctx.HeadTurnID)

	payload := encodePayload(t, map[uint8]any{1: "user", 2: "Hi"})
	ack, err := client.Append(wire.AppendTurnReq{
		ContextID:   cctx.ContextID,
		TypeID:      "com.example.Message",
		TypeVersion: 1,
		Encoding:    "msgpack",
		Compression: "none",
		Payload:     payload,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 0, ack.Depth)
	expected := blob.Sum(payload)
	assert.Equal(t, expected[:], ack.ContentHash)

	head, err := client.GetHead(cctx.ContextID)
	require.NoError(t, err)
	assert.Equal(t, ack.TurnID, head.HeadTurnID)

	turnsResp, err := client.GetLast(cctx.ContextID, 10, 0)
	require.NoError(t, err)
	require.Len(t, turnsResp.Turns, 1)
	assert.Equal(t, payload, turnsResp.Turns[0].Payload)
	assert.Equal(t, "com.example.Message", turnsResp.Turns[0].TypeID)
	assert.Zero(t, turnsResp.NextBeforeTurnID)
}

func TestForkOverWire(t *testing.T) {
	client := startServer(t)

	a, err := client.CreateContext(0, nil)
	require.NoError(t, err)
	ack, err := client.Append(wire.AppendTurnReq{
		ContextID: a.ContextID, TypeID: "t", TypeVersion: 1,
		Payload: encodePayload(t, map[uint8]any{1: "x"}),
	})
	require.NoError(t, err)

	b, err := client.Fork(ack.TurnID, &wire.ContextMetaWire{ClientTag: "forked"})
	require.NoError(t, err)
	assert.Equal(t, ack.TurnID, b.HeadTurnID)
	assert.NotEqual(t, a.ContextID, b.ContextID)
}

func TestIdempotentReplayOverWire(t *testing.T) {
	client := startServer(t)

	cctx, err := client.CreateContext(0, nil)
	require.NoError(t, err)

	req := wire.AppendTurnReq{
		ContextID: cctx.ContextID, TypeID: "t", TypeVersion: 1,
		Payload:        encodePayload(t, map[uint8]any{1: "once"}),
		IdempotencyKey: "key-1",
	}
	first, err := client.Append(req)
	require.NoError(t, err)
	replay, err := client.Append(req)
	require.NoError(t, err)
	assert.Equal(t, first.TurnID, replay.TurnID)

	req.Payload = encodePayload(t, map[uint8]any{1: "different"})
	_, err = client.Append(req)
	assert.True(t, wire.IsRemoteCode(err, "conflict"), "got %v", err)
}

func TestErrorCodes(t *testing.T) {
	client := startServer(t)

	_, err := client.GetHead(999)
	assert.True(t, wire.IsRemoteCode(err, "context_not_found"), "got %v", err)

	cctx, err := client.CreateContext(0, nil)
	require.NoError(t, err)
	_, err = client.Append(wire.AppendTurnReq{
		ContextID: cctx.ContextID, ParentTurnID: 424242, TypeID: "t", TypeVersion: 1,
		Payload: encodePayload(t, map[uint8]any{1: "x"}),
	})
	assert.True(t, wire.IsRemoteCode(err, "parent_not_found"), "got %v", err)

	_, err = client.GetBlob(make([]byte, 32))
	assert.True(t, wire.IsRemoteCode(err, "not_found"), "got %v", err)

	_, err = client.GetBlob([]byte{1, 2, 3})
	assert.True(t, wire.IsRemoteCode(err, "invalid"), "got %v", err)
}

func TestBlobRoundTripOverWire(t *testing.T) {
	client := startServer(t)

	payload := []byte("blob over the wire")
	hash, err := client.PutBlob(payload)
	require.NoError(t, err)
	expected := blob.Sum(payload)
	assert.Equal(t, expected[:], hash)

	got, err := client.GetBlob(hash)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
