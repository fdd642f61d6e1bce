package turns_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/cxdb/internal/blob"
	"github.com/ashita-ai/cxdb/internal/turns"
)

func openStore(t *testing.T, dir string) *turns.Store {
	t.Helper()
	s, err := turns.Open(dir, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func appendTurn(t *testing.T, s *turns.Store, ctxID, parent uint64, payload string) turns.Turn {
	t.Helper()
	turn, err := s.Append(ctxID, parent, blob.Sum([]byte(payload)),
		"com.example.Message", 1, turns.EncodingMsgpack, blob.CompressionNone, uint32(len(payload)))
	require.NoError(t, err)
	return turn
}

func TestRootAppend(t *testing.T) {
	s := openStore(t, t.TempDir())

	c, err := s.CreateContext(0, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, c.HeadTurnID)

	turn := appendTurn(t, s, c.ContextID, 0, "hello")
	assert.EqualValues(t, 0, turn.Depth)
	assert.EqualValues(t, 0, turn.ParentTurnID)
	assert.NotZero(t, turn.TurnID)

	headID, headDepth, err := s.GetHead(c.ContextID)
	require.NoError(t, err)
	assert.Equal(t, turn.TurnID, headID)
	assert.Equal(t, turn.Depth, headDepth)
}

func TestDepthChain(t *testing.T) {
	s := openStore(t, t.TempDir())
	c, err := s.CreateContext(0, nil)
	require.NoError(t, err)

	var prev turns.Turn
	for i := 0; i < 5; i++ {
		turn := appendTurn(t, s, c.ContextID, 0, "payload")
		if i > 0 {
			assert.Equal(t, prev.TurnID, turn.ParentTurnID)
			assert.Equal(t, prev.Depth+1, turn.Depth)
		}
		prev = turn
	}

	got, next, err := s.GetLast(context.Background(), c.ContextID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, got, 5)
	assert.Zero(t, next, "root reached, no cursor")
	// Newest first.
	assert.Equal(t, prev.TurnID, got[0].TurnID)
}

func TestGetLastPagination(t *testing.T) {
	s := openStore(t, t.TempDir())
	c, err := s.CreateContext(0, nil)
	require.NoError(t, err)

	ids := make([]uint64, 0, 6)
	for i := 0; i < 6; i++ {
		ids = append(ids, appendTurn(t, s, c.ContextID, 0, "p").TurnID)
	}

	batch1, next, err := s.GetLast(context.Background(), c.ContextID, 2, 0)
	require.NoError(t, err)
	require.Len(t, batch1, 2)
	assert.Equal(t, ids[5], batch1[0].TurnID)
	assert.Equal(t, ids[4], batch1[1].TurnID)
	assert.Equal(t, ids[4], next)

	batch2, next, err := s.GetLast(context.Background(), c.ContextID, 2, next)
	require.NoError(t, err)
	require.Len(t, batch2, 2)
	assert.Equal(t, ids[3], batch2[0].TurnID)
	assert.Equal(t, ids[2], next)

	batch3, next, err := s.GetLast(context.Background(), c.ContextID, 10, next)
	require.NoError(t, err)
	require.Len(t, batch3, 2)
	assert.Zero(t, next)
}

func TestGetLastZeroLimit(t *testing.T) {
	s := openStore(t, t.TempDir())
	c, err := s.CreateContext(0, nil)
	require.NoError(t, err)
	appendTurn(t, s, c.ContextID, 0, "p")

	got, next, err := s.GetLast(context.Background(), c.ContextID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, next)
}

func TestForkKeepsBaseChainAndProvenance(t *testing.T) {
	s := openStore(t, t.TempDir())
	a, err := s.CreateContext(0, nil)
	require.NoError(t, err)
	x := appendTurn(t, s, a.ContextID, 0, "x")

	b, err := s.Fork(x.TurnID, nil)
	require.NoError(t, err)
	assert.Equal(t, x.TurnID, b.HeadTurnID)
	require.NotNil(t, b.Meta)
	assert.Equal(t, a.ContextID, b.Meta.ParentContextID)
	assert.Equal(t, a.ContextID, b.Meta.RootContextID)
	assert.Equal(t, "fork", b.Meta.SpawnReason)

	y := appendTurn(t, s, b.ContextID, 0, "y")
	assert.Equal(t, x.TurnID, y.ParentTurnID)

	// B sees [y, x]; A is untouched.
	bTurns, _, err := s.GetLast(context.Background(), b.ContextID, 10, 0)
	require.NoError(t, err)
	require.Len(t, bTurns, 2)
	assert.Equal(t, y.TurnID, bTurns[0].TurnID)
	assert.Equal(t, x.TurnID, bTurns[1].TurnID)

	aTurns, _, err := s.GetLast(context.Background(), a.ContextID, 10, 0)
	require.NoError(t, err)
	require.Len(t, aTurns, 1)
	headID, _, err := s.GetHead(a.ContextID)
	require.NoError(t, err)
	assert.Equal(t, x.TurnID, headID)

	// Grandchild fork propagates the root.
	cctx, err := s.Fork(y.TurnID, nil)
	require.NoError(t, err)
	assert.Equal(t, b.ContextID, cctx.Meta.ParentContextID)
	assert.Equal(t, a.ContextID, cctx.Meta.RootContextID)
}

func TestBranchLeavesHeadUntouched(t *testing.T) {
	s := openStore(t, t.TempDir())
	a, err := s.CreateContext(0, nil)
	require.NoError(t, err)
	h1 := appendTurn(t, s, a.ContextID, 0, "h1")
	h2 := appendTurn(t, s, a.ContextID, 0, "h2")

	// Explicit non-head parent: a branch turn.
	h3b := appendTurn(t, s, a.ContextID, h1.TurnID, "h3'")
	assert.Equal(t, h1.TurnID, h3b.ParentTurnID)
	assert.Equal(t, h2.Depth, h3b.Depth)

	headID, _, err := s.GetHead(a.ContextID)
	require.NoError(t, err)
	assert.Equal(t, h2.TurnID, headID)

	got, _, err := s.GetLast(context.Background(), a.ContextID, 10, 0)
	require.NoError(t, err)
	for _, turn := range got {
		assert.NotEqual(t, h3b.TurnID, turn.TurnID, "branch turn must not be reachable from the head")
	}

	// A fork from the branch turn exposes it.
	b, err := s.Fork(h3b.TurnID, nil)
	require.NoError(t, err)
	assert.Equal(t, h3b.TurnID, b.HeadTurnID)
	bTurns, _, err := s.GetLast(context.Background(), b.ContextID, 10, 0)
	require.NoError(t, err)
	require.Len(t, bTurns, 2)
	assert.Equal(t, h3b.TurnID, bTurns[0].TurnID)
	assert.Equal(t, h1.TurnID, bTurns[1].TurnID)
}

func TestParentMismatchRejected(t *testing.T) {
	s := openStore(t, t.TempDir())
	a, err := s.CreateContext(0, nil)
	require.NoError(t, err)
	b, err := s.CreateContext(0, nil)
	require.NoError(t, err)

	foreign := appendTurn(t, s, a.ContextID, 0, "in A")
	appendTurn(t, s, b.ContextID, 0, "in B")

	_, err = s.Append(b.ContextID, foreign.TurnID, blob.Sum([]byte("x")),
		"t", 1, turns.EncodingMsgpack, blob.CompressionNone, 1)
	assert.ErrorIs(t, err, turns.ErrParentMismatch)
}

func TestAppendErrors(t *testing.T) {
	s := openStore(t, t.TempDir())
	c, err := s.CreateContext(0, nil)
	require.NoError(t, err)

	_, err = s.Append(999, 0, blob.Sum([]byte("x")), "t", 1, turns.EncodingMsgpack, blob.CompressionNone, 1)
	assert.ErrorIs(t, err, turns.ErrContextNotFound)

	_, err = s.Append(c.ContextID, 12345, blob.Sum([]byte("x")), "t", 1, turns.EncodingMsgpack, blob.CompressionNone, 1)
	assert.ErrorIs(t, err, turns.ErrParentNotFound)
}

func TestContextMetaRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	meta := &turns.ContextMeta{
		ClientTag: "cli-1",
		SessionID: "sess-42",
		Title:     "planning session",
		Labels:    []string{"prod", "agent"},
	}
	c, err := s.CreateContext(0, meta)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := openStore(t, dir)
	got, err := s2.GetContext(c.ContextID)
	require.NoError(t, err)
	require.NotNil(t, got.Meta)
	assert.Equal(t, meta.ClientTag, got.Meta.ClientTag)
	assert.Equal(t, meta.Labels, got.Meta.Labels)
	assert.Equal(t, meta.Title, got.Meta.Title)
}

func TestRestartPreservesStateAndIDMonotonicity(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	c, err := s.CreateContext(0, nil)
	require.NoError(t, err)
	appendTurn(t, s, c.ContextID, 0, "one")
	last := appendTurn(t, s, c.ContextID, 0, "two")
	require.NoError(t, s.Close())

	s2 := openStore(t, dir)
	headID, headDepth, err := s2.GetHead(c.ContextID)
	require.NoError(t, err)
	assert.Equal(t, last.TurnID, headID)
	assert.Equal(t, last.Depth, headDepth)

	// IDs never repeat across restarts; gaps from the batch reservation
	// are fine.
	fresh := appendTurn(t, s2, c.ContextID, 0, "three")
	assert.Greater(t, fresh.TurnID, last.TurnID)

	c2, err := s2.CreateContext(0, nil)
	require.NoError(t, err)
	assert.Greater(t, c2.ContextID, c.ContextID)
}

func TestTornLogTailTruncated(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	c, err := s.CreateContext(0, nil)
	require.NoError(t, err)
	keep := appendTurn(t, s, c.ContextID, 0, "keep")
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(dir, "turns.log"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2 := openStore(t, dir)
	got, err := s2.Get(keep.TurnID)
	require.NoError(t, err)
	assert.Equal(t, keep.TurnID, got.TurnID)
	assert.Equal(t, 1, s2.Stats().Turns)
}

func TestOrphanHeadSkippedOnLoad(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	c, err := s.CreateContext(0, nil)
	require.NoError(t, err)
	h1 := appendTurn(t, s, c.ContextID, 0, "h1")
	h2 := appendTurn(t, s, c.ContextID, 0, "h2")
	require.NoError(t, s.Close())

	// Simulate a crash between turn-log fsync and head-table fsync by
	// removing the last turn from the log while its head record remains.
	logPath := filepath.Join(dir, "turns.log")
	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	// Both records have the same length; drop the second.
	recLen := (len(raw) - 6) / 2
	require.NoError(t, os.WriteFile(logPath, raw[:6+recLen], 0o644))

	s2 := openStore(t, dir)
	headID, headDepth, err := s2.GetHead(c.ContextID)
	require.NoError(t, err)
	assert.Equal(t, h1.TurnID, headID, "head must fall back to the last durable turn")
	assert.Equal(t, h1.Depth, headDepth)
	_ = h2

	got, _, err := s2.GetLast(context.Background(), c.ContextID, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, h1.TurnID, got[0].TurnID)
}

func TestGetLastHonorsCancellation(t *testing.T) {
	s := openStore(t, t.TempDir())
	c, err := s.CreateContext(0, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		appendTurn(t, s, c.ContextID, 0, "p")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = s.GetLast(ctx, c.ContextID, 10, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListContextsRecentFirst(t *testing.T) {
	s := openStore(t, t.TempDir())
	c1, err := s.CreateContext(0, nil)
	require.NoError(t, err)
	c2, err := s.CreateContext(0, nil)
	require.NoError(t, err)

	list := s.ListContexts(10)
	require.Len(t, list, 2)
	assert.Equal(t, c2.ContextID, list[0].ContextID)
	assert.Equal(t, c1.ContextID, list[1].ContextID)

	list = s.ListContexts(1)
	require.Len(t, list, 1)
}
