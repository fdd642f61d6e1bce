package cxdb_test

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ashita-ai/cxdb"
)

func newApp(t *testing.T) *cxdb.App {
	t.Helper()
	app, err := cxdb.New(
		cxdb.WithDataDir(t.TempDir()),
		cxdb.WithVersion("embed-test"),
	)
	require.NoError(t, err)
	return app
}

func TestEmbeddedAppendAndFork(t *testing.T) {
	app := newApp(t)

	c, err := app.CreateContext(context.Background(), 0, &cxdb.ContextMeta{ClientTag: "embed"})
	require.NoError(t, err)
	require.NotZero(t, c.ContextID)

	payload, err := msgpack.Marshal(map[uint8]any{1: "user", 2: "Hi"})
	require.NoError(t, err)
	turn, err := app.Append(context.Background(), cxdb.AppendRequest{
		ContextID:   c.ContextID,
		TypeID:      "com.example.Message",
		TypeVersion: 1,
		Payload:     payload,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 0, turn.Depth)

	raw, err := hex.DecodeString(turn.ContentHash)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	forked, err := app.Fork(context.Background(), turn.TurnID, nil)
	require.NoError(t, err)
	assert.Equal(t, turn.TurnID, forked.HeadTurnID)
	require.NotNil(t, forked.Meta)
	assert.Equal(t, c.ContextID, forked.Meta.ParentContextID)
}

func TestEmbeddedHandler(t *testing.T) {
	app := newApp(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "embed-test")
}
