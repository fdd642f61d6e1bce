// Package cxdb is the public API for embedding the CXDB context store.
//
// CXDB records immutable typed turns organized as a DAG, deduplicates
// payload bytes via content addressing, and serves history through a
// binary append protocol and an HTTP/JSON read gateway:
//
//	app, err := cxdb.New(
//	    cxdb.WithDataDir("/var/lib/cxdb"),
//	    cxdb.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: cxdb (root) imports
// internal/*, but internal/* never imports cxdb (root). The public types
// below are standalone structs with no internal imports visible to callers.
package cxdb

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/cxdb/internal/blob"
	"github.com/ashita-ai/cxdb/internal/config"
	"github.com/ashita-ai/cxdb/internal/mcp"
	"github.com/ashita-ai/cxdb/internal/ratelimit"
	"github.com/ashita-ai/cxdb/internal/server"
	"github.com/ashita-ai/cxdb/internal/store"
	"github.com/ashita-ai/cxdb/internal/telemetry"
	"github.com/ashita-ai/cxdb/internal/turns"
	"github.com/ashita-ai/cxdb/internal/wire"
)

// App is the CXDB server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	st           *store.Store
	httpSrv      *server.Server
	wireSrv      *wire.Server
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the CXDB server: loads configuration, opens the store
// (rebuilding derived indexes as needed), and wires both network surfaces.
// It does NOT start listeners — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.bindHTTP != "" {
		cfg.BindHTTP = o.bindHTTP
	}
	if o.bindBinary != "" {
		cfg.BindBinary = o.bindBinary
	}
	if o.authSecret != "" {
		cfg.AuthSecret = o.authSecret
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("cxdb starting",
		"version", version,
		"data_dir", cfg.DataDir,
		"bind_http", cfg.BindHTTP,
		"bind_binary", cfg.BindBinary,
	)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, err := store.Open(context.Background(), cfg.DataDir, store.Config{
		CompressionPolicy: blob.Policy{
			ThresholdBytes: cfg.CompressionThresholdBytes,
			RatioThreshold: cfg.CompressionRatioThreshold,
			Level:          cfg.ZstdLevel,
		},
		IDBatchSize:   cfg.IDBatchSize,
		EnableMetrics: cfg.EnableMetrics,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	mcpSrv := mcp.New(st, logger, version)

	httpSrv := server.New(server.Config{
		Store:               st,
		Logger:              logger,
		Addr:                cfg.BindHTTP,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxReadLimit:        cfg.MaxReadLimit,
		AuthSecret:          cfg.AuthSecret,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
	})

	return &App{
		cfg:          cfg,
		st:           st,
		httpSrv:      httpSrv,
		wireSrv:      wire.NewServer(st, logger, version),
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run serves both listeners until ctx is cancelled, then shuts down: the
// HTTP gateway drains in-flight requests while the binary listener and its
// connections are closed, and once both have stopped the store is closed.
func (a *App) Run(ctx context.Context) error {
	wireListener, err := net.Listen("tcp", a.cfg.BindBinary)
	if err != nil {
		return fmt.Errorf("bind binary: %w", err)
	}
	a.logger.Info("binary protocol listening", "addr", wireListener.Addr().String())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := a.httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.wireSrv.Serve(gctx, wireListener)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if cerr := a.st.Close(); cerr != nil {
		a.logger.Error("store close failed", "error", cerr)
	}
	if a.otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(otelCtx)
		otelCancel()
	}

	a.logger.Info("cxdb stopped")
	return err
}

// Handler returns the gateway's HTTP handler for embedding or testing.
func (a *App) Handler() http.Handler {
	return a.httpSrv.Handler()
}

// Append commits one turn through the embedded store and returns the
// committed record as a public value.
func (a *App) Append(ctx context.Context, req AppendRequest) (Turn, error) {
	turn, err := a.st.Append(ctx, store.AppendRequest{
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
		return Turn{}, err
	}
	return toPublicTurn(turn), nil
}

// CreateContext allocates a new context; baseTurnID zero creates an empty one.
func (a *App) CreateContext(ctx context.Context, baseTurnID uint64, meta *ContextMeta) (Context, error) {
	c, err := a.st.CreateContext(ctx, baseTurnID, toInternalMeta(meta))
	if err != nil {
		return Context{}, err
	}
	return toPublicContext(c), nil
}

// Fork creates a new context headed at an existing turn, with provenance.
func (a *App) Fork(ctx context.Context, baseTurnID uint64, meta *ContextMeta) (Context, error) {
	c, err := a.st.Fork(ctx, baseTurnID, toInternalMeta(meta))
	if err != nil {
		return Context{}, err
	}
	return toPublicContext(c), nil
}

// PublishBundle registers a registry bundle from raw JSON bytes.
func (a *App) PublishBundle(raw []byte) error {
	_, err := a.st.PublishBundle(raw)
	return err
}

func toPublicTurn(t turns.Turn) Turn {
	return Turn{
		TurnID:          t.TurnID,
		ParentTurnID:    t.ParentTurnID,
		Depth:           t.Depth,
		ContentHash:     hex.EncodeToString(t.ContentHash[:]),
		TypeID:          t.DeclaredTypeID,
		TypeVersion:     t.DeclaredTypeVersion,
		UncompressedLen: t.UncompressedLen,
		CreatedAt:       time.UnixMilli(t.CreatedAtMS).UTC(),
	}
}

func toPublicContext(c turns.Context) Context {
	out := Context{
		ContextID:  c.ContextID,
		HeadTurnID: c.HeadTurnID,
		HeadDepth:  c.HeadDepth,
		CreatedAt:  time.UnixMilli(c.CreatedAtMS).UTC(),
	}
	if c.Meta != nil {
		meta := ContextMeta{
			ClientTag:       c.Meta.ClientTag,
			SessionID:       c.Meta.SessionID,
			Title:           c.Meta.Title,
			Labels:          c.Meta.Labels,
			ParentContextID: c.Meta.ParentContextID,
			RootContextID:   c.Meta.RootContextID,
			SpawnReason:     c.Meta.SpawnReason,
		}
		out.Meta = &meta
	}
	return out
}

func toInternalMeta(meta *ContextMeta) *turns.ContextMeta {
	if meta == nil {
		return nil
	}
	return &turns.ContextMeta{
		ClientTag:   meta.ClientTag,
		SessionID:   meta.SessionID,
		Title:       meta.Title,
		Labels:      meta.Labels,
		SpawnReason: meta.SpawnReason,
	}
}
