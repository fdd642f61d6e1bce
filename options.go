package cxdb

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	dataDir    string
	bindHTTP   string
	bindBinary string
	authSecret string
	logger     *slog.Logger
	version    string
}

// WithDataDir overrides the data directory from config (CXDB_DATA_DIR).
func WithDataDir(dir string) Option {
	return func(o *resolvedOptions) { o.dataDir = dir }
}

// WithHTTPAddr overrides the read gateway bind address (CXDB_BIND_HTTP).
func WithHTTPAddr(addr string) Option {
	return func(o *resolvedOptions) { o.bindHTTP = addr }
}

// WithBinaryAddr overrides the append protocol bind address (CXDB_BIND_BINARY).
func WithBinaryAddr(addr string) Option {
	return func(o *resolvedOptions) { o.bindBinary = addr }
}

// WithAuthSecret enables HS256 bearer auth on the gateway (CXDB_AUTH_SECRET).
func WithAuthSecret(secret string) Option {
	return func(o *resolvedOptions) { o.authSecret = secret }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}
