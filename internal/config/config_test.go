package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DataDir != "./data" {
		t.Fatalf("expected default data dir, got %q", cfg.DataDir)
	}
	if cfg.CompressionThresholdBytes != 512 {
		t.Fatalf("expected threshold 512, got %d", cfg.CompressionThresholdBytes)
	}
	if cfg.CompressionRatioThreshold != 0.88 {
		t.Fatalf("expected ratio 0.88, got %v", cfg.CompressionRatioThreshold)
	}
	if cfg.ZstdLevel != 3 {
		t.Fatalf("expected zstd level 3, got %d", cfg.ZstdLevel)
	}
	if cfg.MaxReadLimit != 512 {
		t.Fatalf("expected read limit 512, got %d", cfg.MaxReadLimit)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CXDB_DATA_DIR", "/tmp/cxdb-test")
	t.Setenv("CXDB_ZSTD_LEVEL", "9")
	t.Setenv("CXDB_ENABLE_METRICS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DataDir != "/tmp/cxdb-test" {
		t.Fatalf("expected override, got %q", cfg.DataDir)
	}
	if cfg.ZstdLevel != 9 {
		t.Fatalf("expected zstd level 9, got %d", cfg.ZstdLevel)
	}
	if !cfg.EnableMetrics {
		t.Fatal("expected metrics enabled")
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	t.Setenv("CXDB_LOG_LEVEL", "verbose")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestValidateRejectsBadRatio(t *testing.T) {
	t.Setenv("CXDB_COMPRESSION_RATIO_THRESHOLD", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for ratio > 1")
	}
}

func TestValidateRejectsExcessiveReadLimit(t *testing.T) {
	t.Setenv("CXDB_MAX_READ_LIMIT", "1024")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for read limit > 512")
	}
}

func TestEnvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7, got %d", v)
	}
}

func TestEnvBoolFallback(t *testing.T) {
	if v := envBool("TEST_BOOL_MISSING", true); !v {
		t.Fatal("expected fallback true")
	}
}
