package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("UNDO_MAX_STACK_SIZE", "")
	t.Setenv("UNDO_FLUSH_INTERVAL", "")

	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.UndoMaxStackSize != 50 {
		t.Fatalf("UndoMaxStackSize = %d", cfg.UndoMaxStackSize)
	}
	if cfg.UndoFlushInterval != 30*time.Second {
		t.Fatalf("UndoFlushInterval = %v", cfg.UndoFlushInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("UNDO_MAX_STACK_SIZE", "12")
	t.Setenv("UNDO_FLUSH_INTERVAL", "5s")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("LOG_FORMAT", "JSON")

	cfg := Load()
	if cfg.UndoMaxStackSize != 12 || cfg.UndoFlushInterval != 5*time.Second {
		t.Fatalf("unexpected undo settings: %+v", cfg)
	}
	if !cfg.MinioUseSSL {
		t.Fatal("expected MinioUseSSL")
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("LogFormat = %q", cfg.LogFormat)
	}
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("UNDO_MAX_STACK_SIZE", "lots")
	t.Setenv("UNDO_FLUSH_INTERVAL", "soon")

	cfg := Load()
	if cfg.UndoMaxStackSize != 50 || cfg.UndoFlushInterval != 30*time.Second {
		t.Fatalf("expected fallbacks, got %+v", cfg)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cfg := Load()
	cfg.UndoMaxStackSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero stack size")
	}

	cfg = Load()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}

	cfg = Load()
	cfg.MinioEndpoint = "localhost:9000"
	cfg.MinioAccessKey = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for minio without credentials")
	}
}
