package app

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr default: %q", cfg.HTTPAddr)
	}
	if cfg.StoreBackend != StoreMemory {
		t.Fatalf("StoreBackend default: %q", cfg.StoreBackend)
	}
	if cfg.CatchupLimit != 100 || cfg.HistoryPage != 30 {
		t.Fatalf("window defaults: catchup=%d history=%d", cfg.CatchupLimit, cfg.HistoryPage)
	}
	if cfg.MongoDatabase != "soulsync" || cfg.MongoCollection != "documents" {
		t.Fatalf("mongo defaults: %q %q", cfg.MongoDatabase, cfg.MongoCollection)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SOULSYNC_HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("SOULSYNC_STORE", StorePostgres)
	t.Setenv("SOULSYNC_CATCHUP_LIMIT", "50")
	t.Setenv("SOULSYNC_HISTORY_PAGE", "10")
	t.Setenv("SOULSYNC_HTTP_READ_TIMEOUT", "30s")
	t.Setenv("SOULSYNC_VIEWER_ID", "alice")

	cfg := LoadConfig()

	if cfg.HTTPAddr != "127.0.0.1:9090" {
		t.Fatalf("HTTPAddr: %q", cfg.HTTPAddr)
	}
	if cfg.StoreBackend != StorePostgres {
		t.Fatalf("StoreBackend: %q", cfg.StoreBackend)
	}
	if cfg.CatchupLimit != 50 || cfg.HistoryPage != 10 {
		t.Fatalf("windows: catchup=%d history=%d", cfg.CatchupLimit, cfg.HistoryPage)
	}
	if cfg.ReadTimeout != 30*time.Second {
		t.Fatalf("ReadTimeout: %v", cfg.ReadTimeout)
	}
	if cfg.ViewerID != "alice" {
		t.Fatalf("ViewerID: %q", cfg.ViewerID)
	}
}

func TestEnvHelpers_PrefixAndGarbage(t *testing.T) {
	t.Setenv("SOULSYNC_TEST_STR", "value")
	t.Setenv("SOULSYNC_TEST_INT", "not-a-number")
	t.Setenv("SOULSYNC_TEST_NEG", "-5")
	t.Setenv("SOULSYNC_TEST_DUR", "eleven")
	t.Setenv("TEST_STR", "unprefixed")

	// Helpers take bare keys and read only the prefixed variable.
	if got := EnvString("TEST_STR", "fallback"); got != "value" {
		t.Fatalf("EnvString prefix: %q", got)
	}
	if got := EnvInt("TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt garbage: %d", got)
	}
	if got := EnvInt("TEST_NEG", 7); got != 7 {
		t.Fatalf("EnvInt negative: %d", got)
	}
	if got := EnvInt32("TEST_NEG", 3); got != 3 {
		t.Fatalf("EnvInt32 negative: %d", got)
	}
	if got := EnvDuration("TEST_DUR", time.Minute); got != time.Minute {
		t.Fatalf("EnvDuration garbage: %v", got)
	}
}
