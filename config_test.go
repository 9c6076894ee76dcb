package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

// =============================================================================
// CONFIGURATION TESTS
// =============================================================================

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Upstream.Server == "" {
		t.Error("Expected a default upstream server")
	}
	if cfg.Feed.PageSize != 20 {
		t.Errorf("Expected default page size 20, got %d", cfg.Feed.PageSize)
	}
	if cfg.Feed.MaxItems != 200 {
		t.Errorf("Expected default max items 200, got %d", cfg.Feed.MaxItems)
	}
	if cfg.Cache.StaleAfter != "1m" {
		t.Errorf("Expected default stale window 1m, got %q", cfg.Cache.StaleAfter)
	}
	if !cfg.Database.WalMode {
		t.Error("Expected WAL mode on by default")
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Web.Port)
	}
	expectedFields := []string{"title", "description", "category", "tags", "outcomes"}
	if !reflect.DeepEqual(cfg.Search.IndexedFields, expectedFields) {
		t.Errorf("Expected default indexed fields %v, got %v", expectedFields, cfg.Search.IndexedFields)
	}
}

func TestLoadConfig_PartialOverride(t *testing.T) {
	path := writeTempConfig(t, `
[upstream]
server = "https://markets.test"

[feed]
page_size = 50
`)

	cfg := defaultConfig()
	if err := loadConfig(path, &cfg); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cfg.Upstream.Server != "https://markets.test" {
		t.Errorf("Expected server overridden, got %q", cfg.Upstream.Server)
	}
	if cfg.Feed.PageSize != 50 {
		t.Errorf("Expected page size overridden, got %d", cfg.Feed.PageSize)
	}

	// Everything not present in the file keeps its default.
	if cfg.Feed.MaxItems != 200 {
		t.Errorf("Expected max items untouched, got %d", cfg.Feed.MaxItems)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("Expected port untouched, got %d", cfg.Web.Port)
	}
	if cfg.Upstream.ClientTimeout != "30s" {
		t.Errorf("Expected client timeout untouched, got %q", cfg.Upstream.ClientTimeout)
	}
}

func TestLoadConfig_ExplicitZeroOverridesDefault(t *testing.T) {
	path := writeTempConfig(t, `
[database]
wal_mode = false

[upstream]
access_token = ""
`)

	cfg := defaultConfig()
	cfg.Upstream.AccessToken = "placeholder"
	if err := loadConfig(path, &cfg); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cfg.Database.WalMode {
		t.Error("Expected wal_mode=false from the file to override the default")
	}
	if cfg.Upstream.AccessToken != "" {
		t.Errorf("Expected explicit empty token to override, got %q", cfg.Upstream.AccessToken)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg := defaultConfig()
	if err := loadConfig("/nonexistent/config.toml", &cfg); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestLoadConfig_MalformedTOML(t *testing.T) {
	path := writeTempConfig(t, `[upstream
server = broken`)

	cfg := defaultConfig()
	if err := loadConfig(path, &cfg); err == nil {
		t.Error("Expected error for malformed TOML")
	}
}

func TestParseDurationDefault(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		fallback time.Duration
		expected time.Duration
	}{
		{"valid duration", "2m", time.Minute, 2 * time.Minute},
		{"empty falls back", "", time.Minute, time.Minute},
		{"garbage falls back", "soon", time.Minute, time.Minute},
		{"non-positive falls back", "-5s", time.Minute, time.Minute},
		{"zero falls back", "0s", time.Minute, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseDurationDefault(tt.value, tt.fallback); got != tt.expected {
				t.Errorf("parseDurationDefault(%q) = %v, want %v", tt.value, got, tt.expected)
			}
		})
	}
}
