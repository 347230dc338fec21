package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestFromViperRoundTripsDefaults(t *testing.T) {
	v := viper.New()
	RegisterDefaults(v)

	got := FromViper(v)
	want := DefaultLimits()
	if got != want {
		t.Errorf("FromViper defaults = %+v, want %+v", got, want)
	}
}

func TestFromViperHonorsOverrides(t *testing.T) {
	v := viper.New()
	RegisterDefaults(v)
	v.Set("limits.max_connections_per_backend", 3)
	v.Set("limits.request_timeout", "5s")
	v.Set("limits.enable_adaptive", true)

	got := FromViper(v)
	if got.MaxConnectionsPerBackend != 3 {
		t.Errorf("MaxConnectionsPerBackend = %d, want 3", got.MaxConnectionsPerBackend)
	}
	if got.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", got.RequestTimeout)
	}
	if !got.EnableAdaptive {
		t.Error("EnableAdaptive should be true")
	}
	// Untouched options keep their defaults
	if got.QueueMaxSize != DefaultLimits().QueueMaxSize {
		t.Errorf("QueueMaxSize = %d, want default", got.QueueMaxSize)
	}
}

func TestLoadBackendsFile(t *testing.T) {
	t.Setenv("TEST_BACKEND_HOST", "tools.internal")

	path := filepath.Join(t.TempDir(), "backends.yaml")
	content := `backends:
  - name: weather
    label: Weather tools
    url: http://${TEST_BACKEND_HOST}:9010/mcp
  - name: local
    protocol: loopback
    disabled: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	backends, err := LoadBackendsFile(path)
	if err != nil {
		t.Fatalf("LoadBackendsFile: %v", err)
	}
	if len(backends) != 2 {
		t.Fatalf("backends = %d, want 2", len(backends))
	}

	if backends[0].URL != "http://tools.internal:9010/mcp" {
		t.Errorf("URL = %q, env var not expanded", backends[0].URL)
	}
	if backends[0].Protocol != "streamable-http" {
		t.Errorf("Protocol = %q, want default streamable-http", backends[0].Protocol)
	}
	if !backends[0].IsActive {
		t.Error("first backend should be active")
	}
	if backends[1].IsActive {
		t.Error("disabled backend should be inactive")
	}
}

func TestLoadBackendsFileRequiresName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.yaml")
	if err := os.WriteFile(path, []byte("backends:\n  - url: http://x\n"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := LoadBackendsFile(path); err == nil {
		t.Fatal("expected error for nameless backend")
	}
}

func TestWriteBackendsFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")

	original, err := LoadBackendsFile(writeFixture(t))
	if err != nil {
		t.Fatalf("LoadBackendsFile: %v", err)
	}
	if err := WriteBackendsFile(path, original); err != nil {
		t.Fatalf("WriteBackendsFile: %v", err)
	}

	reloaded, err := LoadBackendsFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded) != len(original) {
		t.Fatalf("reloaded = %d backends, want %d", len(reloaded), len(original))
	}
	for i := range original {
		if reloaded[i] != original[i] {
			t.Errorf("backend %d changed across round trip: %+v != %+v", i, reloaded[i], original[i])
		}
	}
}

func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backends.yaml")
	content := `backends:
  - name: weather
    protocol: streamable-http
    url: http://localhost:9010/mcp
  - name: local
    protocol: loopback
    disabled: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}
