package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetStringEnv(t *testing.T) {
	t.Setenv("METERTUN_LISTEN", ":9443")
	if got := GetStringEnv("METERTUN_LISTEN", ":8443"); got != ":9443" {
		t.Errorf("set variable: got %q", got)
	}
	if got := GetStringEnv("METERTUN_UNSET", ":8443"); got != ":8443" {
		t.Errorf("unset variable: got %q", got)
	}
	t.Setenv("METERTUN_EMPTY", "")
	if got := GetStringEnv("METERTUN_EMPTY", "fallback"); got != "fallback" {
		t.Errorf("empty variable: got %q", got)
	}
}

func TestGetBoolEnv(t *testing.T) {
	t.Setenv("METERTUN_TRUST_PROXY", "true")
	if !GetBoolEnv("METERTUN_TRUST_PROXY", false) {
		t.Error("true value not parsed")
	}
	t.Setenv("METERTUN_TRUST_PROXY", "maybe")
	if GetBoolEnv("METERTUN_TRUST_PROXY", false) {
		t.Error("malformed value did not fall back")
	}
}

func TestGetIntEnv(t *testing.T) {
	t.Setenv("METERTUN_MAX_CONNS", "64")
	if got := GetIntEnv("METERTUN_MAX_CONNS", 0); got != 64 {
		t.Errorf("got %d, want 64", got)
	}
	t.Setenv("METERTUN_MAX_CONNS", "lots")
	if got := GetIntEnv("METERTUN_MAX_CONNS", 7); got != 7 {
		t.Errorf("malformed value: got %d, want fallback 7", got)
	}
}

func TestGetDurationEnv(t *testing.T) {
	t.Setenv("METERTUN_FLUSH_INTERVAL", "250ms")
	if got := GetDurationEnv("METERTUN_FLUSH_INTERVAL", time.Second); got != 250*time.Millisecond {
		t.Errorf("got %v, want 250ms", got)
	}
	t.Setenv("METERTUN_FLUSH_INTERVAL", "soon")
	if got := GetDurationEnv("METERTUN_FLUSH_INTERVAL", time.Second); got != time.Second {
		t.Errorf("malformed value: got %v, want fallback 1s", got)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte("listen: \":8443\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var dest struct {
		Listen string `yaml:"listen"`
	}
	if err := LoadYAML(path, &dest); err != nil {
		t.Fatalf("load: %v", err)
	}
	if dest.Listen != ":8443" {
		t.Errorf("listen = %q", dest.Listen)
	}

	// an empty path must be a no-op, not an error
	if err := LoadYAML("", &dest); err != nil {
		t.Errorf("empty path: %v", err)
	}
	if err := LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"), &dest); err == nil {
		t.Error("missing file did not error")
	}
}
