package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	body := "CHATSYNC_TOKEN=abc\nCHATSYNC_USER_ID=u1\nCHATSYNC_RECONNECT_DELAY=500ms\nCHATSYNC_MAX_RECONNECT_ATTEMPTS=7\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"CHATSYNC_TOKEN", "CHATSYNC_USER_ID", "CHATSYNC_RECONNECT_DELAY", "CHATSYNC_MAX_RECONNECT_ATTEMPTS"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "abc" || cfg.UserID != "u1" {
		t.Fatalf("unexpected identity: %+v", cfg)
	}
	if cfg.ReconnectDelay != 500*time.Millisecond {
		t.Errorf("ReconnectDelay = %v", cfg.ReconnectDelay)
	}
	if cfg.MaxReconnectAttempts != 7 {
		t.Errorf("MaxReconnectAttempts = %d", cfg.MaxReconnectAttempts)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want default", cfg.HeartbeatInterval)
	}
}

func TestEnvironmentWinsOverDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("CHATSYNC_TOKEN=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHATSYNC_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "from-env" {
		t.Fatalf("Token = %q, want from-env", cfg.Token)
	}
}

func TestMissingTokenFails(t *testing.T) {
	t.Setenv("CHATSYNC_TOKEN", "")
	os.Unsetenv("CHATSYNC_TOKEN")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Fatal("expected error without token")
	}
}

func TestBadNumbersFallBack(t *testing.T) {
	t.Setenv("CHATSYNC_MAX_RECONNECT_ATTEMPTS", "many")
	t.Setenv("CHATSYNC_AUTH_TIMEOUT", "soon")
	if got := getEnvInt("CHATSYNC_MAX_RECONNECT_ATTEMPTS", 5); got != 5 {
		t.Errorf("getEnvInt = %d", got)
	}
	if got := getEnvDuration("CHATSYNC_AUTH_TIMEOUT", time.Second); got != time.Second {
		t.Errorf("getEnvDuration = %v", got)
	}
}
