package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/bacnet-hub/internal/auth"
)

const testSecret = "test-secret-for-development-only-32chars"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func validConfig(dbPath string) string {
	return `
homeassistant:
  url: "ws://127.0.0.1:1/api/websocket"
  token: "test-token"

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

mqtt:
  enabled: false

influxdb:
  enabled: false

logging:
  level: info
  format: text
  output: stdout

security:
  jwt:
    secret: "` + testSecret + `"
`
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("BACNETHUB_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies validation stops startup.
func TestRun_MissingDatabasePath(t *testing.T) {
	t.Setenv("BACNETHUB_CONFIG", writeConfig(t, validConfig("")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "database.path") {
		t.Fatalf("run() error = %v, want database.path validation failure", err)
	}
}

// TestRun_HomeAssistantUnreachable verifies startup fails when Home Assistant
// refuses the connection.
func TestRun_HomeAssistantUnreachable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hub.db")
	t.Setenv("BACNETHUB_CONFIG", writeConfig(t, validConfig(dbPath)))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "Home Assistant") {
		t.Fatalf("run() error = %v, want Home Assistant connection failure", err)
	}
	if _, statErr := os.Stat(dbPath); statErr != nil {
		t.Errorf("database not created before dial: %v", statErr)
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("BACNETHUB_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("BACNETHUB_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestIssueToken(t *testing.T) {
	path := writeConfig(t, validConfig(filepath.Join(t.TempDir(), "hub.db")))

	var buf bytes.Buffer
	if err := issueToken(path, auth.RoleOperator, "alice", &buf); err != nil {
		t.Fatalf("issueToken() error: %v", err)
	}
	claims, err := auth.ParseToken(strings.TrimSpace(buf.String()), testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error: %v", err)
	}
	if claims.Subject != "alice" || claims.Role != auth.RoleOperator {
		t.Errorf("claims = %s/%s, want alice/operator", claims.Subject, claims.Role)
	}

	if err := issueToken(path, auth.Role("root"), "alice", &buf); !errors.Is(err, auth.ErrInvalidRole) {
		t.Errorf("issueToken(root) error = %v, want ErrInvalidRole", err)
	}
	if err := issueToken("/nonexistent/config.yaml", auth.RoleViewer, "alice", &buf); err == nil {
		t.Error("issueToken() with missing config error = nil")
	}
}
