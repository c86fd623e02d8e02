package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", dir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionSkipsConfig(t *testing.T) {
	out, err := run(t, "/nonexistent/dir", "version", "--json")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(out), &v); err != nil || v["version"] != Version {
		t.Errorf("version output = %q", out)
	}
}

func TestClientRegistryInPaperMode(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MT5_TERMINAL_MODE", "paper")

	if _, err := run(t, dir, "config", "validate"); err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
	if _, err := run(t, dir, "client", "add", "Carla", "--private-ip", "10.0.0.7"); err != nil {
		t.Fatalf("client add failed: %v", err)
	}

	out, err := run(t, dir, "client", "list", "--json")
	if err != nil {
		t.Fatalf("client list failed: %v", err)
	}
	var clients []map[string]interface{}
	if err := json.Unmarshal([]byte(out), &clients); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if len(clients) != 1 || clients[0]["Name"] != "Carla" {
		t.Errorf("clients = %v", clients)
	}

	out, err = run(t, dir, "sweep", "--json")
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if !strings.Contains(out, `"clients": 0`) {
		t.Errorf("sweep output = %q", out)
	}
}

func TestPositionListRequiresClient(t *testing.T) {
	t.Setenv("MT5_TERMINAL_MODE", "paper")
	if _, err := run(t, t.TempDir(), "position", "list"); err == nil || !strings.Contains(err.Error(), "--client-id") {
		t.Errorf("err = %v, want missing --client-id", err)
	}
}
