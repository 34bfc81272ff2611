package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_NoArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"musetap-host"}, &stdout, &stderr)
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "Usage:") {
		t.Error("expected usage output")
	}
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"musetap-host", "--version"}, &stdout, &stderr)
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "musetap-host") {
		t.Errorf("version output = %q", stdout.String())
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"musetap-host", "frobnicate"}, &stdout, &stderr)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stdout.String(), "Unknown command") {
		t.Error("expected unknown-command message")
	}
}

func TestRun_DevicesNeedsSubcommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"musetap-host", "devices"}, &stdout, &stderr)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestParseStartFlags_ExplicitTracking(t *testing.T) {
	var stderr bytes.Buffer
	f, explicit, err := parseStartFlags([]string{"--addr", "0.0.0.0:9000", "--qr"}, &stderr)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if f.addr != "0.0.0.0:9000" {
		t.Errorf("addr = %q", f.addr)
	}
	if !explicit["addr"] || !explicit["qr"] {
		t.Errorf("explicit map = %v", explicit)
	}
	if explicit["tunnel"] {
		t.Error("tunnel flag should not be marked explicit")
	}
}

func TestLoadStartConfig_FlagOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `addr = "0.0.0.0:7000"
require_approval = true

[tunnel]
enabled = true
provider = "proc"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	var stderr bytes.Buffer
	f, explicit, err := parseStartFlags([]string{"--config", path, "--addr", "127.0.0.1:9000"}, &stderr)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	cfg, err := loadStartConfig(f, explicit)
	if err != nil {
		t.Fatalf("loadStartConfig failed: %v", err)
	}

	// Explicit flag wins over the file.
	if cfg.Addr != "127.0.0.1:9000" {
		t.Errorf("addr = %q, want flag value", cfg.Addr)
	}
	// File values survive where no flag was given.
	if !cfg.RequireApproval {
		t.Error("require_approval from file was lost")
	}
	if !cfg.Tunnel.Enabled || cfg.Tunnel.Provider != "proc" {
		t.Errorf("tunnel config = %+v", cfg.Tunnel)
	}
	// Defaults fill the gaps.
	if cfg.Store == "" {
		t.Error("store path default missing")
	}
}

func TestBuildTunnelGateway(t *testing.T) {
	var stderr bytes.Buffer
	f, explicit, err := parseStartFlags(nil, &stderr)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	cfg, err := loadStartConfig(f, explicit)
	if err != nil {
		t.Fatalf("loadStartConfig failed: %v", err)
	}

	// Disabled tunnel yields no gateway.
	g, err := buildTunnelGateway(cfg)
	if err != nil || g != nil {
		t.Errorf("disabled tunnel: gateway=%v err=%v", g, err)
	}

	cfg.Tunnel.Enabled = true
	cfg.Tunnel.Provider = "relay"
	if g, err = buildTunnelGateway(cfg); err != nil || g == nil {
		t.Errorf("relay provider: gateway=%v err=%v", g, err)
	}

	cfg.Tunnel.Provider = "carrier-pigeon"
	if _, err = buildTunnelGateway(cfg); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestFormatCodeWithSpaces(t *testing.T) {
	if got := FormatCodeWithSpaces("123456"); got != "1 2 3 4 5 6" {
		t.Errorf("FormatCodeWithSpaces = %q", got)
	}
	if got := FormatCodeWithSpaces(""); got != "" {
		t.Errorf("FormatCodeWithSpaces(\"\") = %q", got)
	}
}
