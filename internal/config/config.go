// Package config provides TOML configuration file loading and parsing for the host.
// The configuration file lives at ~/.musetap/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file
// values, and a handful of secrets may be supplied through the environment
// (optionally via a .env file).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the host configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// Addr is the host:port for the HTTP/WebSocket server.
	// Default: 127.0.0.1:8484
	Addr string `toml:"addr"`

	// Store is the path to the SQLite database for paired devices.
	// Default: ~/.musetap/musetap.db
	Store string `toml:"store"`

	// RequireApproval gates pairing-code redemption behind an explicit
	// approve/deny decision on the host. Default: false
	RequireApproval bool `toml:"require_approval"`

	// AccessExpiryMinutes bounds the lifetime of a generated access
	// configuration. 0 means no expiry. Default: 0
	AccessExpiryMinutes int `toml:"access_expiry_minutes"`

	// MdnsEnabled enables mDNS/Bonjour service advertisement.
	// When true, the host advertises itself on the local network so apps
	// can discover it without manual IP entry. Discovery only reveals
	// presence; pairing codes are still required.
	// Default: false (disabled for security - must be explicitly enabled)
	MdnsEnabled bool `toml:"mdns_enabled"`

	// QR displays the onboarding link as a QR code on startup.
	// Default: false
	QR bool `toml:"qr"`

	// Tunnel configures optional public exposure of the host.
	Tunnel TunnelConfig `toml:"tunnel"`
}

// TunnelConfig selects and configures a tunnel provider.
type TunnelConfig struct {
	// Enabled starts a tunnel on boot. Default: false
	Enabled bool `toml:"enabled"`

	// Provider is one of "relay", "proc", or "managed".
	// Default: relay
	Provider string `toml:"provider"`

	// RelayServer is the base URL of the relay service used by the
	// "relay" provider (e.g., "https://relay.example.com").
	RelayServer string `toml:"relay_server"`

	// Subdomain requests a specific subdomain from the relay, if free.
	Subdomain string `toml:"subdomain"`

	// ProcCommand is the external tunnel binary invoked by the "proc"
	// provider. The local URL is appended as the final argument.
	ProcCommand string `toml:"proc_command"`

	// ManagedEndpoint is the control endpoint for the "managed" provider.
	ManagedEndpoint string `toml:"managed_endpoint"`

	// ManagedToken authenticates against the managed tunnel service.
	// May also be supplied via the MUSETAP_TUNNEL_TOKEN environment
	// variable (which takes precedence, keeping secrets out of the file).
	ManagedToken string `toml:"managed_token"`
}

// DefaultConfigPath returns the default config file location: ~/.musetap/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".musetap", "config.toml"), nil
}

// DefaultStorePath returns the default device database location.
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".musetap", "musetap.db"), nil
}

// DefaultApprovalSocketPath returns the Unix socket used for local
// approval decisions.
func DefaultApprovalSocketPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".musetap", "approval.sock"), nil
}

// WriteDefault creates a config file with LAN-ready defaults at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	// Check if file already exists - never overwrite
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, nothing to do
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Build minimal TOML config with LAN-ready defaults
	// Using raw string to control formatting exactly
	content := `# Musetap host configuration
# Created by 'musetap start'

# Listen on all interfaces for LAN access
addr = "0.0.0.0:8484"

[tunnel]
enabled = false
provider = "relay"
`

	// Write with restrictive permissions (owner read/write only)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location
//     (~/.musetap/config.toml). Returns an empty Config without error if the
//     default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
//
// Environment overlays (see ApplyEnv) are not applied here; callers decide
// when to mix in the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		// No explicit path: try default location, but don't error if missing.
		// This allows the host to start without any config file.
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			// Can't determine home dir, return empty config
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			// Default config doesn't exist, that's fine
			return cfg, nil
		}
		path = defaultPath
	} else {
		// Explicit path provided: error if file doesn't exist.
		// This matches user expectation: if they specify a config file, it should exist.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	// Parse the TOML file. Any parse error is fatal since the user expects
	// the config to be applied.
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}
