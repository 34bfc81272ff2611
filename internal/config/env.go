package config

// env.go mixes environment variables into a loaded Config. Secrets like the
// managed tunnel token belong in the environment (or a .env file) rather than
// in config.toml, which may be synced between machines.

import (
	"os"

	"github.com/joho/godotenv"
)

// Environment variable names recognized by ApplyEnv.
const (
	EnvTunnelToken = "MUSETAP_TUNNEL_TOKEN"
	EnvRelayServer = "MUSETAP_RELAY_SERVER"
)

// ApplyEnv loads a .env file if one exists in the working directory, then
// overlays recognized environment variables onto cfg. Environment values win
// over file values. A missing .env file is not an error.
func ApplyEnv(cfg *Config) {
	// godotenv does not override variables already set in the process
	// environment, so real env vars keep precedence over .env entries.
	_ = godotenv.Load()

	if v := os.Getenv(EnvTunnelToken); v != "" {
		cfg.Tunnel.ManagedToken = v
	}
	if v := os.Getenv(EnvRelayServer); v != "" {
		cfg.Tunnel.RelayServer = v
	}
}
