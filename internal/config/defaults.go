package config

// DefaultAddr is the default listen address for the HTTP/WebSocket server.
const DefaultAddr = "127.0.0.1:8484"

// DefaultTunnelProvider is used when the tunnel section names no provider.
const DefaultTunnelProvider = "relay"
