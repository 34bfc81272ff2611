package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/musetap/host/internal/access"
	"github.com/musetap/host/internal/tunnel"
)

// channelBufferSize is the buffer size for the broadcast channel and
// per-session send channels. It balances memory against the ability to
// absorb bursts without blocking senders; a full buffer drops messages
// for that session only.
const channelBufferSize = 256

// maxPortAttempts bounds the port-conflict retry loop. With a base
// port of 8484 the last attempt is 8493.
const maxPortAttempts = 10

// TokenValidator checks a credential presented on a request. It
// returns the device ID for device credentials, or an empty device ID
// for the access token itself.
type TokenValidator func(token string) (deviceID string, err error)

// DeviceActivityTracker is called to update device activity timestamps.
// The server calls this when a message is received from an
// authenticated session.
type DeviceActivityTracker func(deviceID string)

// Collaborators holds the opaque route handlers the host application
// plugs in. Each is mounted under /api behind the token gate; nil
// entries are skipped.
type Collaborators struct {
	Search   http.Handler
	Playback http.Handler
	Addons   http.Handler
	Metadata http.Handler
	Library  http.Handler
}

// Config wires a Server together.
type Config struct {
	// Addr is the base listen address (e.g., "0.0.0.0:8484"). On a
	// port conflict the port is incremented, up to maxPortAttempts.
	Addr string

	// AdvertiseHost is the host clients should use to reach the
	// server on the LAN. Falls back to the Addr host when empty.
	AdvertiseHost string

	// Access issues and validates credentials.
	Access *access.Manager

	// Approvals coordinates host-side pairing decisions. Optional.
	Approvals *access.Coordinator

	// Gateway manages the public tunnel. Nil disables tunneling.
	Gateway *tunnel.Gateway

	// TunnelSubdomain is the requested subdomain, provider permitting.
	TunnelSubdomain string

	// TokenValidator overrides the default validator built from
	// Access. Tests inject this.
	TokenValidator TokenValidator

	// OnReady is invoked exactly once when binding, the optional
	// tunnel start, and access generation have all completed.
	OnReady func(access.AccessConfig)

	// Collaborators are the host application's route handlers.
	Collaborators Collaborators
}

// Server owns the HTTP listener, the session registry, and the
// access-control wiring for a running host.
type Server struct {
	config Config

	// upgrader converts HTTP connections to WebSocket connections.
	upgrader websocket.Upgrader

	// sessions tracks all live device sessions.
	sessions map[*session]bool

	// mu protects sessions, stopped, and the mutable handler fields.
	mu sync.RWMutex

	// stopped prevents sending to a closed broadcast channel.
	stopped bool

	// broadcast decouples message production from fan-out delivery.
	broadcast chan outbound

	httpServer *http.Server

	// boundPort is the port actually bound after conflict retries.
	boundPort int

	validateToken         TokenValidator
	deviceActivityTracker DeviceActivityTracker

	stopOnce sync.Once
	stopErr  error
}

// NewServer creates a server from the given configuration. Call Start
// to bind the listener.
func NewServer(cfg Config) *Server {
	s := &Server{
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Paired mobile clients connect from app webviews with
			// arbitrary origins; the token gate is the access check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions:  make(map[*session]bool),
		broadcast: make(chan outbound, channelBufferSize),
	}

	s.validateToken = cfg.TokenValidator
	if s.validateToken == nil && cfg.Access != nil {
		s.validateToken = func(token string) (string, error) {
			if cfg.Access.ValidateToken(token) {
				return "", nil
			}
			device, err := cfg.Access.ValidateDeviceToken(token)
			if err != nil {
				return "", err
			}
			return device.ID, nil
		}
	}

	return s
}

// SetDeviceActivityTracker installs the device activity callback.
func (s *Server) SetDeviceActivityTracker(tracker DeviceActivityTracker) {
	s.mu.Lock()
	s.deviceActivityTracker = tracker
	s.mu.Unlock()
}

// Port returns the bound port, valid after Start succeeds.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundPort
}
