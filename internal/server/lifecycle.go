package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	apperrors "github.com/musetap/host/internal/errors"
)

// tunnelStartTimeout bounds the tunnel establishment during startup.
// When it lapses the host falls back to LAN-only access.
const tunnelStartTimeout = 45 * time.Second

// Start binds the listener and kicks off tunnel establishment and
// access generation. It returns once the listener is bound; OnReady
// fires later, when the AccessConfig is final.
//
// On a port conflict the next port is tried, sequentially, up to
// maxPortAttempts. Each attempt builds a fresh mux so route
// registration repeats cleanly.
func (s *Server) Start(ctx context.Context) error {
	host, portStr, err := net.SplitHostPort(s.config.Addr)
	if err != nil {
		return apperrors.New(apperrors.CodeInternal, fmt.Sprintf("Invalid listen address %q", s.config.Addr))
	}
	basePort, err := strconv.Atoi(portStr)
	if err != nil {
		return apperrors.New(apperrors.CodeInternal, fmt.Sprintf("Invalid listen port %q", portStr))
	}

	var ln net.Listener
	var boundPort int
	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		port := basePort + attempt
		addr := net.JoinHostPort(host, strconv.Itoa(port))

		ln, err = net.Listen("tcp", addr)
		if err == nil {
			boundPort = ln.Addr().(*net.TCPAddr).Port
			break
		}
		if !isAddrInUse(err) {
			return apperrors.Wrap(apperrors.CodeInternal, fmt.Sprintf("Failed to listen on %s", addr), err)
		}
		log.Printf("server: port %d in use, trying %d", port, port+1)
	}
	if ln == nil {
		return apperrors.PortInUse(basePort, maxPortAttempts)
	}

	mux := s.createMux()
	s.httpServer = &http.Server{Handler: s.withTokenGate(mux)}

	s.mu.Lock()
	s.boundPort = boundPort
	s.mu.Unlock()

	go s.runBroadcaster()

	go func() {
		log.Printf("server: listening on %s", ln.Addr())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()

	// Tunnel establishment and access generation run off the request
	// path; already-paired devices are served the moment the listener
	// is up.
	go s.finishStartup(ctx, boundPort)

	return nil
}

// finishStartup establishes the tunnel (when configured), generates the
// AccessConfig, and fires OnReady. Tunnel failure degrades to LAN-only
// access; the local URL stays valid either way.
func (s *Server) finishStartup(ctx context.Context, boundPort int) {
	localBaseURL := fmt.Sprintf("http://%s", net.JoinHostPort(s.advertiseHost(), strconv.Itoa(boundPort)))

	var tunnelURL, tunnelPassword string
	if s.config.Gateway != nil {
		tunnelCtx, cancel := context.WithTimeout(ctx, tunnelStartTimeout)
		handle, err := s.config.Gateway.Start(tunnelCtx, boundPort, s.config.TunnelSubdomain)
		cancel()
		if err != nil {
			log.Printf("server: tunnel unavailable, continuing with LAN access only: %v", err)
		} else {
			tunnelURL = handle.URL
			tunnelPassword = handle.Password
		}
	}

	if s.config.Access == nil {
		return
	}

	cfg, err := s.config.Access.GenerateAccess(localBaseURL, tunnelURL, tunnelPassword)
	if err != nil {
		log.Printf("server: failed to generate access config: %v", err)
		return
	}

	if s.config.OnReady != nil {
		s.config.OnReady(*cfg)
	}
}

// advertiseHost picks the host clients should dial on the LAN.
func (s *Server) advertiseHost() string {
	if s.config.AdvertiseHost != "" {
		return s.config.AdvertiseHost
	}
	host, _, err := net.SplitHostPort(s.config.Addr)
	if err == nil && host != "" && host != "0.0.0.0" && host != "::" {
		return host
	}
	return "127.0.0.1"
}

// Stop shuts the server down: tunnel first, then sessions, then the
// listener. Idempotent; later calls return the first result.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		if s.config.Gateway != nil {
			if err := s.config.Gateway.Stop(); err != nil {
				log.Printf("server: tunnel stop failed: %v", err)
			}
		}

		s.mu.Lock()
		s.stopped = true

		// Signal every session to stop. writePump sends the close
		// frame and closes the connection when it sees done.
		for sess := range s.sessions {
			sess.closeSend()
		}
		s.sessions = make(map[*session]bool)

		// Close the broadcast channel so runBroadcaster exits. Safe
		// only after stopped=true blocks new enqueues.
		close(s.broadcast)
		s.mu.Unlock()

		if s.httpServer != nil {
			s.stopErr = s.httpServer.Close()
		}
	})
	return s.stopErr
}

// isAddrInUse reports whether a listen error means the port is taken.
func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
