// Package tunnel exposes the local server to devices outside the LAN.
//
// A Provider knows how to establish one public endpoint for a local port.
// Three providers exist: relay (websocket multiplexing through a relay
// server), proc (an external tunneling binary), and managed (a hosted
// control-plane endpoint). The Gateway owns the lifecycle: at most one
// tunnel is active at a time, and Stop is safe to call in any state.
package tunnel

import (
	"context"
	"log"
	"sync"

	apperrors "github.com/musetap/host/internal/errors"
)

// Handle describes an established tunnel.
type Handle struct {
	// Provider is the name of the provider that created the tunnel.
	Provider string

	// URL is the public HTTPS URL that reaches the local server.
	URL string

	// Password is the bypass password for relay interstitial pages,
	// empty when the provider has none.
	Password string
}

// Provider establishes and tears down a single tunnel.
type Provider interface {
	// Name identifies the provider ("relay", "proc", "managed").
	Name() string

	// Start establishes a tunnel to the given local port. The context
	// bounds the establishment only; an established tunnel outlives it.
	Start(ctx context.Context, localPort int, subdomain string) (*Handle, error)

	// Stop tears down the tunnel. Safe to call when nothing is running.
	Stop() error
}

// Gateway manages the active tunnel. At most one tunnel exists at a time.
type Gateway struct {
	mu       sync.Mutex
	provider Provider
	active   *Handle
}

// NewGateway creates a gateway over the given provider.
func NewGateway(p Provider) *Gateway {
	return &Gateway{provider: p}
}

// Start establishes a tunnel. Returns tunnel.already_active if one is up.
func (g *Gateway) Start(ctx context.Context, localPort int, subdomain string) (*Handle, error) {
	g.mu.Lock()
	if g.active != nil {
		url := g.active.URL
		g.mu.Unlock()
		return nil, apperrors.TunnelAlreadyActive(url)
	}
	g.mu.Unlock()

	log.Printf("tunnel: starting %s provider for local port %d", g.provider.Name(), localPort)
	handle, err := g.provider.Start(ctx, localPort, subdomain)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active != nil {
		// Lost the race to a concurrent Start. Tear ours down.
		url := g.active.URL
		go g.provider.Stop()
		return nil, apperrors.TunnelAlreadyActive(url)
	}
	g.active = handle
	log.Printf("tunnel: established %s", handle.URL)
	return handle, nil
}

// Stop tears down the active tunnel. Idempotent.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	if g.active == nil {
		g.mu.Unlock()
		return nil
	}
	url := g.active.URL
	g.active = nil
	g.mu.Unlock()

	log.Printf("tunnel: stopping %s", url)
	return g.provider.Stop()
}

// Active returns the current tunnel handle, or nil when none is up.
func (g *Gateway) Active() *Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return nil
	}
	h := *g.active
	return &h
}
