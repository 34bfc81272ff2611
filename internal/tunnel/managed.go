package tunnel

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	apperrors "github.com/musetap/host/internal/errors"
)

const managedHelloTimeout = 15 * time.Second

// managedHello is the first control message from the managed endpoint.
type managedHello struct {
	URL      string `json:"url"`
	Password string `json:"password,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ManagedProvider connects to a hosted tunnel endpoint with a
// pre-provisioned account token. The endpoint assigns the public URL in
// its first control message, then the same connection carries yamux
// traffic.
type ManagedProvider struct {
	// Endpoint is the control websocket URL (wss://...).
	Endpoint string

	// Token authenticates the account. Required.
	Token string

	mu      sync.Mutex
	session *yamux.Session
	wsConn  *websocket.Conn
	closed  bool
}

// NewManagedProvider creates a provider for the given endpoint and token.
func NewManagedProvider(endpoint, token string) *ManagedProvider {
	return &ManagedProvider{Endpoint: endpoint, Token: token}
}

func (p *ManagedProvider) Name() string { return "managed" }

// Start authenticates with the endpoint and waits for the URL assignment.
func (p *ManagedProvider) Start(ctx context.Context, localPort int, subdomain string) (*Handle, error) {
	if p.Token == "" {
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonCredentialRejected,
			"No tunnel token configured. Set MUSETAP_TUNNEL_TOKEN or tunnel.managed_token", nil)
	}
	if p.Endpoint == "" {
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonMissingDependency, "No managed endpoint configured", nil)
	}

	endpoint := p.Endpoint
	if subdomain != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + "subdomain=" + subdomain
	}

	dialer := &websocket.Dialer{
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
		HandshakeTimeout: wsHandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.Token)

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonCredentialRejected, "Tunnel token was rejected", err)
			case http.StatusTooManyRequests, http.StatusPaymentRequired:
				return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonCredentialRejected, "Tunnel quota exhausted for this account", err)
			}
		}
		if ctx.Err() != nil {
			return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonTimeout, "Tunnel start cancelled", err)
		}
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonNetworkFailure, "Could not reach managed tunnel endpoint", err)
	}

	conn.SetReadDeadline(time.Now().Add(managedHelloTimeout))
	var hello managedHello
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonTimeout, "Managed endpoint did not assign a URL", err)
	}
	conn.SetReadDeadline(time.Time{})

	if hello.Error != "" {
		conn.Close()
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonCredentialRejected,
			fmt.Sprintf("Managed endpoint refused the tunnel: %s", hello.Error), nil)
	}
	if hello.URL == "" {
		conn.Close()
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonNetworkFailure, "Managed endpoint did not assign a URL", nil)
	}

	session, err := yamux.Client(newWSConn(conn), yamuxConfig())
	if err != nil {
		conn.Close()
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonNetworkFailure, "Failed to multiplex managed connection", err)
	}

	p.mu.Lock()
	p.session = session
	p.wsConn = conn
	p.closed = false
	p.mu.Unlock()

	go serveSession(session, fmt.Sprintf("127.0.0.1:%d", localPort))

	return &Handle{Provider: p.Name(), URL: hello.URL, Password: hello.Password}, nil
}

// Stop closes the session and control connection. Idempotent.
func (p *ManagedProvider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.session != nil {
		p.session.Close()
		p.session = nil
	}
	if p.wsConn != nil {
		p.wsConn.Close()
		p.wsConn = nil
	}
	return nil
}
