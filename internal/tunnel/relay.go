package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	apperrors "github.com/musetap/host/internal/errors"
)

const (
	relayRegisterPath = "/api/register"
	relayTunnelPath   = "/api/tunnel"
	relayBypassPath   = "/api/bypass-password"
	relayDialTimeout  = 30 * time.Second
)

// relayRegisterRequest is the body for the relay's register endpoint.
type relayRegisterRequest struct {
	Port      int    `json:"port"`
	Subdomain string `json:"subdomain,omitempty"`
	Password  string `json:"password,omitempty"`
}

// relayRegisterResponse is the relay's assignment for this session.
type relayRegisterResponse struct {
	UUID  string `json:"uuid"`
	URL   string `json:"url"`
	Token string `json:"token"`
}

// RelayProvider exposes the local server through a relay: register over
// HTTP, then hold an outbound websocket the relay multiplexes visitor
// traffic over.
type RelayProvider struct {
	// Server is the relay base URL (e.g., "https://relay.musetap.io").
	Server string

	// Password protects the tunnel behind the relay's interstitial page.
	// Empty disables the interstitial.
	Password string

	mu      sync.Mutex
	session *yamux.Session
	wsConn  *websocket.Conn
	closed  bool
}

// NewRelayProvider creates a relay provider against the given server.
func NewRelayProvider(server, password string) *RelayProvider {
	return &RelayProvider{Server: strings.TrimRight(server, "/"), Password: password}
}

func (p *RelayProvider) Name() string { return "relay" }

// Start registers with the relay and establishes the carrier websocket.
func (p *RelayProvider) Start(ctx context.Context, localPort int, subdomain string) (*Handle, error) {
	if p.Server == "" {
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonMissingDependency, "No relay server configured", nil)
	}

	assignment, err := p.register(ctx, localPort, subdomain)
	if err != nil {
		return nil, err
	}

	wsURL, err := relayWebsocketURL(p.Server, assignment)
	if err != nil {
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonNetworkFailure, "Relay returned an unusable endpoint", err)
	}

	conn, err := p.dialCarrier(ctx, wsURL)
	if err != nil {
		return nil, err
	}

	session, err := yamux.Client(newWSConn(conn), yamuxConfig())
	if err != nil {
		conn.Close()
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonNetworkFailure, "Failed to multiplex relay connection", err)
	}

	p.mu.Lock()
	p.session = session
	p.wsConn = conn
	p.closed = false
	p.mu.Unlock()

	localAddr := fmt.Sprintf("127.0.0.1:%d", localPort)
	go serveSession(session, localAddr)

	password := p.Password
	if password == "" {
		// The relay may mint a visitor bypass password of its own.
		password = p.fetchBypassPassword(ctx, assignment)
	}

	return &Handle{Provider: p.Name(), URL: assignment.URL, Password: password}, nil
}

func (p *RelayProvider) register(ctx context.Context, localPort int, subdomain string) (*relayRegisterResponse, error) {
	body, err := json.Marshal(relayRegisterRequest{
		Port:      localPort,
		Subdomain: subdomain,
		Password:  p.Password,
	})
	if err != nil {
		return nil, apperrors.Internal("Failed to encode relay registration", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Server+relayRegisterPath, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonNetworkFailure, "Invalid relay server address", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonTimeout, "Relay registration timed out", err)
		}
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonNetworkFailure, "Could not reach relay server", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonCredentialRejected, "Relay rejected the registration credentials", nil)
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonNetworkFailure,
			fmt.Sprintf("Relay returned status %d: %s", resp.StatusCode, bytes.TrimSpace(b)), nil)
	}

	var assignment relayRegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&assignment); err != nil {
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonNetworkFailure, "Relay returned an invalid registration response", err)
	}
	if assignment.URL == "" {
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonNetworkFailure, "Relay did not assign a public URL", nil)
	}
	return &assignment, nil
}

// dialCarrier connects the carrier websocket with exponential backoff.
// Transient network errors are retried until the deadline; auth failures
// are permanent.
func (p *RelayProvider) dialCarrier(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
		HandshakeTimeout: wsHandshakeTimeout,
	}

	var conn *websocket.Conn
	operation := func() error {
		var resp *http.Response
		var err error
		conn, resp, err = dialer.DialContext(ctx, wsURL, nil)
		if err == nil {
			return nil
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return backoff.Permanent(apperrors.TunnelStartFailed(apperrors.TunnelReasonCredentialRejected, "Relay rejected the tunnel credentials", err))
		}
		log.Printf("tunnel: relay dial failed, retrying: %v", err)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = relayDialTimeout

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		if _, ok := apperrors.IsTunnelStartFailed(err); ok {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonTimeout, "Relay connection timed out", err)
		}
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonNetworkFailure, "Could not establish relay connection", err)
	}
	return conn, nil
}

// fetchBypassPassword asks the relay for the visitor bypass password it
// minted for this session. Best effort.
func (p *RelayProvider) fetchBypassPassword(ctx context.Context, assignment *relayRegisterResponse) string {
	endpoint := fmt.Sprintf("%s%s?uuid=%s", p.Server, relayBypassPath, url.QueryEscape(assignment.UUID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+assignment.Token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ""
	}
	return body.Password
}

// Stop closes the multiplexed session and the carrier websocket.
func (p *RelayProvider) Stop() error {
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

// relayWebsocketURL derives the carrier websocket endpoint from the
// relay server URL and the session assignment.
func relayWebsocketURL(server string, assignment *relayRegisterResponse) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = relayTunnelPath
	q := u.Query()
	q.Set("uuid", assignment.UUID)
	q.Set("token", assignment.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
