package access

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/time/rate"

	apperrors "github.com/musetap/host/internal/errors"
)

// AccessConfig is the live credential bundle for one server run. It is held
// in memory only and dies with the process; rotation replaces it wholesale.
type AccessConfig struct {
	// Token is the bearer token gating all HTTP and WebSocket access.
	Token string `json:"token"`

	// LocalURL is the LAN onboarding link, token included.
	LocalURL string `json:"localUrl"`

	// TunnelURL is the public onboarding link when a tunnel is active.
	TunnelURL string `json:"tunnelUrl,omitempty"`

	// PairingCode is the one-time 6-digit code for minting a device credential.
	PairingCode string `json:"pairingCode,omitempty"`

	// TunnelPassword is the tunnel bypass secret, when the provider has one.
	TunnelPassword string `json:"tunnelPassword,omitempty"`

	// QRCode is a base64-encoded PNG of the onboarding link.
	QRCode string `json:"qrCode"`

	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// ManagerConfig holds configuration for the access manager.
type ManagerConfig struct {
	// DeviceStore is where paired devices are persisted. Required for
	// pairing; a nil store disables credential minting.
	DeviceStore DeviceStore

	// Approvals gates code redemption behind a host decision.
	// Only consulted when RequireApproval is true.
	Approvals *Coordinator

	// RequireApproval makes every redemption wait for an explicit
	// approve/deny on the host. Default: false.
	RequireApproval bool

	// CodeExpiry is how long a pairing code remains redeemable.
	// Default: 5 minutes.
	CodeExpiry time.Duration

	// AccessTTL bounds the lifetime of generated access configurations.
	// Zero means no expiry.
	AccessTTL time.Duration

	// RedeemPerMinute is the rate limit for redemption attempts.
	// Default: 5 attempts per minute.
	RedeemPerMinute int

	// AuditStore records terminal pairing outcomes. Optional.
	AuditStore AuditStore

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time
}

// Manager owns the live access configuration and the pairing code attached
// to it. All exported methods are safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	config ManagerConfig

	// current is the live access configuration. Nil until GenerateAccess
	// or after revocation.
	current *AccessConfig

	// codeExpiresAt bounds the current pairing code independently of the
	// access configuration's own expiry.
	codeExpiresAt time.Time

	// codeConsumed marks the current code as redeemed. Set exactly once,
	// before any pairing side effect.
	codeConsumed bool

	// limiter throttles redemption attempts across all callers.
	limiter *rate.Limiter
}

// NewManager creates an access manager with the given config.
func NewManager(config ManagerConfig) *Manager {
	if config.CodeExpiry == 0 {
		config.CodeExpiry = 5 * time.Minute
	}
	if config.RedeemPerMinute == 0 {
		config.RedeemPerMinute = 5
	}
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}

	perMinute := config.RedeemPerMinute
	return &Manager{
		config:  config,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

// GenerateAccess mints a fresh access configuration: a new bearer token, a
// new single-use pairing code, onboarding URLs, and a QR payload. Any prior
// configuration is replaced wholesale; its token and code stop validating
// immediately.
//
// tunnelURL and tunnelPassword are optional; pass empty strings when no
// tunnel is active.
func (m *Manager) GenerateAccess(localBaseURL, tunnelURL, tunnelPassword string) (*AccessConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, err := generateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	code, err := generateRandomCode(6)
	if err != nil {
		return nil, fmt.Errorf("generate pairing code: %w", err)
	}

	now := m.config.TimeNow()
	cfg := &AccessConfig{
		Token:          token,
		PairingCode:    code,
		TunnelPassword: tunnelPassword,
		CreatedAt:      now,
	}
	if m.config.AccessTTL > 0 {
		exp := now.Add(m.config.AccessTTL)
		cfg.ExpiresAt = &exp
	}

	cfg.LocalURL = buildOnboardingURL(localBaseURL, cfg)
	if tunnelURL != "" {
		cfg.TunnelURL = buildOnboardingURL(tunnelURL, cfg)
	}

	// The QR encodes the public link when one exists, otherwise the LAN link.
	qrTarget := cfg.TunnelURL
	if qrTarget == "" {
		qrTarget = cfg.LocalURL
	}
	png, err := qrcode.Encode(qrTarget, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	cfg.QRCode = base64.StdEncoding.EncodeToString(png)

	m.current = cfg
	m.codeExpiresAt = now.Add(m.config.CodeExpiry)
	m.codeConsumed = false

	log.Printf("access: generated access config (code expires %s)", m.codeExpiresAt.Format(time.RFC3339))

	snapshot := *cfg
	return &snapshot, nil
}

// RotateAccess replaces the current configuration with a fresh one.
// The old token and pairing code are invalidated before the new
// configuration is built.
func (m *Manager) RotateAccess(localBaseURL, tunnelURL, tunnelPassword string) (*AccessConfig, error) {
	m.mu.Lock()
	m.current = nil
	m.codeConsumed = false
	m.mu.Unlock()

	log.Printf("access: rotating access config")
	return m.GenerateAccess(localBaseURL, tunnelURL, tunnelPassword)
}

// ValidateToken reports whether token matches the live configuration.
// Expiry is re-checked on every call: a token whose configuration has
// lapsed is revoked on the spot and never validates again, even if the
// clock were to move backwards afterwards.
func (m *Manager) ValidateToken(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token == "" || m.current == nil || m.current.Token != token {
		return false
	}

	if m.current.ExpiresAt != nil && m.config.TimeNow().After(*m.current.ExpiresAt) {
		log.Printf("access: token expired, revoking access config")
		m.current = nil
		return false
	}

	return true
}

// RevokeToken invalidates the live configuration if token matches it.
// The pairing code attached to the configuration stops redeeming as well.
func (m *Manager) RevokeToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.Token == token {
		log.Printf("access: token revoked")
		m.current = nil
	}
}

// SetExpiry bounds the lifetime of the current configuration to ttl from
// now. Returns an error when no configuration is live.
func (m *Manager) SetExpiry(ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return apperrors.InvalidToken()
	}

	exp := m.config.TimeNow().Add(ttl)
	m.current.ExpiresAt = &exp
	return nil
}

// Current returns a snapshot of the live configuration, or nil if none.
func (m *Manager) Current() *AccessConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	snapshot := *m.current
	return &snapshot
}

// HasActiveCode reports whether the current pairing code is still redeemable.
func (m *Manager) HasActiveCode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peekCodeLocked() == nil
}

// peekCodeLocked checks redeemability of the current code without consuming
// it. Must be called with m.mu held.
func (m *Manager) peekCodeLocked() error {
	if m.current == nil || m.current.PairingCode == "" || m.codeConsumed {
		return apperrors.InvalidOrExpiredCode()
	}
	if m.config.TimeNow().After(m.codeExpiresAt) {
		return apperrors.InvalidOrExpiredCode()
	}
	return nil
}

// checkCode verifies that code matches the current redeemable pairing code
// without consuming it.
func (m *Manager) checkCode(code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.peekCodeLocked(); err != nil {
		return err
	}
	if m.current.PairingCode != code {
		return apperrors.InvalidOrExpiredCode()
	}
	return nil
}

// consumeCode atomically redeems the current pairing code. Exactly one
// concurrent caller can succeed; everyone else gets the uniform
// invalid-or-expired error.
func (m *Manager) consumeCode(code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.peekCodeLocked(); err != nil {
		return err
	}
	if m.current.PairingCode != code {
		return apperrors.InvalidOrExpiredCode()
	}

	// Consumed before any side effect; a failure later in the pairing flow
	// does not resurrect the code.
	m.codeConsumed = true
	return nil
}

// buildOnboardingURL appends the token (and pairing code, and tunnel bypass
// password when present) to a base URL as query parameters.
func buildOnboardingURL(base string, cfg *AccessConfig) string {
	v := url.Values{}
	v.Set("token", cfg.Token)
	if cfg.PairingCode != "" {
		v.Set("code", cfg.PairingCode)
	}
	if cfg.TunnelPassword != "" {
		v.Set("tp", cfg.TunnelPassword)
	}

	if len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + v.Encode()
}

// generateRandomCode generates a random numeric code of the given length.
// Uses crypto/rand for security.
func generateRandomCode(length int) (string, error) {
	const digits = "0123456789"
	code := make([]byte, length)

	for i := range code {
		// Generate a random index into the digits string
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			return "", err
		}
		code[i] = digits[n.Int64()]
	}

	return string(code), nil
}

// generateSecureToken generates a secure random bearer token.
// Returns a hex-encoded string.
func generateSecureToken() (string, error) {
	// 32 bytes = 256 bits of entropy
	const tokenBytes = 32

	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	// Encode as hex for easy transport
	return fmt.Sprintf("%x", b), nil
}
