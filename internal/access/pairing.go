package access

// pairing.go implements pairing-code redemption: the exchange of a one-time
// code for a durable, bcrypt-hashed device credential, optionally gated by
// a host-side approval decision.

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/musetap/host/internal/errors"
	"github.com/musetap/host/internal/storage"
)

// RedeemRequest carries one pairing-code redemption attempt.
type RedeemRequest struct {
	// Code is the 6-digit pairing code entered on the device.
	Code string

	// DeviceName is a friendly name for the device (e.g., "iPhone 15 Pro").
	// Falls back to a User-Agent guess when empty.
	DeviceName string

	// UserAgent is the device's User-Agent header, used for name and
	// platform inference.
	UserAgent string

	// Origin is the remote address of the requester, shown in approval
	// prompts and recorded in the audit trail.
	Origin string
}

// PairResult is returned on successful redemption. Token is the raw device
// credential; it is handed to the device exactly once and only its bcrypt
// hash is retained.
type PairResult struct {
	DeviceID   string
	DeviceName string
	Token      string
}

// RedeemPairingCode exchanges a valid pairing code for a device credential.
//
// Ordering guarantees:
//   - The code is consumed (removed from the redeemable set) before any
//     side effect, and exactly one concurrent redemption can consume it.
//   - A denial or timeout does NOT consume the code; the device may retry
//     while the code remains valid.
//
// When approval is required, this blocks until the host decides or the
// approval window lapses. ctx cancellation abandons the wait.
func (m *Manager) RedeemPairingCode(ctx context.Context, req RedeemRequest) (*PairResult, error) {
	if !m.limiter.AllowN(m.config.TimeNow(), 1) {
		log.Printf("access: pairing attempt rate limited")
		return nil, apperrors.RateLimited()
	}

	deviceName := req.DeviceName
	if deviceName == "" {
		deviceName = InferDeviceName(req.UserAgent)
	}

	// Reject obviously bad codes before involving the host. This check does
	// not consume the code.
	if err := m.checkCode(req.Code); err != nil {
		log.Printf("access: pairing attempt with invalid or expired code")
		m.recordAudit("", deviceName, req.Origin, storage.AuditOutcomeRejected, "")
		return nil, err
	}

	requestID := ""
	if m.config.RequireApproval && m.config.Approvals != nil {
		id, outcome := m.config.Approvals.Submit(deviceName, req.Origin)
		requestID = id

		select {
		case out := <-outcome:
			switch out {
			case OutcomeDenied:
				m.recordAudit(requestID, deviceName, req.Origin, storage.AuditOutcomeDenied, "")
				return nil, apperrors.ApprovalDenied(requestID)
			case OutcomeTimeout:
				m.recordAudit(requestID, deviceName, req.Origin, storage.AuditOutcomeTimeout, "")
				return nil, apperrors.ApprovalTimeout(requestID)
			case OutcomeApproved:
				// Fall through to consumption.
			}
		case <-ctx.Done():
			m.config.Approvals.Abandon(requestID)
			return nil, ctx.Err()
		}
	}

	// Consume the code. Between the earlier check and now another caller
	// (or expiry) may have won; the loser gets the uniform error.
	if err := m.consumeCode(req.Code); err != nil {
		m.recordAudit(requestID, deviceName, req.Origin, storage.AuditOutcomeRejected, "")
		return nil, err
	}

	result, err := m.mintDevice(deviceName, InferPlatform(req.UserAgent))
	if err != nil {
		// The code stays consumed: a half-finished mint must not leave a
		// replayable code behind.
		log.Printf("access: credential mint failed after code consumption: %v", err)
		return nil, apperrors.Internal("failed to complete pairing", err)
	}

	m.recordAudit(requestID, result.DeviceName, req.Origin, storage.AuditOutcomePaired, result.DeviceID)
	log.Printf("access: paired device %s (%s)", result.DeviceID, result.DeviceName)

	return result, nil
}

// mintDevice creates and persists a new device credential.
func (m *Manager) mintDevice(name, platform string) (*PairResult, error) {
	if m.config.DeviceStore == nil {
		return nil, fmt.Errorf("no device store configured")
	}

	token, err := generateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("generate device token: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash token: %w", err)
	}

	now := m.config.TimeNow()
	device := &Device{
		ID:        uuid.New().String(),
		Name:      name,
		Platform:  platform,
		TokenHash: string(hash),
		CreatedAt: now,
		LastSeen:  now,
	}

	if err := m.config.DeviceStore.SaveDevice(device); err != nil {
		return nil, fmt.Errorf("save device: %w", err)
	}

	return &PairResult{
		DeviceID:   device.ID,
		DeviceName: device.Name,
		Token:      token,
	}, nil
}

// ValidateDeviceToken checks a durable device credential against the store.
// On success it returns the device and refreshes its last_seen timestamp.
//
// Note: This does a linear bcrypt scan of all devices. For a handful of
// paired devices (typical home use) this is acceptable.
func (m *Manager) ValidateDeviceToken(token string) (*Device, error) {
	if token == "" || m.config.DeviceStore == nil {
		return nil, apperrors.InvalidToken()
	}

	devices, err := m.config.DeviceStore.ListDevices()
	if err != nil {
		return nil, err
	}

	for _, device := range devices {
		// bcrypt.CompareHashAndPassword handles timing-safe comparison
		if err := bcrypt.CompareHashAndPassword([]byte(device.TokenHash), []byte(token)); err == nil {
			now := m.config.TimeNow()
			if err := m.config.DeviceStore.UpdateLastSeen(device.ID, now); err != nil {
				// Log but don't fail - validation succeeded
				log.Printf("access: failed to update last_seen for device %s: %v", device.ID, err)
			}
			return device, nil
		}
	}

	return nil, apperrors.InvalidToken()
}

// recordAudit logs a terminal pairing outcome. Best-effort: failures are
// logged and swallowed.
func (m *Manager) recordAudit(requestID, deviceName, origin, outcome, deviceID string) {
	if m.config.AuditStore == nil {
		return
	}

	entry := &storage.PairingAuditEntry{
		RequestID:  requestID,
		DeviceName: deviceName,
		Origin:     origin,
		Outcome:    outcome,
		DeviceID:   deviceID,
		DecidedAt:  m.config.TimeNow(),
	}
	if err := m.config.AuditStore.SavePairingAudit(entry); err != nil {
		log.Printf("access: warning: failed to save pairing audit entry: %v", err)
	}
}
