// Package access manages the credentials that let a phone reach the host.
// It owns the live access configuration (bearer token, pairing code, QR
// payload), the durable per-device credentials minted by pairing, and the
// optional human approval step in between.
//
// The pairing flow works as follows:
// 1. The host generates an access configuration with a 6-digit pairing code
// 2. The phone enters the code (or scans the QR) and POSTs to /pair
// 3. If approval is required, the host operator approves or denies the request
// 4. The host consumes the code, mints a device credential, and stores the device
// 5. The phone uses its credential for all subsequent connections
//
// Security considerations:
// - Pairing codes are short-lived and single-use (replay prevention)
// - Rate limiting prevents brute force attacks on the code space
// - Device credentials are hashed before storage (bcrypt)
// - The live access configuration never touches disk
package access

import (
	"strings"
	"time"

	"github.com/musetap/host/internal/storage"
)

// Device is an alias for storage.Device to avoid import cycles.
// This allows the access package to work with devices without duplicating the struct.
type Device = storage.Device

// DeviceStore defines the interface for persisting paired devices.
// This interface is implemented by storage.SQLiteStore.
// Implementations must be safe for concurrent access.
type DeviceStore interface {
	// SaveDevice persists a device to storage.
	// If a device with the same ID exists, it is updated.
	SaveDevice(device *Device) error

	// GetDevice retrieves a device by ID.
	// Returns nil, nil if the device does not exist.
	GetDevice(id string) (*Device, error)

	// ListDevices returns all paired devices.
	ListDevices() ([]*Device, error)

	// DeleteDevice removes a device from storage.
	// Returns nil if the device does not exist (idempotent).
	DeleteDevice(id string) error

	// UpdateLastSeen updates the last_seen timestamp for a device.
	// Returns storage.ErrDeviceNotFound if the device does not exist.
	UpdateLastSeen(id string, t time.Time) error
}

// AuditStore persists terminal pairing outcomes. Implemented by
// storage.SQLiteStore. Audit writes are best-effort; failures are logged
// and never fail the pairing flow.
type AuditStore interface {
	SavePairingAudit(entry *storage.PairingAuditEntry) error
}

// InferDeviceName guesses a friendly device name from a User-Agent header.
// The guess is only used for display in approval prompts and device lists;
// clients can always supply an explicit name.
func InferDeviceName(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "ipad"):
		return "iPad"
	case strings.Contains(ua, "iphone"):
		return "iPhone"
	case strings.Contains(ua, "android"):
		return "Android device"
	case strings.Contains(ua, "macintosh"), strings.Contains(ua, "mac os"):
		return "Mac"
	case strings.Contains(ua, "windows"):
		return "Windows PC"
	case strings.Contains(ua, "linux"):
		return "Linux device"
	default:
		return "Unknown device"
	}
}

// InferPlatform maps a User-Agent header to a coarse platform tag stored
// alongside the device record.
func InferPlatform(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"):
		return "ios"
	case strings.Contains(ua, "android"):
		return "android"
	case strings.Contains(ua, "macintosh"), strings.Contains(ua, "mac os"):
		return "macos"
	case strings.Contains(ua, "windows"):
		return "windows"
	case strings.Contains(ua, "linux"):
		return "linux"
	default:
		return ""
	}
}
