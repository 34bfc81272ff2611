package storage

// audit.go contains SQLiteStore methods for the pairing audit trail.
// The audit trail is best-effort: callers log and continue on write errors
// rather than failing the pairing flow.

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Pairing audit outcomes.
const (
	AuditOutcomePaired   = "paired"   // Code redeemed, credential minted
	AuditOutcomeDenied   = "denied"   // Host rejected the request
	AuditOutcomeTimeout  = "timeout"  // Request expired without a decision
	AuditOutcomeRejected = "rejected" // Code was invalid or expired
)

// PairingAuditEntry records one terminal pairing attempt.
type PairingAuditEntry struct {
	ID         string
	RequestID  string
	DeviceName string
	Origin     string
	Outcome    string
	DeviceID   string // Empty unless outcome is "paired"
	DecidedAt  time.Time
}

// SavePairingAudit appends an entry to the pairing audit trail.
// A missing ID is filled in with a fresh UUID.
func (s *SQLiteStore) SavePairingAudit(entry *PairingAuditEntry) error {
	if entry == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO pairing_audit
			(id, request_id, device_name, origin, outcome, device_id, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	var deviceID any
	if entry.DeviceID != "" {
		deviceID = entry.DeviceID
	}

	_, err := s.db.Exec(query,
		entry.ID,
		entry.RequestID,
		entry.DeviceName,
		entry.Origin,
		entry.Outcome,
		deviceID,
		entry.DecidedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save pairing audit: %w", err)
	}

	return nil
}

// ListPairingAudit returns the most recent audit entries, newest first.
// limit <= 0 means no limit.
func (s *SQLiteStore) ListPairingAudit(limit int) ([]*PairingAuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, request_id, device_name, origin, outcome, COALESCE(device_id, ''), decided_at
		FROM pairing_audit
		ORDER BY decided_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pairing audit: %w", err)
	}
	defer rows.Close()

	var entries []*PairingAuditEntry
	for rows.Next() {
		var (
			entry     PairingAuditEntry
			decidedAt string
		)
		err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.DeviceName,
			&entry.Origin,
			&entry.Outcome,
			&entry.DeviceID,
			&decidedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}

		t, err := time.Parse(time.RFC3339Nano, decidedAt)
		if err != nil {
			return nil, fmt.Errorf("parse decided_at: %w", err)
		}
		entry.DecidedAt = t

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}

	return entries, nil
}
