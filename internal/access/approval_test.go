package access

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "github.com/musetap/host/internal/errors"
)

// TestCoordinator_Approve verifies the approve path delivers exactly one outcome.
func TestCoordinator_Approve(t *testing.T) {
	c := NewCoordinator(time.Minute, nil)

	id, outcome := c.Submit("iPhone", "192.168.1.20")
	if id == "" {
		t.Fatal("expected non-empty request ID")
	}
	if c.PendingCount() != 1 {
		t.Errorf("pending count = %d, want 1", c.PendingCount())
	}

	if !c.Approve(id) {
		t.Fatal("Approve returned false for pending request")
	}

	select {
	case out := <-outcome:
		if out != OutcomeApproved {
			t.Errorf("outcome = %v, want approved", out)
		}
	case <-time.After(time.Second):
		t.Fatal("no outcome delivered")
	}

	if c.PendingCount() != 0 {
		t.Errorf("pending count = %d after resolution, want 0", c.PendingCount())
	}

	// Second decision for the same ID is rejected.
	if c.Approve(id) {
		t.Error("second Approve should return false")
	}
	if c.Deny(id) {
		t.Error("Deny after Approve should return false")
	}
}

// TestCoordinator_Deny verifies the deny path.
func TestCoordinator_Deny(t *testing.T) {
	c := NewCoordinator(time.Minute, nil)

	id, outcome := c.Submit("Android device", "10.0.0.2")
	if !c.Deny(id) {
		t.Fatal("Deny returned false for pending request")
	}

	select {
	case out := <-outcome:
		if out != OutcomeDenied {
			t.Errorf("outcome = %v, want denied", out)
		}
	case <-time.After(time.Second):
		t.Fatal("no outcome delivered")
	}
}

// TestCoordinator_Timeout verifies the timer resolves unanswered requests,
// and that a late approval does not override the timeout.
func TestCoordinator_Timeout(t *testing.T) {
	c := NewCoordinator(50*time.Millisecond, nil)

	id, outcome := c.Submit("iPad", "10.0.0.3")

	select {
	case out := <-outcome:
		if out != OutcomeTimeout {
			t.Errorf("outcome = %v, want timeout", out)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	// Approval after the fact must not claim success.
	if c.Approve(id) {
		t.Error("Approve after timeout should return false")
	}
	if c.PendingCount() != 0 {
		t.Errorf("pending count = %d, want 0", c.PendingCount())
	}
}

// TestCoordinator_Notify verifies the notify callback fires with the
// request details.
func TestCoordinator_Notify(t *testing.T) {
	var got Notification
	c := NewCoordinator(time.Minute, func(n Notification) { got = n })

	id, _ := c.Submit("Mac", "127.0.0.1")

	if got.ID != id {
		t.Errorf("notification ID = %q, want %q", got.ID, id)
	}
	if got.DeviceName != "Mac" {
		t.Errorf("notification device = %q, want Mac", got.DeviceName)
	}
	if got.Origin != "127.0.0.1" {
		t.Errorf("notification origin = %q", got.Origin)
	}
	if got.ExpiresAt.IsZero() {
		t.Error("notification expiry not set")
	}
}

// TestCoordinator_Abandon verifies abandoned requests disappear quietly.
func TestCoordinator_Abandon(t *testing.T) {
	c := NewCoordinator(time.Minute, nil)

	id, outcome := c.Submit("Phone", "10.0.0.4")
	c.Abandon(id)

	if c.PendingCount() != 0 {
		t.Errorf("pending count = %d, want 0", c.PendingCount())
	}
	select {
	case out := <-outcome:
		t.Errorf("unexpected outcome %v after abandon", out)
	case <-time.After(50 * time.Millisecond):
	}

	// Abandoning again or deciding is a no-op.
	c.Abandon(id)
	if c.Approve(id) {
		t.Error("Approve after abandon should return false")
	}
}

// TestCoordinator_ConcurrentDecisions verifies exactly one decision wins
// when approve and deny race.
func TestCoordinator_ConcurrentDecisions(t *testing.T) {
	c := NewCoordinator(time.Minute, nil)
	id, outcome := c.Submit("Phone", "10.0.0.5")

	const numGoroutines = 10
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	wins := make(chan bool, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				wins <- c.Approve(id)
			} else {
				wins <- c.Deny(id)
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	winners := 0
	for w := range wins {
		if w {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly 1 winning decision, got %d", winners)
	}

	// Exactly one outcome is delivered.
	select {
	case <-outcome:
	case <-time.After(time.Second):
		t.Fatal("no outcome delivered")
	}
	select {
	case out := <-outcome:
		t.Errorf("second outcome %v delivered", out)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestRedeem_ApprovalApproved verifies the full approval-gated redemption.
func TestRedeem_ApprovalApproved(t *testing.T) {
	store := newMockDeviceStore()

	notifications := make(chan Notification, 1)
	coordinator := NewCoordinator(time.Minute, func(n Notification) { notifications <- n })

	m := NewManager(ManagerConfig{
		DeviceStore:     store,
		Approvals:       coordinator,
		RequireApproval: true,
		RedeemPerMinute: 100,
	})

	cfg, err := m.GenerateAccess(testBaseURL, "", "")
	if err != nil {
		t.Fatalf("GenerateAccess failed: %v", err)
	}

	type redeemResult struct {
		res *PairResult
		err error
	}
	done := make(chan redeemResult, 1)
	go func() {
		res, err := m.RedeemPairingCode(context.Background(), RedeemRequest{
			Code:       cfg.PairingCode,
			DeviceName: "iPhone",
			Origin:     "192.168.1.20",
		})
		done <- redeemResult{res, err}
	}()

	var n Notification
	select {
	case n = <-notifications:
	case <-time.After(time.Second):
		t.Fatal("no approval notification")
	}

	if !coordinator.Approve(n.ID) {
		t.Fatal("Approve failed")
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("redemption failed after approval: %v", r.err)
		}
		if r.res.Token == "" {
			t.Error("expected device credential")
		}
	case <-time.After(time.Second):
		t.Fatal("redemption did not complete")
	}

	devices, _ := store.ListDevices()
	if len(devices) != 1 {
		t.Errorf("expected 1 device, got %d", len(devices))
	}
}

// TestRedeem_ApprovalDenied verifies a denial leaves the code redeemable.
func TestRedeem_ApprovalDenied(t *testing.T) {
	store := newMockDeviceStore()

	notifications := make(chan Notification, 2)
	coordinator := NewCoordinator(time.Minute, func(n Notification) { notifications <- n })

	m := NewManager(ManagerConfig{
		DeviceStore:     store,
		Approvals:       coordinator,
		RequireApproval: true,
		RedeemPerMinute: 100,
	})

	cfg, err := m.GenerateAccess(testBaseURL, "", "")
	if err != nil {
		t.Fatalf("GenerateAccess failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.RedeemPairingCode(context.Background(), RedeemRequest{Code: cfg.PairingCode})
		done <- err
	}()

	n := <-notifications
	if !coordinator.Deny(n.ID) {
		t.Fatal("Deny failed")
	}

	select {
	case err := <-done:
		if !apperrors.IsCode(err, apperrors.CodeApprovalDenied) {
			t.Fatalf("expected approval.denied, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("redemption did not complete")
	}

	// No device was minted and the code survives the denial.
	devices, _ := store.ListDevices()
	if len(devices) != 0 {
		t.Errorf("expected no devices after denial, got %d", len(devices))
	}
	if !m.HasActiveCode() {
		t.Error("pairing code should remain redeemable after denial")
	}

	// A retry, approved this time, succeeds with the same code.
	done2 := make(chan error, 1)
	go func() {
		_, err := m.RedeemPairingCode(context.Background(), RedeemRequest{Code: cfg.PairingCode})
		done2 <- err
	}()
	n = <-notifications
	coordinator.Approve(n.ID)
	if err := <-done2; err != nil {
		t.Fatalf("retry after denial failed: %v", err)
	}
}

// TestRedeem_ApprovalTimeout verifies the timeout arm and that the code
// survives it.
func TestRedeem_ApprovalTimeout(t *testing.T) {
	store := newMockDeviceStore()
	coordinator := NewCoordinator(50*time.Millisecond, nil)

	m := NewManager(ManagerConfig{
		DeviceStore:     store,
		Approvals:       coordinator,
		RequireApproval: true,
		RedeemPerMinute: 100,
	})

	cfg, err := m.GenerateAccess(testBaseURL, "", "")
	if err != nil {
		t.Fatalf("GenerateAccess failed: %v", err)
	}

	_, err = m.RedeemPairingCode(context.Background(), RedeemRequest{Code: cfg.PairingCode})
	if !apperrors.IsCode(err, apperrors.CodeApprovalTimeout) {
		t.Fatalf("expected approval.timeout, got %v", err)
	}

	if !m.HasActiveCode() {
		t.Error("pairing code should remain redeemable after timeout")
	}
	devices, _ := store.ListDevices()
	if len(devices) != 0 {
		t.Errorf("expected no devices after timeout, got %d", len(devices))
	}
}

// TestRedeem_ContextCancelled verifies a cancelled waiter abandons its request.
func TestRedeem_ContextCancelled(t *testing.T) {
	coordinator := NewCoordinator(time.Minute, nil)
	m := NewManager(ManagerConfig{
		DeviceStore:     newMockDeviceStore(),
		Approvals:       coordinator,
		RequireApproval: true,
		RedeemPerMinute: 100,
	})

	cfg, err := m.GenerateAccess(testBaseURL, "", "")
	if err != nil {
		t.Fatalf("GenerateAccess failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.RedeemPairingCode(ctx, RedeemRequest{Code: cfg.PairingCode})
		done <- err
	}()

	// Give the submission a moment, then cancel.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("redemption did not return after cancellation")
	}

	if coordinator.PendingCount() != 0 {
		t.Errorf("pending count = %d after abandon, want 0", coordinator.PendingCount())
	}
}
