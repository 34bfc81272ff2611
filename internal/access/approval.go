package access

// approval.go implements the host-side approval coordinator. Each pairing
// attempt that requires approval is registered here, announced to the host,
// and resolved exactly once: by an approve, a deny, or the timeout timer.

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultApprovalTimeout is how long a pairing request waits for a decision
// before it is auto-resolved as timed out.
const DefaultApprovalTimeout = 60 * time.Second

// Outcome is the terminal state of an approval request.
type Outcome int

const (
	// OutcomeApproved means the host accepted the pairing request.
	OutcomeApproved Outcome = iota + 1

	// OutcomeDenied means the host rejected the pairing request.
	OutcomeDenied

	// OutcomeTimeout means no decision arrived within the window.
	OutcomeTimeout
)

// String returns the lowercase name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeApproved:
		return "approved"
	case OutcomeDenied:
		return "denied"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Notification describes a pending pairing request to the host. The notify
// callback receives one of these for every submitted request.
type Notification struct {
	// ID is the opaque request identifier the host passes back to
	// Approve or Deny.
	ID string

	// DeviceName is the requesting device's name (or a User-Agent guess).
	DeviceName string

	// Origin is the requester's remote address.
	Origin string

	// ExpiresAt is when the request auto-resolves as timed out.
	ExpiresAt time.Time
}

// PendingRequest is a snapshot of an unresolved approval request.
type PendingRequest struct {
	ID         string    `json:"id"`
	DeviceName string    `json:"device_name"`
	Origin     string    `json:"origin"`
	SubmittedAt time.Time `json:"submitted_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// pendingApproval tracks one in-flight request.
type pendingApproval struct {
	id          string
	deviceName  string
	origin      string
	submittedAt time.Time
	expiresAt   time.Time

	// timer fires the timeout resolution. Stopped on explicit decisions.
	timer *time.Timer

	// outcome is buffered (size 1) so resolution never blocks, even when
	// the waiting goroutine has already left.
	outcome chan Outcome
}

// Coordinator manages pending pairing approvals.
//
// Resolution is exactly-once: the first of approve, deny, or timeout wins
// and removes the request; later calls for the same ID report failure and
// change nothing. An approval arriving after the timeout fired does not
// override the timeout.
//
// Thread safety: all exported methods are safe for concurrent use.
type Coordinator struct {
	mu sync.Mutex

	// pending maps request IDs to unresolved requests.
	pending map[string]*pendingApproval

	// timeout is the decision window for each request.
	timeout time.Duration

	// notify announces each submitted request to the host. May be nil.
	notify func(Notification)

	timeNow func() time.Time
}

// NewCoordinator creates an approval coordinator. timeout <= 0 selects
// DefaultApprovalTimeout. notify may be nil.
func NewCoordinator(timeout time.Duration, notify func(Notification)) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &Coordinator{
		pending: make(map[string]*pendingApproval),
		timeout: timeout,
		notify:  notify,
		timeNow: time.Now,
	}
}

// Submit registers a new pairing request and returns its ID plus a channel
// that delivers exactly one terminal Outcome. The timeout timer starts
// immediately; the notify callback fires before Submit returns.
func (c *Coordinator) Submit(deviceName, origin string) (string, <-chan Outcome) {
	id := uuid.New().String()
	now := c.timeNow()

	p := &pendingApproval{
		id:          id,
		deviceName:  deviceName,
		origin:      origin,
		submittedAt: now,
		expiresAt:   now.Add(c.timeout),
		outcome:     make(chan Outcome, 1),
	}
	p.timer = time.AfterFunc(c.timeout, func() {
		if c.resolve(id, OutcomeTimeout) {
			log.Printf("approval: request %s timed out", id)
		}
	})

	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	log.Printf("approval: request %s pending (%s from %s, expires %s)",
		id, deviceName, origin, p.expiresAt.Format(time.RFC3339))

	if c.notify != nil {
		c.notify(Notification{
			ID:         id,
			DeviceName: deviceName,
			Origin:     origin,
			ExpiresAt:  p.expiresAt,
		})
	}

	return id, p.outcome
}

// Approve resolves a pending request as approved. Returns false if the
// request is unknown or already resolved (including by timeout).
func (c *Coordinator) Approve(id string) bool {
	ok := c.resolve(id, OutcomeApproved)
	if ok {
		log.Printf("approval: request %s approved", id)
	}
	return ok
}

// Deny resolves a pending request as denied. Returns false if the request
// is unknown or already resolved.
func (c *Coordinator) Deny(id string) bool {
	ok := c.resolve(id, OutcomeDenied)
	if ok {
		log.Printf("approval: request %s denied", id)
	}
	return ok
}

// Abandon removes a pending request without delivering an outcome. Used
// when the waiting redeemer gives up (context cancellation, shutdown).
// Safe to call for unknown or already-resolved IDs.
func (c *Coordinator) Abandon(id string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		p.timer.Stop()
		log.Printf("approval: request %s abandoned", id)
	}
}

// Pending returns snapshots of all unresolved requests, for display.
func (c *Coordinator) Pending() []PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	requests := make([]PendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		requests = append(requests, PendingRequest{
			ID:          p.id,
			DeviceName:  p.deviceName,
			Origin:      p.origin,
			SubmittedAt: p.submittedAt,
			ExpiresAt:   p.expiresAt,
		})
	}
	return requests
}

// PendingCount returns the number of unresolved requests.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// resolve delivers the terminal outcome for a request. Removal from the
// pending map under the lock is the exactly-once guard: the first resolver
// wins, whether it is a decision or the timeout timer.
func (c *Coordinator) resolve(id string, out Outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, id)
	c.mu.Unlock()

	// Best effort; the timer may already have fired, in which case the map
	// removal above was the deciding step.
	p.timer.Stop()

	p.outcome <- out
	return true
}
