package access

// handler.go exposes the pairing flow over HTTP. The /pair endpoint is the
// only credentialless entry point into the host; the decision endpoints are
// restricted to loopback so only someone at the machine can approve.

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"

	apperrors "github.com/musetap/host/internal/errors"
)

// PairRequest is the JSON body for the /pair endpoint.
type PairRequest struct {
	// Code is the 6-digit pairing code shown on the host.
	Code string `json:"code"`

	// DeviceName is a friendly name for the device (e.g., "iPhone 15 Pro").
	DeviceName string `json:"device_name"`
}

// PairResponse is the JSON response from the /pair endpoint on success.
type PairResponse struct {
	// DeviceID is the unique identifier for the paired device.
	DeviceID string `json:"device_id"`

	// DeviceName is the stored device name (may be a User-Agent guess).
	DeviceName string `json:"device_name"`

	// Token is the device credential for authentication.
	// This is only returned once and should be stored securely by the client.
	Token string `json:"token"`
}

// ErrorResponse is the JSON response for error conditions.
type ErrorResponse struct {
	// Error is the stable dotted error code (e.g., "approval.denied").
	Error string `json:"error"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

// WriteError sends a coded JSON error response.
func WriteError(w http.ResponseWriter, status int, err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   code,
		Message: message,
	})
}

// PairHandler handles the /pair HTTP endpoint for code-to-credential exchange.
type PairHandler struct {
	manager *Manager
}

// NewPairHandler creates a new pair handler.
func NewPairHandler(m *Manager) *PairHandler {
	return &PairHandler{manager: m}
}

// ServeHTTP handles POST /pair requests. When approval is required this
// blocks until the host decides or the approval window lapses, so clients
// should use a generous request timeout.
func (h *PairHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only accept POST requests
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, apperrors.New(apperrors.CodeServerInvalidMessage, "Only POST is allowed"))
		return
	}

	var req PairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("access: failed to parse pair request: %v", err)
		WriteError(w, http.StatusBadRequest, apperrors.New(apperrors.CodeServerInvalidMessage, "Invalid JSON body"))
		return
	}

	if req.Code == "" {
		WriteError(w, http.StatusBadRequest, apperrors.New(apperrors.CodeServerInvalidMessage, "Pairing code is required"))
		return
	}

	result, err := h.manager.RedeemPairingCode(r.Context(), RedeemRequest{
		Code:       req.Code,
		DeviceName: req.DeviceName,
		UserAgent:  r.UserAgent(),
		Origin:     remoteHost(r),
	})
	if err != nil {
		switch apperrors.GetCode(err) {
		case apperrors.CodeAccessInvalidOrExpiredCode:
			WriteError(w, http.StatusUnauthorized, err)
		case apperrors.CodeAccessRateLimited:
			WriteError(w, http.StatusTooManyRequests, err)
		case apperrors.CodeApprovalDenied:
			WriteError(w, http.StatusForbidden, err)
		case apperrors.CodeApprovalTimeout:
			WriteError(w, http.StatusRequestTimeout, err)
		default:
			log.Printf("access: unexpected error during pairing: %v", err)
			WriteError(w, http.StatusInternalServerError, apperrors.Internal("Failed to complete pairing", nil))
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(PairResponse{
		DeviceID:   result.DeviceID,
		DeviceName: result.DeviceName,
		Token:      result.Token,
	})
}

// DecideRequest is the JSON body for the /pair/decide endpoint.
type DecideRequest struct {
	// ID is the approval request identifier from the pending list.
	ID string `json:"id"`

	// Decision is "approve" or "deny".
	Decision string `json:"decision"`
}

// ApprovalHandler serves the host-side decision endpoints:
//
//	GET  /pair/pending  - list unresolved pairing requests
//	POST /pair/decide   - approve or deny one request
//
// Both are restricted to loopback addresses. Remote access to decisions
// would let an attacker approve their own pairing request.
type ApprovalHandler struct {
	approvals *Coordinator
}

// NewApprovalHandler creates a handler over the given coordinator.
func NewApprovalHandler(c *Coordinator) *ApprovalHandler {
	return &ApprovalHandler{approvals: c}
}

// ServeHTTP dispatches on the request path.
func (h *ApprovalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		log.Printf("access: rejected %s from non-loopback address: %s", r.URL.Path, r.RemoteAddr)
		WriteError(w, http.StatusForbidden, apperrors.New(apperrors.CodeAuthInvalidToken, "Pairing decisions are only available from localhost"))
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/pending"):
		h.servePending(w, r)
	case strings.HasSuffix(r.URL.Path, "/decide"):
		h.serveDecide(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *ApprovalHandler) servePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, apperrors.New(apperrors.CodeServerInvalidMessage, "Only GET is allowed"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Pending []PendingRequest `json:"pending"`
	}{Pending: h.approvals.Pending()})
}

func (h *ApprovalHandler) serveDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, apperrors.New(apperrors.CodeServerInvalidMessage, "Only POST is allowed"))
		return
	}

	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, apperrors.New(apperrors.CodeServerInvalidMessage, "Invalid JSON body"))
		return
	}

	var ok bool
	switch req.Decision {
	case "approve":
		ok = h.approvals.Approve(req.ID)
	case "deny":
		ok = h.approvals.Deny(req.ID)
	default:
		WriteError(w, http.StatusBadRequest, apperrors.New(apperrors.CodeServerInvalidMessage, "Decision must be 'approve' or 'deny'"))
		return
	}

	if !ok {
		WriteError(w, http.StatusNotFound, apperrors.ApprovalNotFound(req.ID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		ID       string `json:"id"`
		Decision string `json:"decision"`
	}{ID: req.ID, Decision: req.Decision})
}

// isLoopbackRequest checks if the request originates from the local machine.
// Returns true for loopback or unix socket addresses.
func isLoopbackRequest(r *http.Request) bool {
	// Extract the host part from RemoteAddr (format is "host:port" or "[host]:port" for IPv6)
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if isUnixSocketRemoteAddr(r.RemoteAddr) {
			return true
		}
		// If we can't parse the address, be conservative and reject
		log.Printf("access: failed to parse RemoteAddr %q: %v", r.RemoteAddr, err)
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		// If we can't parse the IP, be conservative and reject
		log.Printf("access: failed to parse IP from host %q", host)
		return false
	}

	return ip.IsLoopback()
}

func isUnixSocketRemoteAddr(remoteAddr string) bool {
	if remoteAddr == "" {
		return true
	}
	if strings.HasPrefix(remoteAddr, "/") || strings.HasPrefix(remoteAddr, "@") {
		return true
	}
	return false
}

// remoteHost returns just the host portion of the request's remote address.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
