// Package errors provides standardized error codes for the host application.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (access, approval, auth, tunnel, server)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by mobile clients for programmatic
// error handling. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
// These are stable identifiers that mobile clients can rely on for error handling.
const (
	// Access domain - pairing code redemption
	CodeAccessInvalidOrExpiredCode = "access.invalid_or_expired_code" // Pairing code unknown, consumed, or expired
	CodeAccessRateLimited          = "access.rate_limited"            // Too many redemption attempts

	// Approval domain - human-in-the-loop pairing approval
	CodeApprovalDenied   = "approval.denied"    // Host explicitly denied the pairing request
	CodeApprovalTimeout  = "approval.timeout"   // Pairing request was not answered in time
	CodeApprovalNotFound = "approval.not_found" // Approval request not found (already decided or expired)

	// Auth domain - token validation
	CodeAuthInvalidToken = "auth.invalid_token" // Token unknown or revoked
	CodeAuthExpired      = "auth.expired"       // Access configuration has expired

	// Tunnel domain - public tunnel establishment
	CodeTunnelAlreadyActive = "tunnel.already_active" // A tunnel is already running
	CodeTunnelStartFailed   = "tunnel.start_failed"   // Tunnel establishment failed (see reason suffix)

	// Server domain - lifecycle and transport errors
	CodeServerPortInUse         = "server.port_in_use"        // All candidate ports were occupied
	CodeServerUpgradeAuthFailed = "server.upgrade_auth_failed" // WebSocket upgrade rejected (auth)
	CodeServerInvalidMessage    = "server.invalid_message"     // Malformed or invalid message
	CodeServerSendFailed        = "server.send_failed"         // Failed to send message
	CodeServerAlreadyRunning    = "server.already_running"     // Server already started

	// Storage domain - database and persistence errors
	CodeStorageNotFound    = "storage.not_found"    // Resource not found
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// Tunnel failure reasons. These are appended to CodeTunnelStartFailed as a
// third code segment ("tunnel.start_failed.timeout") so clients can branch
// on the failure class without parsing messages.
const (
	TunnelReasonMissingDependency  = "missing_dependency" // Required external binary not found
	TunnelReasonNetworkFailure     = "network_failure"    // Could not reach the tunnel service
	TunnelReasonCredentialRejected = "credential_rejected" // Tunnel service rejected credentials or quota
	TunnelReasonTimeout            = "timeout"             // Tunnel did not report a URL in time
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "auth.invalid_token")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors for frequently used error types.

// InvalidOrExpiredCode creates an "access.invalid_or_expired_code" error.
// The message is deliberately uniform so callers cannot distinguish an
// unknown code from an expired or already-consumed one.
func InvalidOrExpiredCode() *CodedError {
	return New(CodeAccessInvalidOrExpiredCode, "pairing code is invalid or expired")
}

// RateLimited creates an "access.rate_limited" error.
func RateLimited() *CodedError {
	return New(CodeAccessRateLimited, "too many pairing attempts, try again later")
}

// ApprovalDenied creates an "approval.denied" error.
// The pairing code remains redeemable after a denial.
func ApprovalDenied(requestID string) *CodedError {
	msg := fmt.Sprintf("pairing request %s was denied", requestID)
	return New(CodeApprovalDenied, msg)
}

// ApprovalTimeout creates an "approval.timeout" error.
// This indicates the host did not answer within the approval window.
func ApprovalTimeout(requestID string) *CodedError {
	msg := fmt.Sprintf("pairing request %s timed out waiting for approval", requestID)
	return New(CodeApprovalTimeout, msg)
}

// ApprovalNotFound creates an "approval.not_found" error.
func ApprovalNotFound(requestID string) *CodedError {
	msg := fmt.Sprintf("pairing request %s not found (may have expired)", requestID)
	return New(CodeApprovalNotFound, msg)
}

// InvalidToken creates an "auth.invalid_token" error.
func InvalidToken() *CodedError {
	return New(CodeAuthInvalidToken, "invalid or revoked token")
}

// ExpiredAccess creates an "auth.expired" error.
func ExpiredAccess() *CodedError {
	return New(CodeAuthExpired, "access configuration has expired")
}

// TunnelAlreadyActive creates a "tunnel.already_active" error.
func TunnelAlreadyActive(url string) *CodedError {
	msg := "a tunnel is already active"
	if url != "" {
		msg = fmt.Sprintf("a tunnel is already active at %s", url)
	}
	return New(CodeTunnelAlreadyActive, msg)
}

// TunnelStartFailed creates a "tunnel.start_failed.{reason}" error.
// reason must be one of the TunnelReason constants.
func TunnelStartFailed(reason, message string, cause error) *CodedError {
	return Wrap(CodeTunnelStartFailed+"."+reason, message, cause)
}

// IsTunnelStartFailed reports whether err is any tunnel.start_failed variant,
// and returns the reason segment if so.
func IsTunnelStartFailed(err error) (reason string, ok bool) {
	code := GetCode(err)
	const prefix = CodeTunnelStartFailed + "."
	if len(code) > len(prefix) && code[:len(prefix)] == prefix {
		return code[len(prefix):], true
	}
	return "", false
}

// PortInUse creates a "server.port_in_use" error.
func PortInUse(basePort, attempts int) *CodedError {
	msg := fmt.Sprintf("ports %d-%d are all in use", basePort, basePort+attempts-1)
	return New(CodeServerPortInUse, msg)
}

// UpgradeAuthFailed creates a "server.upgrade_auth_failed" error.
// Emitted before the WebSocket upgrade so the client receives a plain HTTP 401.
func UpgradeAuthFailed() *CodedError {
	return New(CodeServerUpgradeAuthFailed, "websocket upgrade rejected: invalid or missing token")
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}

// NotFound creates a "storage.not_found" error.
func NotFound(resource string) *CodedError {
	return New(CodeStorageNotFound, fmt.Sprintf("%s not found", resource))
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
