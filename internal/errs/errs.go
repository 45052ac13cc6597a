// Package errs defines the stable, string-coded error kinds that cross the
// control plane, the query engine, and the two wire transports. A Code is
// part of the daemon's external contract: clients match on it, so once a
// code ships its string value does not change.
package errs

import (
	"errors"
	"fmt"
)

// Code is a stable error identifier surfaced as Response.ErrorCode on the
// control plane and as the `code` field of transport/attach failures.
type Code string

const (
	// Query parsing.
	CodeParse Code = "ErrParse"

	// Query resolution and execution.
	CodeUnknownTable                  Code = "ErrUnknownTable"
	CodeTableNotAvailableForProtocol   Code = "ErrTableNotAvailableForProtocol"
	CodeUnknownColumn                 Code = "ErrUnknownColumn"
	CodeRequiredFilter                Code = "ErrRequiredFilter"

	// NDAP transport.
	CodeDAPTransportClosed       Code = "DAP_TRANSPORT_CLOSED"
	CodeDAPProcessExited         Code = "DAP_PROCESS_EXITED"
	CodeDAPRequestTimeout        Code = "DAP_REQUEST_TIMEOUT"
	CodeDAPRequestFailed         Code = "DAP_REQUEST_FAILED"
	CodeDAPProtocolHeaderInvalid Code = "DAP_PROTOCOL_HEADER_INVALID"
	CodeDAPTransportBackpressure Code = "DAP_TRANSPORT_BACKPRESSURE"

	// Shared by any virtual table decoding a malformed on-demand response.
	CodeNDAPDecode Code = "ErrProtocolDecode"

	// BWP transport.
	CodeDiscoveryParse   Code = "ErrDiscoveryParse"
	CodeUnreachable      Code = "ErrUnreachable"
	CodeDiscoveryTimeout Code = "ErrDiscoveryTimeout"
	CodeNoTargetOfType   Code = "ErrNoTargetOfType"
	CodeBWPTransportClosed Code = "BWP_TRANSPORT_CLOSED"

	// Session manager.
	CodeSessionExists           Code = "ErrSessionExists"
	CodeSessionUnknown          Code = "ErrSessionUnknown"
	CodeCapabilityUnsupported   Code = "ErrCapabilityUnsupported"

	// Native attach.
	CodeInvalidRequest         Code = "invalid_request"
	CodeDeviceNotFound         Code = "device_not_found"
	CodeAppNotInstalled        Code = "app_not_installed"
	CodeProcessNotRunning      Code = "process_not_running"
	CodeAttachDeniedOrTimeout  Code = "attach_denied_or_timeout"
	CodeLLDBDAPUnavailable     Code = "lldb_dap_unavailable"
	CodeProviderError          Code = "provider_error"
)

// Error is the concrete error type carrying a stable Code, a human message,
// and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error that wraps cause, keeping its message accessible
// via errors.Unwrap / errors.Is.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error; ok is false otherwise.
func CodeOf(err error) (code Code, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
