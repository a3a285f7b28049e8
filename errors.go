package rpdispatch

import (
	"errors"
	"fmt"
	"strings"
)

// Kind represents the category of a dispatch failure
type Kind int

const (
	// KindTransport indicates a network, TLS or connection failure. No response was received.
	KindTransport Kind = iota
	// KindStatus indicates the service answered with a non-success status code
	KindStatus
	// KindRejected indicates the service rejected the request with a structured error body
	KindRejected
	// KindDecode indicates a response body that is not valid JSON
	KindDecode
	// KindRequest indicates the request could not be built from its options
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "TRANSPORT"
	case KindStatus:
		return "STATUS"
	case KindRejected:
		return "REJECTED"
	case KindDecode:
		return "DECODE"
	case KindRequest:
		return "REQUEST"
	default:
		return "UNKNOWN"
	}
}

// ErrorCodeIgnorable is the service error code for rejections that are dropped silently
const ErrorCodeIgnorable = 4001

// ServiceError is the error envelope returned by the service on rejected requests
type ServiceError struct {
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message"`
}

// DispatchError describes a failed request
type DispatchError struct {
	Kind       Kind
	Method     string
	URI        string
	StatusCode int
	Body       string
	Service    *ServiceError
	Cause      error
}

// Error returns the error message
func (e *DispatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s", e.Kind, e.Method, e.URI)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " returned code %d", e.StatusCode)
	}
	if e.Service != nil {
		fmt.Fprintf(&b, ": error_code %d: %s", e.Service.ErrorCode, e.Service.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause
func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// IsKind checks if an error is a DispatchError of a specific kind
func IsKind(err error, kind Kind) bool {
	var dErr *DispatchError
	if errors.As(err, &dErr) {
		return dErr.Kind == kind
	}
	return false
}

// IsRetryable returns true if DispatchWithRecovery sends the request again after err.
// Decode errors come from success responses, so the service already took the request.
func IsRetryable(err error) bool {
	var dErr *DispatchError
	if !errors.As(err, &dErr) {
		return false
	}

	switch dErr.Kind {
	case KindTransport, KindRejected, KindStatus:
		return true
	default:
		return false
	}
}
