package location

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures of the tracking core
type ErrorKind int

// Error kinds
const (
	KindUnknown ErrorKind = iota
	KindPermissionDenied
	KindPositionUnavailable
	KindTimeout
	KindUnsupportedCapability
	KindInvalidDestination
)

// Sentinel errors for use with errors.Is
var (
	ErrPermissionDenied      = &Error{Kind: KindPermissionDenied}
	ErrPositionUnavailable   = &Error{Kind: KindPositionUnavailable}
	ErrTimeout               = &Error{Kind: KindTimeout}
	ErrUnsupportedCapability = &Error{Kind: KindUnsupportedCapability}
	ErrInvalidDestination    = &Error{Kind: KindInvalidDestination}
)

// String returns the stable identifier of the kind, used in logs, metrics and wire payloads
func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindPositionUnavailable:
		return "position_unavailable"
	case KindTimeout:
		return "timeout"
	case KindUnsupportedCapability:
		return "unsupported_capability"
	case KindInvalidDestination:
		return "invalid_destination"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of String
func ParseKind(s string) (ErrorKind, error) {
	for k := KindPermissionDenied; k <= KindInvalidDestination; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown location error kind %q", s)
}

// Message returns the user-facing message for the kind
func (k ErrorKind) Message() string {
	switch k {
	case KindPermissionDenied:
		return "Location permission denied. Allow location access for this app in the device settings, then start tracking again."
	case KindPositionUnavailable:
		return "Position unavailable. Check that GPS is on, airplane mode is off, and move outdoors or near a window."
	case KindTimeout:
		return "Location request timed out. The GPS signal is weak; wait a few seconds or move outdoors."
	case KindUnsupportedCapability:
		return "This feature is not supported on this device."
	case KindInvalidDestination:
		return "Invalid destination coordinates. Latitude must be within [-90, 90] and longitude within [-180, 180]."
	default:
		return "Unknown location error."
	}
}

// Retryable reports whether the failure is transient
func (k ErrorKind) Retryable() bool {
	return k == KindPositionUnavailable || k == KindTimeout
}

// Error is a classified failure. Err carries the underlying cause when there is one.
type Error struct {
	Kind ErrorKind
	Err  error
}

// NewError creates a classified error wrapping err
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Message returns the user-facing message
func (e *Error) Message() string {
	return e.Kind.Message()
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// AsError classifies err, defaulting unclassified failures to fallback
func AsError(err error, fallback ErrorKind) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(fallback, err)
}
