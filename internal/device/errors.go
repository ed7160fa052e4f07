package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind names one entry of the session error taxonomy
type ErrorKind string

const (
	DiscoveryUnavailable   ErrorKind = "discovery_unavailable"
	ConnectTimeout         ErrorKind = "connect_timeout"
	ConnectFailed          ErrorKind = "connect_failed"
	ServiceDiscoveryFailed ErrorKind = "service_discovery_failed"
	CharacteristicNotFound ErrorKind = "characteristic_not_found"
	NotReady               ErrorKind = "not_ready"
	DecodeError            ErrorKind = "decode_error"
	WriteBusy              ErrorKind = "write_busy"
	WriteFailed            ErrorKind = "write_failed"
	LinkLost               ErrorKind = "link_lost"
	AlreadyConnecting      ErrorKind = "already_connecting"
)

// SessionError is the single error type every session operation resolves to.
// Two SessionErrors match under errors.Is when their kinds are equal.
type SessionError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *SessionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
}

// Is allows errors.Is to compare SessionError values by Kind
func (e *SessionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *SessionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors, one per taxonomy entry
var (
	ErrDiscoveryUnavailable   = &SessionError{Kind: DiscoveryUnavailable}
	ErrConnectTimeout         = &SessionError{Kind: ConnectTimeout}
	ErrConnectFailed          = &SessionError{Kind: ConnectFailed}
	ErrServiceDiscoveryFailed = &SessionError{Kind: ServiceDiscoveryFailed}
	ErrCharacteristicNotFound = &SessionError{Kind: CharacteristicNotFound}
	ErrNotReady               = &SessionError{Kind: NotReady}
	ErrDecode                 = &SessionError{Kind: DecodeError}
	ErrWriteBusy              = &SessionError{Kind: WriteBusy}
	ErrWriteFailed            = &SessionError{Kind: WriteFailed}
	ErrLinkLost               = &SessionError{Kind: LinkLost}
	ErrAlreadyConnecting      = &SessionError{Kind: AlreadyConnecting}
)

// NewError builds a SessionError of the given kind wrapping err.
func NewError(kind ErrorKind, msg string, err error) *SessionError {
	return &SessionError{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the taxonomy kind of err, or "" if err is not a SessionError.
func KindOf(err error) ErrorKind {
	var serr *SessionError
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return ""
}

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// NormalizeError maps well-known platform error strings onto the taxonomy.
// Unknown errors are returned unchanged; wrapping preserves the original text.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}

	msg := err.Error()
	switch {
	case ContainsIgnoreCase(msg, "central manager has invalid state"),
		ContainsIgnoreCase(msg, "bluetooth is turned off"),
		ContainsIgnoreCase(msg, "can't init hci"),
		ContainsIgnoreCase(msg, "no such device"):
		return NewError(DiscoveryUnavailable, "", err)
	case ContainsIgnoreCase(msg, "device not connected"),
		ContainsIgnoreCase(msg, "disconnected"):
		return NewError(LinkLost, "", err)
	case ContainsIgnoreCase(msg, "device already connected"):
		return NewError(AlreadyConnecting, "", err)
	default:
		return err
	}
}

// ContainsIgnoreCase checks the substring case-insensitively
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
