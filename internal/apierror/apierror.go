// Package apierror defines the broker's error taxonomy.
package apierror

import "fmt"

// Kind classifies why an operation failed, per the broker's error
// taxonomy: malformed requests are validation, handshake/record
// failures are crypto, desynced call/response pairing is protocol,
// stream failures are transport, and allocation failures are resource.
type Kind string

const (
	Validation Kind = "validation"
	Crypto     Kind = "crypto"
	Protocol   Kind = "protocol"
	Transport  Kind = "transport"
	Resource   Kind = "resource"
)

// Error is the structure carried in error-response payloads and
// returned to direct callers of the broker API.
type Error struct {
	Kind    Kind
	Message string
	isSet   bool
}

func (e *Error) Error() string {
	if e == nil || !e.isSet {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// IsSet reports whether the error has been populated. A zero-value
// *Error behaves like "no error", mirroring the original's
// api_error.isset flag.
func (e *Error) IsSet() bool {
	return e != nil && e.isSet
}

// Set populates the error, following the original's error_set helper.
func Set(e *Error, kind Kind, format string, args ...any) {
	if e == nil {
		return
	}
	e.Kind = kind
	e.Message = fmt.Sprintf(format, args...)
	e.isSet = true
}

// New builds a populated error directly.
func New(kind Kind, format string, args ...any) *Error {
	e := &Error{}
	Set(e, kind, format, args...)
	return e
}

// Payload renders err as the {type, msg} wire object carried in a
// Response's error slot. Errors outside this package's taxonomy are
// reported as protocol errors rather than losing their text.
func Payload(err error) map[string]any {
	if e, ok := err.(*Error); ok && e.IsSet() {
		return map[string]any{"type": string(e.Kind), "msg": e.Message}
	}
	return map[string]any{"type": string(Protocol), "msg": err.Error()}
}
