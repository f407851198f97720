// Package jerror defines the closed set of error kinds returned across the
// public API surface of julea, and the typed record that carries them.
//
// Every exported function in this module returns a *jerror.Error (or nil) as
// its error value, never a bare error created ad hoc, so callers can branch
// on Domain/Code with errors.As instead of string matching.
package jerror

import (
	"errors"
	"fmt"
)

// Domain identifies which subsystem raised an Error.
type Domain string

const (
	DomainConfig   Domain = "config"
	DomainNet      Domain = "net"
	DomainProtocol Domain = "protocol"
	DomainNotFound Domain = "not-found"
	DomainExists   Domain = "exists"
	DomainInvalid  Domain = "invalid"
	DomainBackend  Domain = "backend"
	DomainIO       Domain = "io"
	DomainState    Domain = "state"
)

// Error is the single error type returned by julea's public API. It carries
// enough structure for callers to branch programmatically (Domain) while
// still rendering a useful message for logs.
type Error struct {
	// Err is the underlying cause, if any (e.g. a network or os error).
	Err error

	Domain  Domain
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("julea: %s: %s: %v", e.Domain, e.Message, e.Err)
	}
	return fmt.Sprintf("julea: %s: %s", e.Domain, e.Message)
}

// Unwrap allows errors.Is/errors.As to reach the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Domain, which is the
// granularity callers are expected to match on (e.g. errors.Is(err,
// jerror.NotFound(""))  is NOT the intended usage — prefer
// errors.As(err, &jerr) and compare jerr.Domain, or use the Is* helpers).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Domain == "" {
		return false
	}
	return e.Domain == t.Domain
}

func new_(domain Domain, code, message string, cause error) *Error {
	return &Error{Domain: domain, Code: code, Message: message, Err: cause}
}

func Config(message string, cause error) *Error   { return new_(DomainConfig, "config", message, cause) }
func Net(message string, cause error) *Error      { return new_(DomainNet, "net", message, cause) }
func Protocol(message string, cause error) *Error { return new_(DomainProtocol, "protocol", message, cause) }
func NotFound(message string) *Error              { return new_(DomainNotFound, "not-found", message, nil) }
func Exists(message string) *Error                { return new_(DomainExists, "exists", message, nil) }
func Invalid(message string) *Error               { return new_(DomainInvalid, "invalid", message, nil) }
func Backend(message string, cause error) *Error  { return new_(DomainBackend, "backend", message, cause) }
func IO(message string, cause error) *Error       { return new_(DomainIO, "io", message, cause) }
func State(message string) *Error                 { return new_(DomainState, "state", message, nil) }

// IsDomain reports whether err is a *Error of the given domain.
func IsDomain(err error, d Domain) bool {
	var je *Error
	if !errors.As(err, &je) {
		return false
	}
	return je.Domain == d
}
