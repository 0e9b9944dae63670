// Package fault defines the closed error taxonomy shared by every
// component. Errors cross component boundaries as tagged values so
// callers can branch on Kind instead of matching strings.
package fault

import (
	"errors"
	"fmt"
)

// Kind tags an error with its place in the taxonomy.
type Kind int

const (
	// KindUnknown is the zero value for errors that did not originate
	// inside this codebase.
	KindUnknown Kind = iota

	// KindConfig marks invalid or missing configuration.
	KindConfig

	// KindAuth marks rejected credentials or an unexpected
	// second-factor challenge.
	KindAuth

	// KindUnreachable marks an endpoint that cannot be reached at all.
	KindUnreachable

	// KindTransport marks an established connection that subsequently
	// failed (reset, brownout, handshake torn down).
	KindTransport

	// KindProtocol marks a frame or message that violates the wire
	// contract.
	KindProtocol

	// KindDedupDrop marks an event discarded as a duplicate. Silent in
	// logs, counted in metrics.
	KindDedupDrop

	// KindOverflow marks an event or invocation dropped by a bounded
	// queue.
	KindOverflow

	// KindUnknownCapability marks a lookup of a capability id no
	// connector advertises.
	KindUnknownCapability

	// KindUnknownOperation marks an operation absent from an otherwise
	// valid capability descriptor.
	KindUnknownOperation

	// KindParam marks parameters rejected by an operation's schema.
	KindParam

	// KindUpstream marks a remote system error surfaced through a
	// connector or bridge.
	KindUpstream

	// KindTimeout marks a deadline that elapsed before completion.
	KindTimeout
)

// String returns the stable tag used in logs and API payloads.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindAuth:
		return "AuthError"
	case KindUnreachable:
		return "UnreachableError"
	case KindTransport:
		return "TransportError"
	case KindProtocol:
		return "ProtocolError"
	case KindDedupDrop:
		return "DedupDrop"
	case KindOverflow:
		return "Overflow"
	case KindUnknownCapability:
		return "UnknownCapability"
	case KindUnknownOperation:
		return "UnknownOperation"
	case KindParam:
		return "ParamError"
	case KindUpstream:
		return "UpstreamError"
	case KindTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Retryable reports whether the kind is worth retrying per the dispatch
// retry policy. Everything else is permanent for a given invocation.
func (k Kind) Retryable() bool {
	return k == KindUpstream || k == KindTimeout
}

// Error is a tagged error. Op names the operation that failed
// ("connector.connect", "bus.publish") for log correlation.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two fault errors by Kind, so sentinel values
// like fault.New(fault.KindTimeout, "", "") work as match targets.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Kind == e.Kind
	}
	return false
}

// New builds a tagged error with a static message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf builds a tagged error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error. A nil err returns nil so call sites can
// wrap unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from anywhere in err's chain. Errors that
// never passed through this package report KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}
