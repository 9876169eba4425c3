package dnssd

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies every failure the engine reports. The numeric values
// of the dns_sd kinds match the kDNSServiceErr_* codes so that codes coming
// from other DNS-SD implementations can be mapped without loss.
type ErrorKind int32

const (
	KindNoError           ErrorKind = 0
	KindUnknown           ErrorKind = -65537
	KindNoSuchName        ErrorKind = -65538
	KindNoMemory          ErrorKind = -65539
	KindBadParam          ErrorKind = -65540
	KindBadReference      ErrorKind = -65541
	KindBadState          ErrorKind = -65542
	KindBadFlags          ErrorKind = -65543
	KindUnsupported       ErrorKind = -65544
	KindNotInitialized    ErrorKind = -65545
	KindAlreadyRegistered ErrorKind = -65547
	KindNameConflict      ErrorKind = -65548
	KindInvalid           ErrorKind = -65549
	KindFirewall          ErrorKind = -65550
	KindIncompatible      ErrorKind = -65551
	KindBadInterfaceIndex ErrorKind = -65552
	KindRefused           ErrorKind = -65553
	KindNoSuchRecord      ErrorKind = -65554
	KindNoAuth            ErrorKind = -65555
	KindNoSuchKey         ErrorKind = -65556
	KindNATTraversal      ErrorKind = -65557
	KindDoubleNAT         ErrorKind = -65558
	KindBadTime           ErrorKind = -65559

	// Engine specific kinds. They sit outside the dns_sd code range.
	KindProtocol          ErrorKind = -66001
	KindTimeout           ErrorKind = -66002
	KindRecordTooLarge    ErrorKind = -66003
	KindResourceExhausted ErrorKind = -66004
)

var kindNames = map[ErrorKind]string{
	KindNoError:           "no error",
	KindUnknown:           "unknown error",
	KindNoSuchName:        "no such name",
	KindNoMemory:          "no memory",
	KindBadParam:          "bad param",
	KindBadReference:      "bad reference",
	KindBadState:          "bad state",
	KindBadFlags:          "bad flags",
	KindUnsupported:       "unsupported",
	KindNotInitialized:    "not initialized",
	KindAlreadyRegistered: "already registered",
	KindNameConflict:      "name conflict",
	KindInvalid:           "invalid",
	KindFirewall:          "firewall",
	KindIncompatible:      "incompatible",
	KindBadInterfaceIndex: "bad interface index",
	KindRefused:           "refused",
	KindNoSuchRecord:      "no such record",
	KindNoAuth:            "no auth",
	KindNoSuchKey:         "no such key",
	KindNATTraversal:      "NAT traversal",
	KindDoubleNAT:         "double NAT",
	KindBadTime:           "bad time",
	KindProtocol:          "protocol error",
	KindTimeout:           "timeout",
	KindRecordTooLarge:    "record too large",
	KindResourceExhausted: "resource exhausted",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("error kind %d", int32(k))
}

// ErrorKindFromCode maps a numeric DNS-SD error code to its kind. Codes
// without a known meaning map to KindUnknown rather than being dropped.
func ErrorKindFromCode(code int32) ErrorKind {
	k := ErrorKind(code)
	if _, ok := kindNames[k]; ok {
		return k
	}
	return KindUnknown
}

// Error is the error type returned and delivered by the engine.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := "dnssd: " + e.Kind.String()
	if e.Op != "" {
		msg = "dnssd: " + e.Op + ": " + e.Kind.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind, which lets the
// package sentinels be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnknown           = &Error{Kind: KindUnknown}
	ErrNoSuchName        = &Error{Kind: KindNoSuchName}
	ErrNoSuchRecord      = &Error{Kind: KindNoSuchRecord}
	ErrBadParam          = &Error{Kind: KindBadParam}
	ErrBadReference      = &Error{Kind: KindBadReference}
	ErrBadState          = &Error{Kind: KindBadState}
	ErrBadFlags          = &Error{Kind: KindBadFlags}
	ErrUnsupported       = &Error{Kind: KindUnsupported}
	ErrNotInitialized    = &Error{Kind: KindNotInitialized}
	ErrAlreadyRegistered = &Error{Kind: KindAlreadyRegistered}
	ErrNameConflict      = &Error{Kind: KindNameConflict}
	ErrInvalid           = &Error{Kind: KindInvalid}
	ErrNoSuchKey         = &Error{Kind: KindNoSuchKey}
	ErrProtocol          = &Error{Kind: KindProtocol}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrRecordTooLarge    = &Error{Kind: KindRecordTooLarge}
	ErrResourceExhausted = &Error{Kind: KindResourceExhausted}
)

// newError builds an *Error of the given kind. The cause, if any, keeps its
// stack through pkg/errors.
func newError(kind ErrorKind, op string, cause error) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

func errorf(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind carried by err. Errors not produced by this
// package report KindUnknown, nil reports KindNoError.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNoError
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
