package obd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies driver failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindTimeout
	KindParse
	KindUnsupported
	KindProtocol
	KindTransport
	KindCommandFailed
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindParse:
		return "parse"
	case KindUnsupported:
		return "unsupported"
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	case KindCommandFailed:
		return "command_failed"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected    = errors.New("OBD adapter is not connected")
	ErrTransportClosed = errors.New("transport closed")
	ErrNotReady        = errors.New("adapter is not ready")
)

// Error carries a failure kind plus the operation and command it happened in.
type Error struct {
	Kind    Kind
	Op      string
	Command string
	// Response holds the raw adapter reply for parse and command failures.
	Response string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Command != "" {
		fmt.Fprintf(&b, " %q", e.Command)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewConnectionError(op string, err error) *Error {
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

func NewTimeoutError(op, command string, after time.Duration) *Error {
	return &Error{Kind: KindTimeout, Op: op, Command: command, Err: fmt.Errorf("TIMEOUT after %s", after)}
}

func NewParseError(op, response string, err error) *Error {
	return &Error{Kind: KindParse, Op: op, Response: response, Err: err}
}

func NewUnsupportedError(op, what string) *Error {
	return &Error{Kind: KindUnsupported, Op: op, Command: what, Err: errors.New("not supported")}
}

func NewProtocolError(op, command string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Command: command, Err: err}
}

func NewTransportError(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func NewCommandFailedError(command, response string) *Error {
	return &Error{Kind: KindCommandFailed, Op: "command", Command: command, Response: response, Err: errors.New(response)}
}

// KindOf returns the kind of the first *Error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// CommandTimeouts are deadlines per operation class.
type CommandTimeouts struct {
	Base, Init, Connect, ReadDtc, ClearDtc, LiveData, ATCommand time.Duration
}

// Timeouts are the default deadlines.
var Timeouts = CommandTimeouts{
	Base:      2000 * time.Millisecond,
	Init:      5000 * time.Millisecond,
	Connect:   10000 * time.Millisecond,
	ReadDtc:   3000 * time.Millisecond,
	ClearDtc:  5000 * time.Millisecond,
	LiveData:  1500 * time.Millisecond,
	ATCommand: 1000 * time.Millisecond,
}
