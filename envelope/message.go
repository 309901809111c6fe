package envelope

import (
	"strings"
)

// Status is the outcome carried by a Response.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// ErrorKind classifies an error response.
type ErrorKind string

const (
	// KindDecode marks a request the server could not decode. It never reached the instrument.
	KindDecode ErrorKind = "decode"
	// KindUnknownOperation marks a request naming an operation outside the operation table.
	KindUnknownOperation ErrorKind = "unknown_operation"
	// KindOperationFailed marks an operation that ran and failed.
	KindOperationFailed ErrorKind = "operation_failed"
	// KindUnavailable marks a request that could not run because the instrument owner stopped.
	KindUnavailable ErrorKind = "unavailable"
)

// Control directive names.
const (
	OpClose     = "close"
	OpTerminate = "terminate"

	opExitAlias = "exit"
	opKillAlias = "kill"
)

// Directive is a session control request that never reaches the instrument.
type Directive int

const (
	// NoDirective marks an ordinary operation request.
	NoDirective Directive = iota
	// CloseDirective ends the issuing session.
	CloseDirective
	// TerminateDirective ends the issuing session and asks the process to shut down.
	TerminateDirective
)

func (d Directive) String() string {
	switch d {
	case CloseDirective:
		return OpClose
	case TerminateDirective:
		return OpTerminate
	default:
		return "none"
	}
}

// IsReservedOp reports whether name is a directive name and therefore can't be
// used as an operation name.
func IsReservedOp(name string) bool {
	return directiveOf(name) != NoDirective
}

func directiveOf(op string) Directive {
	switch strings.ToLower(op) {
	case OpClose, opExitAlias:
		return CloseDirective
	case OpTerminate, opKillAlias:
		return TerminateDirective
	default:
		return NoDirective
	}
}

// Request is one call issued by a client.
type Request struct {
	// ID is chosen by the client and echoed in the matching Response.
	ID     uint64         `json:"id"`
	Op     string         `json:"op"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// Directive returns the control directive carried by the request, if any.
func (r *Request) Directive() Directive {
	return directiveOf(r.Op)
}

// Response is the server answer to exactly one Request.
type Response struct {
	ID      uint64    `json:"id"`
	Status  Status    `json:"status"`
	Payload any       `json:"payload,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// OK builds a success response.
func OK(id uint64, payload any) *Response {
	return &Response{ID: id, Status: StatusOK, Payload: payload}
}

// Fail builds an error response.
func Fail(id uint64, kind ErrorKind, msg string) *Response {
	if msg == "" {
		msg = string(kind)
	}

	return &Response{ID: id, Status: StatusError, Kind: kind, Error: msg}
}

// IsOK reports whether the response carries a successful result.
func (r *Response) IsOK() bool {
	return r.Status == StatusOK
}
