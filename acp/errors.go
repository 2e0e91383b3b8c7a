package acp

import "fmt"

// JSON-RPC error codes used on the wire. The standard codes are defined by
// the JSON-RPC 2.0 spec; the -320xx range carries protocol-specific errors.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeResourceNotFound = -32002
	CodeForbidden        = -32003
)

// RequestError is the JSON-RPC error object. It doubles as a Go error so
// handler results can flow to the wire without translation.
type RequestError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// NewMethodNotFound reports an inbound method with no registered handler.
func NewMethodNotFound(method string) *RequestError {
	return &RequestError{
		Code:    CodeMethodNotFound,
		Message: "method not found",
		Data:    map[string]any{"method": method},
	}
}

// NewInvalidParams reports params that failed to decode or validate.
func NewInvalidParams(detail string) *RequestError {
	return &RequestError{Code: CodeInvalidParams, Message: "invalid params", Data: map[string]any{"detail": detail}}
}

// NewInternalError wraps a handler failure for the wire.
func NewInternalError(err error) *RequestError {
	return &RequestError{Code: CodeInternalError, Message: err.Error()}
}

// NewResourceNotFound reports a missing file, terminal, or session.
func NewResourceNotFound(resource string) *RequestError {
	return &RequestError{Code: CodeResourceNotFound, Message: "resource not found", Data: map[string]any{"resource": resource}}
}

// NewForbidden reports an operation rejected by the sandbox or permission
// layer.
func NewForbidden(detail string) *RequestError {
	return &RequestError{Code: CodeForbidden, Message: "forbidden", Data: map[string]any{"detail": detail}}
}
