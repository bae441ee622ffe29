package tools

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for routing, retry, and client
// replies. Values are the wire form used in error frames.
type ErrorKind string

const (
	KindUnknownTool           ErrorKind = "unknown_tool"
	KindInvalidArgs           ErrorKind = "invalid_args"
	KindTimeout               ErrorKind = "timeout"
	KindRemoteRefused         ErrorKind = "remote_refused"
	KindRemoteCrashed         ErrorKind = "remote_crashed"
	KindDependencyUnavailable ErrorKind = "dependency_unavailable"
	KindExecutionError        ErrorKind = "execution_error"
	KindProtocolError         ErrorKind = "protocol_error"
	KindAuthFailed            ErrorKind = "auth_failed"
	KindStorageUnavailable    ErrorKind = "storage_unavailable"
	KindInternalInvariant     ErrorKind = "internal_invariant"
)

// Retryable reports whether a failure of this kind may be retried on a
// different node. Only remote faults qualify; everything else would
// fail identically elsewhere.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindRemoteRefused, KindRemoteCrashed:
		return true
	}
	return false
}

// SkipsMetric reports whether a failure of this kind bypasses metric
// and event emission. Lookup and argument errors never reach a tool
// body, so they leave no execution record.
func (k ErrorKind) SkipsMetric() bool {
	return k == KindUnknownTool || k == KindInvalidArgs
}

// ToolError carries a classified failure across component boundaries.
type ToolError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// NewError builds a classified error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error without losing its chain.
func WrapError(kind ErrorKind, message string, err error) *ToolError {
	return &ToolError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to
// execution_error for unclassified failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindExecutionError
}

// Registration errors.
var (
	// ErrToolNameEmpty is returned when a tool has no name.
	ErrToolNameEmpty = errors.New("tool name cannot be empty")

	// ErrToolRunNil is returned when a tool has no body.
	ErrToolRunNil = errors.New("tool run function cannot be nil")
)
