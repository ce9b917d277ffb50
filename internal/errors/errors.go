package errors

import (
	stderrors "errors"
	"fmt"
)

// Code represents a typed error code. Mesh codes classify request
// outcomes; operational codes classify component faults tracked by the
// ErrorCollector.
type Code string

// Request outcome taxonomy.
const (
	CodeNotFound             Code = "NOT_FOUND"
	CodeInsufficientCapacity Code = "INSUFFICIENT_CAPACITY"
	CodeNoCapacity           Code = "NO_CAPACITY"
	CodeExpired              Code = "EXPIRED"
	CodeNodeUnreachable      Code = "NODE_UNREACHABLE"
	CodeInvalidRequest       Code = "INVALID_REQUEST"
	CodeInternal             Code = "INTERNAL"
)

// Operational codes reported to the ErrorCollector.
const (
	ErrBusUnavailable      Code = "BUS_UNAVAILABLE"
	ErrPublishFailed       Code = "PUBLISH_FAILED"
	ErrDecodeFailed        Code = "DECODE_FAILED"
	ErrCompressionFailed   Code = "COMPRESSION_FAILED"
	ErrHistoryWriteFailed  Code = "HISTORY_WRITE_FAILED"
	ErrBufferFull          Code = "BUFFER_FULL"
	ErrMetricsUnavailable  Code = "METRICS_UNAVAILABLE"
	ErrInformerSyncFailed  Code = "INFORMER_SYNC_FAILED"
	ErrInformerSyncTimeout Code = "INFORMER_SYNC_TIMEOUT"
	ErrDiscoveryFailed     Code = "DISCOVERY_FAILED"
	ErrLedgerViolation     Code = "LEDGER_VIOLATION"
	ErrProbeFailed         Code = "PROBE_FAILED"
	ErrTimeout             Code = "TIMEOUT"
)

// MeshError is a classified request failure. errors.Is matches any two
// MeshErrors with the same code, so callers compare against the sentinels.
type MeshError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *MeshError) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Code)
	case e.Err == nil:
		return e.Message
	case e.Message == "":
		return e.Err.Error()
	default:
		return e.Message + ": " + e.Err.Error()
	}
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *MeshError) Unwrap() error {
	return e.Err
}

// Is matches by code.
func (e *MeshError) Is(target error) bool {
	t, ok := target.(*MeshError)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrNotFound             = &MeshError{Code: CodeNotFound}
	ErrInsufficientCapacity = &MeshError{Code: CodeInsufficientCapacity}
	ErrNoCapacity           = &MeshError{Code: CodeNoCapacity}
	ErrExpired              = &MeshError{Code: CodeExpired}
	ErrNodeUnreachable      = &MeshError{Code: CodeNodeUnreachable}
	ErrInvalidRequest       = &MeshError{Code: CodeInvalidRequest}
)

// New builds a MeshError with a formatted message.
func New(code Code, format string, args ...any) *MeshError {
	return &MeshError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code with a formatted context message.
func Wrap(code Code, err error, format string, args ...any) *MeshError {
	return &MeshError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// NotFound is shorthand for an unknown id.
func NotFound(kind, id string) *MeshError {
	return New(CodeNotFound, "%s %q not found", kind, id)
}

// Invalid is shorthand for a malformed request.
func Invalid(err error) *MeshError {
	return Wrap(CodeInvalidRequest, err, "invalid request")
}

// UnknownOutcome marks a request whose reply never arrived. The remote side
// may or may not have applied it; callers retry idempotently.
func UnknownOutcome(op string, err error) *MeshError {
	return Wrap(CodeNodeUnreachable, err, "%s: unknown outcome", op)
}

// CodeOf returns the classification of err, or CodeInternal for
// unclassified errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var me *MeshError
	if stderrors.As(err, &me) {
		return me.Code
	}
	return CodeInternal
}

// Transient reports whether retrying the same request later may succeed.
func Transient(err error) bool {
	switch CodeOf(err) {
	case CodeInsufficientCapacity, CodeNodeUnreachable:
		return true
	}
	return false
}

// FromCode rebuilds a MeshError received over the wire.
func FromCode(code Code, message string) *MeshError {
	if code == "" {
		code = CodeInternal
	}
	return &MeshError{Code: code, Message: message}
}
