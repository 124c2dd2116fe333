package engine

import (
	"encoding/json"
	"fmt"
)

// Error codes returned by engine operations.
const (
	CodeEngineUnavailable = "ENGINE_UNAVAILABLE"
	CodeCommandFailed     = "COMMAND_FAILED"
	CodeViewNotFound      = "VIEW_NOT_FOUND"
	CodeNotFound          = "NOT_FOUND"
	CodeWindowNotFound    = "WINDOW_NOT_FOUND"
	CodeBadRequest        = "BAD_REQUEST"
	CodeNotPermitted      = "NOT_PERMITTED"
	CodeTimeout           = "TIMEOUT"
)

// CodedError carries a stable machine-readable code alongside the message so
// the API layer can map failures onto HTTP statuses.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a CodedError with a formatted message.
func NewError(code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a coded failure.
func WrapError(code string, cause error, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// unmarshalResult decodes a command result payload into out.
func unmarshalResult(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return WrapError(CodeCommandFailed, err, "decode command result")
	}
	return nil
}
