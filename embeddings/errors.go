package embeddings

import (
	"errors"
	"fmt"
)

// ErrorCode classifies pipeline failures so callers can map them to a
// transport status or retry policy without parsing messages.
type ErrorCode string

const (
	// CodeInvalidRegion marks a crop box that is empty, inverted or not
	// fully inside the source image.
	CodeInvalidRegion ErrorCode = "invalid_region"
	// CodeUnsupportedShape marks input data whose geometry violates the
	// preprocessing contract.
	CodeUnsupportedShape ErrorCode = "unsupported_shape"
	// CodeModelLoad marks a model file that is missing, unreadable or not
	// a valid graph.
	CodeModelLoad ErrorCode = "model_load"
	// CodeAllocation marks a failed tensor or buffer allocation.
	CodeAllocation ErrorCode = "allocation"
	// CodeInference marks a graph execution failure.
	CodeInference ErrorCode = "inference"
	// CodeMissingOutputInfo marks a model whose output metadata is absent
	// or not the expected (batch, dim) form.
	CodeMissingOutputInfo ErrorCode = "missing_output_info"
)

// Error is a classified pipeline failure. Cause retains the underlying
// runtime error for errors.Is/As inspection.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code ErrorCode, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the ErrorCode carried by err, unwrapping as needed. It
// returns "" when err carries no pipeline code.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
