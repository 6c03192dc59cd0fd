package model

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidArgument      = "REPLYQ_INVALID_ARGUMENT"
	TextCodeForbidden            = "REPLYQ_FORBIDDEN"
	TextCodeNotFound             = "REPLYQ_NOT_FOUND"
	TextCodePreconditionRequired = "REPLYQ_PRECONDITION_REQUIRED"
	TextCodeLeaseLost            = "REPLYQ_LEASE_LOST"
	TextCodeInternal             = "REPLYQ_INTERNAL"
)

func newError(message string, category goerrors.Category, code int, textCode string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// InvalidArgument reports a missing or malformed required field.
func InvalidArgument(message string, metadata map[string]any) error {
	return newError(message, goerrors.CategoryBadInput, http.StatusBadRequest, TextCodeInvalidArgument, metadata)
}

// Forbidden reports a bad API key or a failed webhook secret check.
func Forbidden(message string) error {
	return newError(message, goerrors.CategoryAuthz, http.StatusForbidden, TextCodeForbidden, nil)
}

// NotFound reports an operation on a lock id that no longer exists.
func NotFound(message string, metadata map[string]any) error {
	return newError(message, goerrors.CategoryNotFound, http.StatusNotFound, TextCodeNotFound, metadata)
}

// PreconditionRequired reports that completion could not be confirmed yet.
func PreconditionRequired(message string, metadata map[string]any) error {
	return newError(message, goerrors.CategoryOperation, http.StatusPreconditionRequired, TextCodePreconditionRequired, metadata)
}

// LeaseLost reports a lock operation from a holder whose lease was
// reclaimed and claimed again.
func LeaseLost(message string, metadata map[string]any) error {
	return newError(message, goerrors.CategoryConflict, http.StatusConflict, TextCodeLeaseLost, metadata)
}

// Internal wraps an unexpected I/O failure.
func Internal(source error, message string) error {
	if source == nil {
		return newError(message, goerrors.CategoryInternal, http.StatusInternalServerError, TextCodeInternal, nil)
	}
	return goerrors.Wrap(source, goerrors.CategoryInternal, message).
		WithCode(http.StatusInternalServerError).
		WithTextCode(TextCodeInternal)
}

// StatusCode returns the HTTP status carried by err, or 500 for plain errors.
func StatusCode(err error) int {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.Code != 0 {
		return rich.Code
	}
	return http.StatusInternalServerError
}

// IsTextCode reports whether err carries the given text code.
func IsTextCode(err error, textCode string) bool {
	var rich *goerrors.Error
	return goerrors.As(err, &rich) && rich.TextCode == textCode
}
