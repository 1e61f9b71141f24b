package shared

import (
	"github.com/cockroachdb/errors"
)

// Error taxonomy surfaced to the extension UI. Every error returned by a
// handler is marked with at most one of these so the UI can branch on Code.
var (
	ErrNotFound              = errors.New("not found")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrValidationFailed      = errors.New("validation failed")
	ErrSignerUnavailable     = errors.New("signer unavailable")
	ErrUserRejected          = errors.New("user rejected")
	ErrConnectionUnavailable = errors.New("connection unavailable")
)

const (
	CodeNotFound              = "NotFound"
	CodePermissionDenied      = "PermissionDenied"
	CodeValidationFailed      = "ValidationFailed"
	CodeSignerUnavailable     = "SignerUnavailable"
	CodeUserRejected          = "UserRejected"
	CodeConnectionUnavailable = "ConnectionUnavailable"
	CodeInternal              = "Internal"
)

func NotFoundf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

func PermissionDeniedf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrPermissionDenied)
}

func ValidationFailedf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidationFailed)
}

func SignerUnavailablef(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrSignerUnavailable)
}

func UserRejectedf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrUserRejected)
}

func ConnectionUnavailablef(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConnectionUnavailable)
}

// Code maps err onto its wire code. Unmarked errors are internal.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrValidationFailed):
		return CodeValidationFailed
	case errors.Is(err, ErrSignerUnavailable):
		return CodeSignerUnavailable
	case errors.Is(err, ErrUserRejected):
		return CodeUserRejected
	case errors.Is(err, ErrConnectionUnavailable):
		return CodeConnectionUnavailable
	default:
		return CodeInternal
	}
}
