package upstream

import (
	"errors"
	"net/http"

	"github.com/rotisserie/eris"
)

// Sentinel error kinds the dispatcher maps to IMAP/SMTP reply codes. These
// are compared with errors.Is against the wrapped chain eris produces.
var (
	ErrAuthFailed      = errors.New("upstream: authentication failed")
	ErrNotFound        = errors.New("upstream: resource not found")
	ErrConflict        = errors.New("upstream: conflict")
	ErrTransient       = errors.New("upstream: transient failure")
	ErrPermanent       = errors.New("upstream: permanent failure")
	ErrRateLimited     = errors.New("upstream: rate limited")
)

// classify maps an HTTP status code to a sentinel error kind, wrapped with
// eris so dispatcher-level logging can print a stack trace for Internal
// errors without hand-rolled string concatenation.
func classify(status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return eris.Wrapf(ErrAuthFailed, "upstream returned %d: %s", status, body)
	case status == http.StatusNotFound:
		return eris.Wrapf(ErrNotFound, "upstream returned %d: %s", status, body)
	case status == http.StatusConflict:
		return eris.Wrapf(ErrConflict, "upstream returned %d: %s", status, body)
	case status == http.StatusTooManyRequests:
		return eris.Wrapf(ErrRateLimited, "upstream returned %d: %s", status, body)
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return eris.Wrapf(ErrTransient, "upstream returned %d: %s", status, body)
	case status >= 500:
		return eris.Wrapf(ErrTransient, "upstream returned %d: %s", status, body)
	case status >= 400:
		return eris.Wrapf(ErrPermanent, "upstream returned %d: %s", status, body)
	default:
		return nil
	}
}

// Retryable reports whether err should trigger a retry attempt: transport
// errors, HTTP 429, and every 5xx status (classify maps all of them to
// ErrTransient), as opposed to a permanent rejection.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}
