package worker

import (
	"errors"
	"fmt"

	"content-catalog/internal/models"
	"content-catalog/internal/ratelimit"
)

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The dispatcher fails the job
// terminally regardless of remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err or anything it wraps was marked Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type quotaDeniedError struct {
	api      string
	decision ratelimit.Decision
}

func (e quotaDeniedError) Error() string {
	return fmt.Sprintf("%s not admitted: %s", e.api, e.decision.Reason)
}

// QuotaDenied reports that a handler was refused a call to api. The
// dispatcher defers the job instead of failing it.
func QuotaDenied(api string, d ratelimit.Decision) error {
	return quotaDeniedError{api: api, decision: d}
}

func asQuotaDenied(err error) (quotaDeniedError, bool) {
	var q quotaDeniedError
	ok := errors.As(err, &q)
	return q, ok
}

type detailedError struct {
	err     error
	details models.Payload
}

func (e detailedError) Error() string { return e.err.Error() }
func (e detailedError) Unwrap() error { return e.err }

// WithDetails attaches structured context that is stored in the job's
// error_details when the attempt fails.
func WithDetails(err error, details models.Payload) error {
	if err == nil {
		return nil
	}
	return detailedError{err: err, details: details}
}

func detailsOf(err error) models.Payload {
	out := models.Payload{"error": err.Error()}
	var d detailedError
	if errors.As(err, &d) {
		for k, v := range d.details {
			out[k] = v
		}
	}
	if IsPermanent(err) {
		out["permanent"] = true
	}
	return out
}
