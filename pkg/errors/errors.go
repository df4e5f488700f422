package errors

import "errors"

// ErrNoDSN indicates Sentry was not configured.
var ErrNoDSN = errors.New("sentry DSN is not configured")
