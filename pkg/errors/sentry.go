package errors

import (
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryConfig holds configuration for Sentry integration
type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
	ServerName  string
	Debug       bool
}

// DefaultSentryConfig returns a configuration read from the environment
func DefaultSentryConfig() *SentryConfig {
	return &SentryConfig{
		DSN:         os.Getenv("SENTRY_DSN"),
		Environment: os.Getenv("ENVIRONMENT"),
		Release:     os.Getenv("SENTRY_RELEASE"),
		ServerName:  os.Getenv("SERVICE_NAME"),
		Debug:       os.Getenv("SENTRY_DEBUG") == "true",
	}
}

// InitSentry initializes the Sentry SDK. A missing DSN is an error so
// callers can log and continue without tracking.
func InitSentry(cfg *SentryConfig) error {
	if cfg.DSN == "" {
		return ErrNoDSN
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		ServerName:       cfg.ServerName,
		Debug:            cfg.Debug,
		AttachStacktrace: true,
	})
}

// CaptureError reports a non-fatal error with tags.
func CaptureError(err error, tags map[string]string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// CaptureFatal reports a fatal-class error (invariant violation, storage
// past retry ceiling, clock regression). These are alerts, never masked.
func CaptureFatal(err error, tags map[string]string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent.
func Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}
