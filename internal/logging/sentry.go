package logging

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/ebfe/scard"
	"github.com/getsentry/sentry-go"
)

// Crash reporting is opt-in and has no built-in DSN.
const (
	envSentry      = "PCSC_SIM_SENTRY"
	envSentryDSN   = "PCSC_SIM_SENTRY_DSN"
	envEnvironment = "PCSC_SIM_ENVIRONMENT"
)

var sentryEnabled atomic.Bool

// sentryOptIn applies the PCSC_SIM_SENTRY override ("1" or "0") to the
// user setting.
func sentryOptIn(setting bool) bool {
	switch os.Getenv(envSentry) {
	case "1":
		return true
	case "0":
		return false
	}
	return setting
}

// InitSentry starts Sentry when crash reporting is enabled and a DSN is set.
// It reports whether Sentry is active.
func InitSentry(version string, crashReportingEnabled bool) bool {
	if !sentryOptIn(crashReportingEnabled) {
		return false
	}
	dsn := os.Getenv(envSentryDSN)
	if dsn == "" {
		return false
	}

	env := os.Getenv(envEnvironment)
	if env == "" {
		env = "production"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "pcsc-sim@" + version,
		Environment:      env,
		AttachStacktrace: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize Sentry: %v\n", err)
		return false
	}

	sentryEnabled.Store(true)
	return true
}

// SentryEnabled reports whether events are being sent.
func SentryEnabled() bool {
	return sentryEnabled.Load()
}

// FlushSentry waits up to timeout for buffered events. Call before exit.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled.Load() {
		sentry.Flush(timeout)
	}
}

// CapturePanic sends a recovered panic and flushes right away.
func CapturePanic(panicValue any, stack []byte, where string) {
	if !sentryEnabled.Load() {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("panic_context", where)
		scope.SetExtra("stack_trace", string(stack))
		scope.SetLevel(sentry.LevelFatal)

		if err, ok := panicValue.(error); ok {
			sentry.CaptureException(err)
		} else {
			sentry.CaptureMessage(fmt.Sprintf("%v", panicValue))
		}
	})
	sentry.Flush(2 * time.Second)
}

// CaptureError sends an unexpected error. PC/SC codes are attached as the
// pcsc_code tag.
func CaptureError(err error, where string, data map[string]any) {
	if !sentryEnabled.Load() || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_context", where)
		var code scard.Error
		if errors.As(err, &code) {
			scope.SetTag("pcsc_code", fmt.Sprintf("0x%08X", uint32(code)))
		}
		for k, v := range data {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}
