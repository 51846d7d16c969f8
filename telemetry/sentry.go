// Package telemetry wires optional crash reporting into the log pipeline.
// It is a no-op until a DSN is configured, mirroring how the teacher's
// go.mod carried evalphobia/logrus_sentry without ever registering it: here
// it actually gets registered, behind an explicit opt-in.
package telemetry

import (
	"fmt"

	raven "github.com/getsentry/raven-go"
	"github.com/evalphobia/logrus_sentry"
	"github.com/sirupsen/logrus"
)

// InstallSentry attaches a Sentry hook to log so Error level and above are
// shipped to dsn. Returns a no-op teardown and nil error when dsn is empty.
func InstallSentry(log *logrus.Logger, dsn string) (func(), error) {
	if dsn == "" {
		return func() {}, nil
	}

	hook, err := logrus_sentry.NewSentryHook(dsn, []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: install sentry hook: %w", err)
	}
	hook.Timeout = 0 // don't block block-processing on a slow Sentry endpoint
	hook.StacktraceConfiguration.Enable = true

	log.AddHook(hook)
	return func() { raven.Close() }, nil
}
