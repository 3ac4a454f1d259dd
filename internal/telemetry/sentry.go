// Package telemetry reports unexpected errors to Sentry. Reporting is opt-in and every
// event passes through privacy filters before it leaves the process.
package telemetry

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/questvision/internal/buildinfo"
	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
	"github.com/tphakala/questvision/internal/privacy"
)

const defaultFlushTimeout = 2 * time.Second

// Reporter implements errors.TelemetryReporter on top of a Sentry hub.
type Reporter struct {
	hub     *sentry.Hub
	enabled bool
	log     logger.Logger
}

// Option adjusts the Sentry client options before the client is created.
type Option func(*sentry.ClientOptions)

// WithTransport replaces the HTTP transport, mainly for tests.
func WithTransport(t sentry.Transport) Option {
	return func(o *sentry.ClientOptions) {
		o.Transport = t
	}
}

// New creates a reporter. A disabled reporter is returned when telemetry is not enabled,
// so callers can install it unconditionally.
func New(settings *conf.SentrySettings, build *buildinfo.Context, l logger.Logger, opts ...Option) (*Reporter, error) {
	if l == nil {
		l = logger.NewNop()
	}
	log := l.Module("telemetry")

	if !settings.Enabled {
		log.Debug("sentry telemetry is disabled (opt-in required)")
		return &Reporter{log: log}, nil
	}
	if settings.DSN == "" {
		return nil, errors.Newf("sentry is enabled but no dsn is configured").
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	options := sentry.ClientOptions{
		Dsn:              settings.DSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      "production",
		ServerName:       "", // never leak the hostname
		Release:          build.Release(),
		BeforeSend:       applyPrivacyFilters,
	}
	for _, opt := range opts {
		opt(&options)
	}

	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, errors.New(privacy.WrapError(err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	hub := sentry.NewHub(client, sentry.NewScope())
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetContext("application", map[string]any{
			"name":    "QuestVision",
			"version": build.GetVersion(),
		})
	})

	log.Info("sentry telemetry initialized", logger.String("release", options.Release))
	return &Reporter{hub: hub, enabled: true, log: log}, nil
}

// IsEnabled implements errors.TelemetryReporter.
func (r *Reporter) IsEnabled() bool {
	return r != nil && r.enabled
}

// ReportError implements errors.TelemetryReporter. Each error is sent at most once.
func (r *Reporter) ReportError(ee *errors.EnhancedError) {
	if !r.IsEnabled() || ee == nil || ee.IsReported() {
		return
	}

	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.Component)
		scope.SetTag("category", string(ee.Category))
		if ee.Priority != "" {
			scope.SetTag("priority", ee.Priority)
		}
		scope.SetLevel(levelFor(ee))
		scope.SetFingerprint([]string{ee.Component, string(ee.Category), privacy.ScrubMessage(ee.Error())})
		if ctx := ee.GetContext(); len(ctx) > 0 {
			scope.SetContext("error", scrubContext(ctx))
		}
		r.hub.CaptureException(ee)
	})
	ee.MarkReported()
}

// Flush waits up to timeout for buffered events to be delivered.
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.IsEnabled() {
		return true
	}
	if timeout <= 0 {
		timeout = defaultFlushTimeout
	}
	ok := r.hub.Flush(timeout)
	if !ok {
		r.log.Warn("sentry flush timed out", logger.Duration("timeout", timeout))
	}
	return ok
}

func levelFor(ee *errors.EnhancedError) sentry.Level {
	switch ee.Priority {
	case errors.PriorityCritical:
		return sentry.LevelFatal
	case errors.PriorityLow:
		return sentry.LevelWarning
	}
	switch ee.Category {
	case errors.CategoryTimeout, errors.CategoryNotification:
		return sentry.LevelWarning
	default:
		return sentry.LevelError
	}
}

func scrubContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		if s, ok := v.(string); ok {
			v = privacy.ScrubMessage(s)
		}
		out[k] = v
	}
	return out
}

// applyPrivacyFilters strips host identity and scrubs free text on every event.
func applyPrivacyFilters(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}

	event.Message = privacy.ScrubMessage(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = privacy.ScrubMessage(event.Exception[i].Value)
	}
	return event
}
