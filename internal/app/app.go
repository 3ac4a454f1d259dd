// Package app wires settings, logging, storage, the remote adapter and the services into
// one context handed to the commands.
package app

import (
	"time"

	"github.com/tphakala/questvision/internal/buildinfo"
	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/datastore"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
	"github.com/tphakala/questvision/internal/notification"
	"github.com/tphakala/questvision/internal/observability"
	"github.com/tphakala/questvision/internal/questions"
	"github.com/tphakala/questvision/internal/reconcile"
	"github.com/tphakala/questvision/internal/telemetry"
	"github.com/tphakala/questvision/internal/training"
	"github.com/tphakala/questvision/internal/uploads"
	"github.com/tphakala/questvision/internal/vision"
	"github.com/tphakala/questvision/internal/vision/customvision"
)

const telemetryFlushTimeout = 2 * time.Second

// App holds the long-lived components of one process.
type App struct {
	Settings  *conf.Settings
	Build     *buildinfo.Context
	Log       logger.Logger
	Store     datastore.Interface
	Adapter   vision.Adapter // nil when the vision service is not configured
	Files     *uploads.Store
	Engine    *reconcile.Engine
	Training  *training.Orchestrator
	Questions *questions.Service
	Metrics   *observability.Metrics // nil when metrics are disabled

	central   *logger.CentralLogger
	telemetry *telemetry.Reporter
	vision    *customvision.Client
	closers   []func() error
}

// Option customizes New.
type Option func(*options)

type options struct {
	log             logger.Logger
	adapter         vision.Adapter
	notifier        training.Notifier
	telemetryOpts   []telemetry.Option
	skipVisionSetup bool
}

// WithLogger replaces the central logger built from settings.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithAdapter injects a vision adapter instead of the Custom Vision client.
func WithAdapter(a vision.Adapter) Option {
	return func(o *options) {
		o.adapter = a
		o.skipVisionSetup = true
	}
}

// WithNotifier injects the training notifier instead of the shoutrrr one.
func WithNotifier(n training.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithTelemetryOptions passes options through to the telemetry reporter.
func WithTelemetryOptions(opts ...telemetry.Option) Option {
	return func(o *options) { o.telemetryOpts = append(o.telemetryOpts, opts...) }
}

// New builds every component. On failure the components created so far are closed.
func New(settings *conf.Settings, build *buildinfo.Context, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if build == nil {
		build = buildinfo.Current()
	}

	a := &App{Settings: settings, Build: build}
	if err := a.init(o); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Log.Debug("application initialized",
		logger.String("version", build.GetVersion()),
		logger.Bool("vision_configured", a.Adapter != nil),
		logger.Bool("metrics_enabled", a.Metrics != nil))
	return a, nil
}

func (a *App) init(o *options) error {
	if err := a.initLogger(o); err != nil {
		return err
	}
	if err := a.initTelemetry(o); err != nil {
		return err
	}
	if err := a.initMetrics(); err != nil {
		return err
	}
	if err := a.initStore(); err != nil {
		return err
	}
	a.initAdapter(o)

	files, err := uploads.New(&a.Settings.Storage, a.Log)
	if err != nil {
		return err
	}
	a.Files = files
	a.closers = append(a.closers, files.Close)

	a.Engine = reconcile.New(a.Store, a.Adapter, a.Settings, a.Log, reconcile.WithFileRemover(files))

	trainingOpts, err := a.trainingOptions(o)
	if err != nil {
		return err
	}
	a.Training = training.New(a.Store, a.Adapter, a.Engine, a.Settings, a.Log, trainingOpts...)
	a.Questions = questions.New(a.Store, a.Adapter, files, a.Engine, a.Training, a.Settings, a.Log)
	return nil
}

func (a *App) initLogger(o *options) error {
	if o.log != nil {
		a.Log = o.log
	} else {
		cfg := a.Settings.Logging
		if a.Settings.Debug {
			cfg.DefaultLevel = "debug"
			cfg.Console.Level = "debug"
		}
		central, err := logger.NewCentralLogger(&cfg)
		if err != nil {
			return err
		}
		a.central = central
		a.Log = central.Module("app")
	}

	for _, w := range a.Settings.Warnings {
		a.Log.Warn("configuration warning", logger.String("warning", w))
	}
	return nil
}

func (a *App) initTelemetry(o *options) error {
	reporter, err := telemetry.New(&a.Settings.Sentry, a.Build, a.Log, o.telemetryOpts...)
	if err != nil {
		return err
	}
	a.telemetry = reporter
	if reporter.IsEnabled() {
		errors.SetTelemetryReporter(reporter)
	}
	return nil
}

func (a *App) initMetrics() error {
	if !a.Settings.Metrics.Enabled {
		return nil
	}
	m, err := observability.NewMetrics()
	if err != nil {
		return errors.New(err).
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}
	a.Metrics = m
	return nil
}

func (a *App) initStore() error {
	store, err := datastore.New(a.Settings, a.Log)
	if err != nil {
		return err
	}
	if err := store.Open(); err != nil {
		return err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// initAdapter leaves Adapter nil when credentials are missing; commands that need the
// remote service then fail with errors.ErrAdapterUnavailable.
func (a *App) initAdapter(o *options) {
	if o.skipVisionSetup {
		a.Adapter = o.adapter
		return
	}
	var clientOpts []customvision.Option
	if a.Metrics != nil {
		clientOpts = append(clientOpts, customvision.WithMetrics(a.Metrics.Vision))
	}
	client, err := customvision.New(&a.Settings.Vision, a.Log, clientOpts...)
	if err != nil {
		a.Log.Debug("vision service not configured", logger.Error(err))
		return
	}
	a.vision = client
	a.Adapter = client
}

func (a *App) trainingOptions(o *options) ([]training.Option, error) {
	var opts []training.Option
	if a.Metrics != nil {
		opts = append(opts, training.WithMetrics(a.Metrics.Training))
	}

	switch {
	case o.notifier != nil:
		opts = append(opts, training.WithNotifier(o.notifier))
	case a.Settings.Notification.Enabled:
		n, err := notification.New(a.Settings, a.Log)
		if err != nil {
			return nil, err
		}
		opts = append(opts, training.WithNotifier(n))
	}
	return opts, nil
}

// Close stops background training, writes the metrics textfile, flushes telemetry and
// releases the store and files. Active remote runs stay in RemoteTraining.
func (a *App) Close() error {
	var errs []error

	if a.Training != nil {
		if err := a.Training.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Metrics != nil && a.Settings.Metrics.TextfilePath != "" {
		if err := a.Metrics.WriteTextfile(a.Settings.Metrics.TextfilePath); err != nil {
			a.Log.Warn("failed to write metrics textfile", logger.Error(err))
			errs = append(errs, err)
		}
	}
	if a.vision != nil {
		a.vision.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil

	if a.telemetry.IsEnabled() {
		a.telemetry.Flush(telemetryFlushTimeout)
		errors.SetTelemetryReporter(nil)
	}
	if a.central != nil {
		if err := a.central.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
