package app

import (
	"context"
	"io"
	"os"
	"strconv"

	"github.com/tphakala/questvision/internal/buildinfo"
	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/errors"
)

// Runner is shared by the commands. It holds the global flags, loads settings once and
// builds an App for the duration of a single command.
type Runner struct {
	ConfigPath string
	Debug      bool
	Output     string // table or json
	Stdout     io.Writer

	build    *buildinfo.Context
	options  []Option
	settings *conf.Settings
}

// NewRunner creates a Runner. opts are passed to every App it builds.
func NewRunner(build *buildinfo.Context, opts ...Option) *Runner {
	return &Runner{
		Output:  "table",
		Stdout:  os.Stdout,
		build:   build,
		options: opts,
	}
}

// Build returns the build metadata.
func (r *Runner) Build() *buildinfo.Context {
	return r.build
}

// UseSettings makes the runner skip loading and use s.
func (r *Runner) UseSettings(s *conf.Settings) {
	r.settings = s
}

// Settings loads settings from ConfigPath on first use.
func (r *Runner) Settings() (*conf.Settings, error) {
	if r.settings == nil {
		s, err := conf.Load(r.ConfigPath)
		if err != nil {
			return nil, err
		}
		r.settings = s
	}
	r.settings.Debug = r.settings.Debug || r.Debug
	r.settings.OutputFormat = r.Output
	return r.settings, nil
}

// Run builds an App, calls fn and closes the App whatever fn returns.
func (r *Runner) Run(ctx context.Context, fn func(ctx context.Context, a *App) error) (err error) {
	settings, err := r.Settings()
	if err != nil {
		return err
	}
	a, err := New(settings, r.build, r.options...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}

// ParseID parses a positive numeric id given on the command line.
func ParseID(arg, what string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 0)
	if err != nil || id == 0 {
		return 0, errors.Newf("invalid %s id %q", what, arg).
			Component("cli").
			Category(errors.CategoryValidation).
			Build()
	}
	return uint(id), nil
}
