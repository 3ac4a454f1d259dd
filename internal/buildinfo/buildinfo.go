// Package buildinfo holds build-time metadata injected through -ldflags. It is kept apart
// from conf because none of it is user-configurable.
package buildinfo

import "fmt"

// UnknownValue is reported for metadata the build did not set.
const UnknownValue = "unknown"

// Set with -ldflags "-X github.com/tphakala/questvision/internal/buildinfo.version=..."
var (
	version   string
	buildDate string
)

// Context contains build-time metadata.
type Context struct {
	Version   string
	BuildDate string
}

// NewContext creates a Context, substituting UnknownValue for empty fields.
func NewContext(version, buildDate string) *Context {
	return &Context{Version: orUnknown(version), BuildDate: orUnknown(buildDate)}
}

// Current returns the metadata linked into this binary.
func Current() *Context {
	return NewContext(version, buildDate)
}

// GetVersion returns the build version string
func (c *Context) GetVersion() string {
	if c == nil {
		return UnknownValue
	}
	return orUnknown(c.Version)
}

// GetBuildDate returns the build date string
func (c *Context) GetBuildDate() string {
	if c == nil {
		return UnknownValue
	}
	return orUnknown(c.BuildDate)
}

// Release is the release identifier reported to telemetry.
func (c *Context) Release() string {
	return fmt.Sprintf("questvision@%s", c.GetVersion())
}

func orUnknown(s string) string {
	if s == "" {
		return UnknownValue
	}
	return s
}
