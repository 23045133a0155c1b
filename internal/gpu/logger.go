//go:build !nogpu

package gpu

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// discard drops every record. The integrator stays quiet until tsdf.SetLogger
// hands it a logger through Integrator.SetLogger.
type discard struct{}

func (discard) Enabled(context.Context, slog.Level) bool  { return false }
func (discard) Handle(context.Context, slog.Record) error { return nil }
func (discard) WithAttrs([]slog.Attr) slog.Handler        { return discard{} }
func (discard) WithGroup(string) slog.Handler             { return discard{} }

var (
	silent  = slog.New(discard{})
	current atomic.Pointer[slog.Logger]
)

func init() { current.Store(silent) }

func logger() *slog.Logger { return current.Load() }

func setLogger(l *slog.Logger) {
	if l == nil {
		l = silent
	}
	current.Store(l)
}
