package tsdf

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// nopHandler discards every record. Enabled reports false so callers skip
// attribute formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger used by tsdf and its sub-packages
// (fusion, raycast, visual, pipeline, gpu). By default nothing is logged.
// Pass nil to restore the silent default.
//
// Log levels:
//   - [slog.LevelDebug]: per-frame statistics (visible blocks, missing points)
//   - [slog.LevelInfo]: lifecycle events (volume created, accelerator selected, save/load)
//   - [slog.LevelWarn]: hash or pool exhaustion, GPU fallback to CPU
//
// Example:
//
//	tsdf.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	if a := RegisteredAccelerator(); a != nil {
		propagateLogger(a, l)
	}
}

// Logger returns the current logger. Safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

type loggerSetter interface {
	SetLogger(*slog.Logger)
}

func propagateLogger(a Accelerator, l *slog.Logger) {
	if ls, ok := a.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}

// warnLimiter emits at most one warning per interval. Exhaustion can be hit
// by every pixel of every frame once the volume is full.
type warnLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (w *warnLimiter) Warn(msg string, args ...any) {
	now := time.Now().UnixNano()
	prev := w.last.Load()
	if prev != 0 && now-prev < int64(w.interval) {
		return
	}
	if !w.last.CompareAndSwap(prev, now) {
		return
	}
	Logger().Warn(msg, args...)
}
