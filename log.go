package quell

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Log levels, from quiet to verbose. The numeric scale is process-wide and
// applies to every engine instance.
const (
	LogNone    = 0
	LogCore    = 1
	LogSystem  = 2
	LogSevere  = 3
	LogWarning = 4
	LogInfo    = 5
	LogConfig  = 6
	LogFine    = 7
	LogFiner   = 8
	LogFinest  = 9
	LogAll     = 10
)

var logLevel atomic.Int64

func init() { logLevel.Store(LogCore) }

// SetLogLevel sets the process-wide diagnostic log level. Values outside
// [LogNone, LogAll] are clamped.
func SetLogLevel(level int64) {
	if level < LogNone {
		level = LogNone
	}
	if level > LogAll {
		level = LogAll
	}
	logLevel.Store(level)
}

// GetLogLevel returns the process-wide diagnostic log level.
func GetLogLevel() int64 { return logLevel.Load() }

// slogThreshold maps the numeric level onto the minimum slog level that is
// currently enabled.
func slogThreshold() slog.Level {
	switch lvl := logLevel.Load(); {
	case lvl <= LogNone:
		return slog.LevelError + 4 // nothing passes
	case lvl <= LogSevere:
		return slog.LevelError
	case lvl == LogWarning:
		return slog.LevelWarn
	case lvl <= LogConfig:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// cherrHandler is a slog.Handler that renders records as single lines and
// routes them through an engine's cherr channel, so embedding hosts see
// engine logging wherever they pointed diagnostics.
type cherrHandler struct {
	out   *output
	attrs []slog.Attr
}

func newLogger(out *output) *slog.Logger {
	return slog.New(&cherrHandler{out: out})
}

func (h *cherrHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slogThreshold()
}

func (h *cherrHandler) Handle(_ context.Context, r slog.Record) error {
	line := "[quell]: " + r.Message
	for _, a := range h.attrs {
		line += " " + a.String()
	}
	r.Attrs(func(a slog.Attr) bool {
		line += " " + a.String()
		return true
	})
	h.out.Cherr(line)
	return nil
}

func (h *cherrHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &cherrHandler{out: h.out, attrs: merged}
}

func (h *cherrHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.WithAttrs([]slog.Attr{slog.String("group", name)})
}

// errorf logs through cherr and returns the formatted error. Used on paths
// where the public surface reports failure as a bool but the cause still
// needs to reach the diagnostic channel.
func (o *output) errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	o.Cherr("[quell]: " + err.Error())
	return err
}
