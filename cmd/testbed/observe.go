package main

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/uber-go/tally/v4"
)

// switchHandler forwards to a handler that can be replaced after loggers were
// derived from it, so --log-format applies to every component.
type switchHandler struct {
	current atomic.Pointer[slog.Handler]
	root    *switchHandler
	derive  []func(slog.Handler) slog.Handler
}

func (h *switchHandler) set(next slog.Handler) {
	h.current.Store(&next)
}

func (h *switchHandler) handler() slog.Handler {
	base := h
	if h.root != nil {
		base = h.root
	}
	inner := *base.current.Load()
	for _, d := range h.derive {
		inner = d(inner)
	}
	return inner
}

func (h *switchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler().Enabled(ctx, level)
}

func (h *switchHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.handler().Handle(ctx, record)
}

func (h *switchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(inner slog.Handler) slog.Handler { return inner.WithAttrs(attrs) })
}

func (h *switchHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(inner slog.Handler) slog.Handler { return inner.WithGroup(name) })
}

func (h *switchHandler) with(d func(slog.Handler) slog.Handler) *switchHandler {
	root := h.root
	if root == nil {
		root = h
	}
	derive := make([]func(slog.Handler) slog.Handler, len(h.derive), len(h.derive)+1)
	copy(derive, h.derive)
	return &switchHandler{root: root, derive: append(derive, d)}
}

// logReporter is a tally reporter that writes the final metric values to the
// log when the root scope is closed.
type logReporter struct {
	logger *slog.Logger
}

var _ tally.StatsReporter = logReporter{}

func newLogReporter(logger *slog.Logger) logReporter {
	return logReporter{logger: logger.With("component", "metrics")}
}

func (r logReporter) ReportCounter(name string, _ map[string]string, value int64) {
	r.logger.Info("counter", "name", name, "value", value)
}

func (r logReporter) ReportGauge(name string, _ map[string]string, value float64) {
	r.logger.Info("gauge", "name", name, "value", value)
}

func (r logReporter) ReportTimer(name string, _ map[string]string, interval time.Duration) {
	r.logger.Debug("timer", "name", name, "value", interval)
}

func (r logReporter) ReportHistogramValueSamples(name string, _ map[string]string, _ tally.Buckets, lower, upper float64, samples int64) {
	r.logger.Debug("histogram", "name", name, "lower", lower, "upper", upper, "samples", samples)
}

func (r logReporter) ReportHistogramDurationSamples(name string, _ map[string]string, _ tally.Buckets, lower, upper time.Duration, samples int64) {
	r.logger.Debug("histogram", "name", name, "lower", lower, "upper", upper, "samples", samples)
}

func (r logReporter) Capabilities() tally.Capabilities { return r }

func (logReporter) Reporting() bool { return true }

func (logReporter) Tagging() bool { return false }

func (logReporter) Flush() {}
