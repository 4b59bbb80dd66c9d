// Package watchdog implements the in-process health ticker (spec
// §4.11): periodically probe the daemon's own stores and report
// unhealthy conditions. Grounded on heartbeat.go's ticker/goroutine
// shape.
package watchdog

import (
	"context"
	"log/slog"
	"time"
)

// Probe reports a named health check's error, if any.
type Probe func(ctx context.Context) error

// Watchdog runs a set of named probes on a fixed interval.
type Watchdog struct {
	interval time.Duration
	logger   *slog.Logger
	probes   map[string]Probe

	onUnhealthy func(name string, err error)
}

// New constructs a Watchdog with the given tick interval.
func New(interval time.Duration, logger *slog.Logger) *Watchdog {
	return &Watchdog{interval: interval, logger: logger, probes: make(map[string]Probe)}
}

// Register adds a named probe.
func (w *Watchdog) Register(name string, p Probe) {
	w.probes[name] = p
}

// OnUnhealthy sets the callback invoked whenever a probe returns an
// error, e.g. to increment a restart-count metric.
func (w *Watchdog) OnUnhealthy(fn func(name string, err error)) {
	w.onUnhealthy = fn
}

// Run blocks, ticking every interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watchdog) tick(ctx context.Context) {
	for name, probe := range w.probes {
		probeCtx, cancel := context.WithTimeout(ctx, w.interval/2)
		err := probe(probeCtx)
		cancel()
		if err != nil {
			w.logger.Error("watchdog probe failed", "probe", name, "error", err)
			if w.onUnhealthy != nil {
				w.onUnhealthy(name, err)
			}
		}
	}
}
