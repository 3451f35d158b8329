// Package collector implements the generic collection engine: one
// parameterized unit of work per metric domain instead of duplicated
// orchestration code. Three kinds exist — snapshot collectors sample
// cumulative counters and gauges from the engine's introspection views,
// capture collectors buffer raw diagnostic payloads, and parse collectors
// turn buffered payloads into structured rows. All of them write exactly
// one terminal run log entry per invocation.
package collector

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
)

// ErrSkip signals an expected degraded condition: a prerequisite feature is
// not configured and the collector has nothing to do. Samplers wrap it; the
// run is logged SKIPPED and returns normally.
var ErrSkip = errors.New("collector prerequisites not met")

// Collector is a unit of collection work dispatched by the master scheduler
// or a chain trigger. Run must be safe to invoke concurrently with its own
// next scheduled tick; the storage layer's bounded locking guards the
// shared state.
type Collector interface {
	// Name returns the unique collector identifier, matching its
	// schedule table row.
	Name() string

	// Domain returns the descriptor the collector is parameterized by.
	Domain() models.Domain

	// Run executes one collection cycle. Unexpected errors are recorded
	// in the run log and re-raised; expected degraded conditions are
	// logged SKIPPED and return nil.
	Run(ctx context.Context, debug bool) error
}

// Sampler reads the current raw counters for a domain from the monitored
// server. The since argument is the collector's cutoff; samplers of
// point-in-time views ignore it, samplers of event streams filter by it.
type Sampler interface {
	Sample(ctx context.Context, since time.Time) ([]models.Snapshot, error)
}

// EventSampler captures raw diagnostic payloads newer than since.
type EventSampler interface {
	CaptureEvents(ctx context.Context, since time.Time) ([]models.RawEvent, error)
}

// Parser turns raw diagnostic payloads into structured snapshot rows.
type Parser interface {
	Parse(ctx context.Context, events []models.RawEvent) ([]models.Snapshot, error)
}

// Registry maps collector names to collectors for dispatch. Unlike a
// fan-out registry, lookups are by name and dispatch order is owned by the
// scheduler.
type Registry struct {
	byName map[string]Collector
	order  []string
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{byName: make(map[string]Collector), logger: logger}
}

// Register adds a collector. A duplicate name replaces the previous entry
// and is logged, since it is almost always a wiring mistake.
func (r *Registry) Register(c Collector) {
	if _, dup := r.byName[c.Name()]; dup {
		r.logger.Warn("Replacing duplicate collector registration", zap.String("name", c.Name()))
	} else {
		r.order = append(r.order, c.Name())
	}
	r.byName[c.Name()] = c
	r.logger.Debug("Registered collector", zap.String("name", c.Name()))
}

// Lookup returns the named collector.
func (r *Registry) Lookup(name string) (Collector, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Collectors returns all registered collectors in registration order.
func (r *Registry) Collectors() []Collector {
	out := make([]Collector, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}
