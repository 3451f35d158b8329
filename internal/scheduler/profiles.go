package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage"
)

// Profile is a named bulk frequency preset applied across the whole
// schedule table.
type Profile struct {
	Name string

	// Default applies to every collector without an override.
	Default time.Duration

	// Overrides pins specific collectors, typically the fast raw-capture
	// stages that feed the chain trigger.
	Overrides map[string]time.Duration
}

// Built-in profiles. Capture collectors stay fast in every profile so the
// raw event buffers never fall far behind the source ring buffers.
var profiles = map[string]Profile{
	"realtime": {
		Name:    "realtime",
		Default: 1 * time.Minute,
	},
	"balanced": {
		Name:    "balanced",
		Default: 5 * time.Minute,
		Overrides: map[string]time.Duration{
			"blocked_process": 1 * time.Minute,
			"deadlock":        1 * time.Minute,
		},
	},
	"baseline": {
		Name:    "baseline",
		Default: 15 * time.Minute,
		Overrides: map[string]time.Duration{
			"blocked_process": 5 * time.Minute,
			"deadlock":        5 * time.Minute,
		},
	},
}

// ProfileNames returns the available profile names, sorted.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ApplyProfile bulk-sets collection frequencies on every schedule row.
// Enabled flags and duration ceilings are untouched.
func ApplyProfile(ctx context.Context, store storage.ScheduleStore, logger *zap.Logger, name string) error {
	p, ok := profiles[name]
	if !ok {
		return fmt.Errorf("unknown schedule profile %q (have %v)", name, ProfileNames())
	}

	entries, err := store.ListSchedule(ctx)
	if err != nil {
		return fmt.Errorf("reading schedule: %w", err)
	}

	for _, e := range entries {
		freq := p.Default
		if o, ok := p.Overrides[e.CollectorName]; ok {
			freq = o
		}
		if err := store.SetFrequency(ctx, e.CollectorName, freq, nil, nil); err != nil {
			return fmt.Errorf("applying profile %s to %s: %w", name, e.CollectorName, err)
		}
	}

	logger.Info("Applied schedule profile",
		zap.String("profile", name),
		zap.Int("collectors", len(entries)))
	return nil
}
