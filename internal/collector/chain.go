package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/models"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage"
)

// runChain invokes downstream stages in fixed order immediately after a
// capture collector commits new rows. Chaining is a latency optimization
// only: every stage failure is caught, logged as CHAIN_ERROR against the
// triggering collector (the message names the failed stage), and the next
// stage still runs. The same stages also run on their own schedule, so the
// pipeline stays correct if the whole hook list is removed.
func runChain(ctx context.Context, log storage.RunLog, logger *zap.Logger, clock func() time.Time, trigger string, stages []Collector, debug bool) {
	for _, stage := range stages {
		started := clock()
		if err := runStage(ctx, stage, debug); err != nil {
			appendEntry(ctx, log, logger, newEntry(clock(), started, trigger, uuid.NewString(),
				models.StatusChainError, 0, fmt.Sprintf("%s: %v", stage.Name(), err)))
			logger.Warn("Chain stage failed",
				zap.String("trigger", trigger),
				zap.String("stage", stage.Name()),
				zap.Error(err))
		}
	}
}

// runStage isolates one stage invocation, converting panics to errors so a
// broken stage cannot take down the trigger initiator.
func runStage(ctx context.Context, stage Collector, debug bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in chain stage: %v", r)
		}
	}()
	return stage.Run(ctx, debug)
}
