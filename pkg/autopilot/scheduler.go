package autopilot

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/rover/pkg/logging"
)

// Stage is a single pipeline processor. Poll drains whatever work the stage
// currently has; errors are reported for logging but never stop the loop.
type Stage interface {
	Name() string
	Poll(ctx context.Context) error
}

// registration pairs a stage with its relative start offset. Offsets
// stagger the stages so that within one poll interval the pipeline runs in
// declared order: workflow before review before commit and so on.
type registration struct {
	stage  Stage
	offset time.Duration
}

// Scheduler runs each registered stage on its own ticker. Stage order is
// explicit: registration order plus the per-stage offset determines when a
// stage first fires relative to the others.
type Scheduler struct {
	interval time.Duration
	regs     []registration
	logger   *logging.Logger
}

// NewScheduler creates a scheduler with a shared poll interval.
func NewScheduler(interval time.Duration, logger *logging.Logger) *Scheduler {
	return &Scheduler{interval: interval, logger: logger}
}

// Register adds a stage with a relative start offset.
func (s *Scheduler) Register(stage Stage, offset time.Duration) {
	s.regs = append(s.regs, registration{stage: stage, offset: offset})
}

// Run starts every registered stage and blocks until ctx is cancelled and
// all in-flight polls have returned.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, reg := range s.regs {
		wg.Add(1)
		go func(reg registration) {
			defer wg.Done()
			s.runStage(ctx, reg)
		}(reg)
	}
	wg.Wait()
}

func (s *Scheduler) runStage(ctx context.Context, reg registration) {
	if reg.offset > 0 {
		select {
		case <-time.After(reg.offset):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.poll(ctx, reg.stage)
	for {
		select {
		case <-ticker.C:
			s.poll(ctx, reg.stage)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) poll(ctx context.Context, stage Stage) {
	if err := stage.Poll(ctx); err != nil {
		s.logger.Errorf("stage %s: %v", stage.Name(), err)
	}
}
