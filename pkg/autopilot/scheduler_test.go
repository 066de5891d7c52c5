package autopilot

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/entrhq/rover/pkg/logging"
)

type countingStage struct {
	name  string
	polls atomic.Int64
}

func (s *countingStage) Name() string { return s.name }

func (s *countingStage) Poll(_ context.Context) error {
	s.polls.Add(1)
	return nil
}

func TestSchedulerPollsRegisteredStages(t *testing.T) {
	logger, err := logging.NewLogger("scheduler-test")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	sched := NewScheduler(10*time.Millisecond, logger)
	first := &countingStage{name: "first"}
	second := &countingStage{name: "second"}
	sched.Register(first, 0)
	sched.Register(second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on context cancellation")
	}

	if first.polls.Load() < 2 {
		t.Errorf("first stage polled %d times, want at least 2", first.polls.Load())
	}
	if second.polls.Load() < 1 {
		t.Errorf("second stage polled %d times, want at least 1", second.polls.Load())
	}
}

func TestSchedulerStopsBeforeOffsetElapses(t *testing.T) {
	logger, err := logging.NewLogger("scheduler-test")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	sched := NewScheduler(10*time.Millisecond, logger)
	delayed := &countingStage{name: "delayed"}
	sched.Register(delayed, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler blocked on a cancelled context")
	}
	if delayed.polls.Load() != 0 {
		t.Errorf("delayed stage polled %d times before its offset", delayed.polls.Load())
	}
}
