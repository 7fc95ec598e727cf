package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler(time.Second)
	if err := s.AddJob("noop", "* * * * *", func(context.Context) error { return nil }); err != nil {
		t.Errorf("expected no error adding job, got %v", err)
	}
	if err := s.AddJob("bad", "every minute", func(context.Context) error { return nil }); err == nil {
		t.Errorf("expected error for invalid spec")
	}
	if err := s.AddJob("seconds", "* * * * * *", func(context.Context) error { return nil }); err == nil {
		t.Errorf("six-field specs are not accepted")
	}
	if s.Len() != 1 {
		t.Errorf("expected one scheduled job, got %d", s.Len())
	}
}

func TestSchedulerDefaultSpec(t *testing.T) {
	s := NewScheduler(0)
	if err := s.AddJob("outbox", DefaultOutboxRecoverySpec, func(context.Context) error { return errors.New("x") }); err != nil {
		t.Fatalf("default spec rejected: %v", err)
	}
}

func TestSchedulerRunStops(t *testing.T) {
	s := NewScheduler(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
