package supervisor

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStopWaitsForGoroutines(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	done := make(chan struct{})
	s.Go("worker", func(ctx context.Context) error {
		<-ctx.Done()
		close(done)
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-done:
	default:
		t.Fatal("Stop returned before the goroutine exited")
	}
	// Context errors are a normal exit, not a failure.
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("boomer", func(context.Context) error {
		panic("boom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	err := s.Err()
	if err == nil || !strings.Contains(err.Error(), "boomer") {
		t.Fatalf("Err = %v, want recorded panic", err)
	}
}

func TestStopHonorsDeadline(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	release := make(chan struct{})
	s.Go("stuck", func(context.Context) error {
		<-release // ignores its context on purpose
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); err == nil {
		t.Fatal("Stop must fail when a goroutine will not exit in time")
	}
	close(release)
}

func TestCounters(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("a", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	_, started := s.Counters()
	if started != 1 {
		t.Fatalf("started = %d", started)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	active, _ := s.Counters()
	if active != 0 {
		t.Fatalf("active = %d after Stop", active)
	}
}
