package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsTasks(t *testing.T) {
	var handled int64
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.RetryDelay = time.Millisecond

	pool, err := New(cfg, func(ctx context.Context, task *Task) error {
		atomic.AddInt64(&handled, 1)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("pool creation failed: %v", err)
	}
	pool.Start()

	const n = 5
	for i := 0; i < n; i++ {
		if err := pool.Submit(&Task{ID: "task"}); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case res := <-pool.Results():
			if res.Err != nil {
				t.Errorf("task failed: %v", res.Err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}
	pool.Stop()

	if got := atomic.LoadInt64(&handled); got != n {
		t.Errorf("handled %d tasks, want %d", got, n)
	}
	stats := pool.Stats()
	if stats.Completed != n || stats.Failed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestPoolRetriesUntilSuccess(t *testing.T) {
	var attempts int64
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.MaxRetries = 3
	cfg.RetryDelay = time.Millisecond

	pool, err := New(cfg, func(ctx context.Context, task *Task) error {
		if atomic.AddInt64(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("pool creation failed: %v", err)
	}
	pool.Start()

	if err := pool.Submit(&Task{ID: "flaky"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	select {
	case res := <-pool.Results():
		if res.Err != nil {
			t.Errorf("expected success after retries, got %v", res.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	pool.Stop()

	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("got %d attempts, want 3", got)
	}
}

func TestPoolReportsExhaustedRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond

	pool, err := New(cfg, func(ctx context.Context, task *Task) error {
		return errors.New("permanent")
	}, nil)
	if err != nil {
		t.Fatalf("pool creation failed: %v", err)
	}
	pool.Start()

	if err := pool.Submit(&Task{ID: "doomed"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	select {
	case res := <-pool.Results():
		if res.Err == nil {
			t.Error("expected a terminal error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	pool.Stop()

	if stats := pool.Stats(); stats.Failed != 1 {
		t.Errorf("failed count = %d, want 1", stats.Failed)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 1

	// Never started, so the queue only drains by capacity.
	pool, err := New(cfg, func(ctx context.Context, task *Task) error { return nil }, nil)
	if err != nil {
		t.Fatalf("pool creation failed: %v", err)
	}

	if err := pool.Submit(&Task{ID: "first"}); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if err := pool.Submit(&Task{ID: "second"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	pool, err := New(DefaultConfig(), func(ctx context.Context, task *Task) error { return nil }, nil)
	if err != nil {
		t.Fatalf("pool creation failed: %v", err)
	}
	pool.Start()
	pool.Stop()

	if err := pool.Submit(&Task{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestNewRequiresWorkerFunc(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Error("expected error for nil worker function")
	}
}
