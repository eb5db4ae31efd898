package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.QueueSize = 8
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func TestPool_SubmitWait(t *testing.T) {
	p, err := New(testConfig(), func(_ context.Context, task *Task) *Result {
		return &Result{Success: true, Data: task.Payload.(int) * 2}
	}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p.Start()
	defer p.Stop()

	for i := 1; i <= 5; i++ {
		res, err := p.SubmitWait(context.Background(), &Task{ID: "t", Payload: i})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if res.Data.(int) != i*2 {
			t.Errorf("Expected %d, got %v", i*2, res.Data)
		}
	}
	if got := p.Stats().TasksCompleted; got != 5 {
		t.Errorf("Expected 5 completed tasks, got %d", got)
	}
}

func TestPool_Retries(t *testing.T) {
	var calls atomic.Int32
	p, _ := New(testConfig(), func(context.Context, *Task) *Result {
		if calls.Add(1) < 3 {
			return &Result{Error: errors.New("transient")}
		}
		return &Result{Success: true}
	}, nil)
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "retry"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Success || res.Attempts != 3 {
		t.Errorf("Expected success on the third attempt, got %+v", res)
	}
	if got := p.Stats().TasksRetried; got != 2 {
		t.Errorf("Expected 2 retries, got %d", got)
	}
}

func TestPool_ExhaustedRetries(t *testing.T) {
	cause := errors.New("broker down")
	p, _ := New(testConfig(), func(context.Context, *Task) *Result {
		return &Result{Error: cause}
	}, nil)
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "fail"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Success || !errors.Is(res.Error, cause) {
		t.Errorf("Expected the wrapped cause, got %v", res.Error)
	}
	if res.Attempts != testConfig().MaxRetries+1 {
		t.Errorf("Expected %d attempts, got %d", testConfig().MaxRetries+1, res.Attempts)
	}
}

func TestPool_SubmitAndStop(t *testing.T) {
	var calls atomic.Int32
	p, _ := New(testConfig(), func(context.Context, *Task) *Result {
		calls.Add(1)
		return &Result{Success: true}
	}, nil)
	p.Start()

	if err := p.Submit(&Task{ID: "a"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if calls.Load() != 1 || p.Stats().TasksCompleted != 1 {
		t.Errorf("Expected the queued task to be drained on stop, got %d calls", calls.Load())
	}
	if err := p.Submit(&Task{ID: "late"}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
}

func TestPool_IsHealthy(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 2
	release := make(chan struct{})
	p, _ := New(cfg, func(context.Context, *Task) *Result {
		<-release
		return &Result{Success: true}
	}, nil)
	p.Start()
	defer p.Stop()

	if !p.IsHealthy() {
		t.Error("Expected an empty pool to be healthy")
	}
	// one task blocks the worker, two fill the queue
	for _, id := range []string{"a", "b", "c"} {
		for p.Submit(&Task{ID: id}) != nil {
			time.Sleep(time.Millisecond)
		}
		if id == "a" {
			for p.Stats().QueueDepth != 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}
	if p.IsHealthy() {
		t.Errorf("Expected a full queue to be unhealthy, depth %d", p.Stats().QueueDepth)
	}
	close(release)
}

func TestPool_PermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	p, _ := New(testConfig(), func(context.Context, *Task) *Result {
		calls.Add(1)
		return &Result{Error: errors.New("bad payload"), Permanent: true}
	}, nil)
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "perm"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Success || res.Attempts != 1 || calls.Load() != 1 {
		t.Errorf("Expected a single failed attempt, got %+v after %d calls", res, calls.Load())
	}
}
