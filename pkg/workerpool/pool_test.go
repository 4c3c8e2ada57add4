package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitWaitReturnsOwnResult(t *testing.T) {
	p, err := New(Config{Workers: 4, QueueSize: 16}, func(_ context.Context, task *Task) (interface{}, error) {
		return task.Payload.(int) * 2, nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Start()
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make(chan *Result, 8)
	for i := 0; i < 8; i++ {
		i := i
		go func() {
			res, err := p.SubmitWait(ctx, &Task{ID: string(rune('a' + i)), Payload: i})
			if err != nil {
				t.Error(err)
				results <- nil
				return
			}
			if res.Data.(int) != i*2 {
				t.Errorf("task %s got %v", res.TaskID, res.Data)
			}
			results <- res
		}()
	}
	for i := 0; i < 8; i++ {
		<-results
	}
	if s := p.Stats(); s.TasksCompleted != 8 {
		t.Errorf("completed = %d", s.TasksCompleted)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	p, err := New(Config{Workers: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, func(context.Context, *Task) (interface{}, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("registry unavailable")
		}
		return "SEN-1", nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "sync-1", Kind: "registry-sync"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success() || res.Attempts != 3 {
		t.Errorf("result = %+v", res)
	}
	if p.Stats().TasksRetried != 2 {
		t.Errorf("retried = %d", p.Stats().TasksRetried)
	}
}

func TestNonRetryableStopsImmediately(t *testing.T) {
	permanent := errors.New("prescription not found")
	var calls atomic.Int32
	cfg := Config{Workers: 1, MaxRetries: 5, RetryDelay: time.Millisecond,
		Retryable: func(err error) bool { return !errors.Is(err, permanent) }}
	p, err := New(cfg, func(context.Context, *Task) (interface{}, error) {
		calls.Add(1)
		return nil, permanent
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(res.Error, permanent) || calls.Load() != 1 {
		t.Errorf("err=%v calls=%d", res.Error, calls.Load())
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p, err := New(Config{Workers: 1}, func(context.Context, *Task) (interface{}, error) { return nil, nil }, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(&Task{ID: "late"}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("got %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	block := make(chan struct{})
	p, err := New(Config{Workers: 1, QueueSize: 1}, func(context.Context, *Task) (interface{}, error) {
		<-block
		return nil, nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	// workers not started, so the queue holds exactly one task
	if err := p.Submit(&Task{ID: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(&Task{ID: "2"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("got %v", err)
	}
	close(block)
	p.Start()
	p.Stop()
}

func TestOnResultCallback(t *testing.T) {
	got := make(chan *Result, 1)
	cfg := Config{Workers: 1, OnResult: func(r *Result) { got <- r }}
	p, err := New(cfg, func(context.Context, *Task) (interface{}, error) { return 3, nil }, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Start()
	defer p.Stop()

	if err := p.Submit(&Task{ID: "sweep", Kind: "expiry-sweep"}); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-got:
		if r.Kind != "expiry-sweep" || r.Data.(int) != 3 {
			t.Errorf("result = %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}
}
