package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream 503")

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []State
	)
	cfg := DefaultConfig("registry")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(_ string, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	fail := func(context.Context) (interface{}, error) { return nil, errUpstream }
	for i := 0; i < 3; i++ {
		if _, err := cb.Execute(ctx, fail); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	called := false
	_, err = cb.Execute(ctx, func(context.Context) (interface{}, error) {
		called = true
		return "ok", nil
	})
	if !errors.Is(err, ErrOpen) || called {
		t.Errorf("open circuit: err=%v called=%v", err, called)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestIgnoredErrorsDoNotTrip(t *testing.T) {
	rejected := errors.New("registry rejected prescription")
	cfg := DefaultConfig("registry")
	cfg.FailureThreshold = 2
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, rejected) }
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		_, err := cb.Execute(context.Background(), func(context.Context) (interface{}, error) { return nil, rejected })
		if !errors.Is(err, rejected) {
			t.Fatalf("got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestStateGauge(t *testing.T) {
	cases := map[State]float64{StateClosed: 0, StateOpen: 1, StateHalfOpen: 2}
	for s, want := range cases {
		if got := s.Gauge(); got != want {
			t.Errorf("%s.Gauge() = %v, want %v", s, got, want)
		}
	}
}
