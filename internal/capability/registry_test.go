package capability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func searchSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"origin", "destination"},
		"properties": map[string]any{
			"origin":      map[string]any{"type": "string"},
			"destination": map[string]any{"type": "string"},
			"limit":       map[string]any{"type": "integer"},
		},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(zap.NewNop(), WithRetryDelays(time.Millisecond, 5*time.Millisecond))
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	def := Definition{
		Name:    "search",
		Schema:  searchSchema(),
		Handler: func(ctx context.Context, params map[string]any) (any, error) { return nil, nil },
	}
	if err := r.Register(def); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(def); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second register err = %v, want ErrDuplicate", err)
	}
}

func TestRegisterInvalidDefinition(t *testing.T) {
	r := newTestRegistry(t)
	cases := []Definition{
		{Schema: searchSchema(), Handler: func(ctx context.Context, p map[string]any) (any, error) { return nil, nil }},
		{Name: "search", Handler: func(ctx context.Context, p map[string]any) (any, error) { return nil, nil }},
		{Name: "search", Schema: searchSchema()},
	}
	for i, def := range cases {
		if err := r.Register(def); !errors.Is(err, ErrInvalidDefinition) {
			t.Fatalf("case %d: err = %v, want ErrInvalidDefinition", i, err)
		}
	}
}

func TestInvokeNotFound(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Invoke(context.Background(), "nope", nil, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestInvokeValidationBlocksHandler(t *testing.T) {
	r := newTestRegistry(t)
	var calls atomic.Int32
	r.MustRegister(Definition{
		Name:   "search",
		Schema: searchSchema(),
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			calls.Add(1)
			return "ok", nil
		},
	})

	_, err := r.Invoke(context.Background(), "search", map[string]any{"origin": "OAK"}, nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if len(verr.Fields) == 0 {
		t.Fatal("expected field-level messages")
	}
	if calls.Load() != 0 {
		t.Fatalf("handler called %d times on invalid params, want 0", calls.Load())
	}
}

func TestInvokeSuccess(t *testing.T) {
	r := newTestRegistry(t)
	r.MustRegister(Definition{
		Name:   "search",
		Schema: searchSchema(),
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"carriers": 3}, nil
		},
	})

	out, err := r.Invoke(context.Background(), "search", map[string]any{
		"origin": "OAK", "destination": "DEN",
	}, nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok || m["carriers"] != 3 {
		t.Fatalf("unexpected result: %#v", out)
	}
}

func TestInvokeTimeout(t *testing.T) {
	r := newTestRegistry(t)
	r.MustRegister(Definition{
		Name:   "slow",
		Schema: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			select {} // never resolves
		},
	})

	start := time.Now()
	_, err := r.Invoke(context.Background(), "slow", nil, &InvokeOptions{Timeout: 100 * time.Millisecond})
	elapsed := time.Since(start)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if elapsed > time.Second {
		t.Fatalf("timeout took %s, want ~100ms", elapsed)
	}
}

func TestInvokeRetryExhausted(t *testing.T) {
	r := newTestRegistry(t)
	var calls atomic.Int32
	r.MustRegister(Definition{
		Name:   "flaky",
		Schema: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			calls.Add(1)
			return nil, errors.New("upstream unavailable")
		},
	})

	_, err := r.Invoke(context.Background(), "flaky", nil, &InvokeOptions{Retry: true, MaxRetries: 2})
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *ExecutionError", err)
	}
	if ee.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", ee.Attempts)
	}
	if calls.Load() != 3 {
		t.Fatalf("handler called %d times, want 3", calls.Load())
	}
}

func TestInvokeRetryRecovers(t *testing.T) {
	r := newTestRegistry(t)
	var calls atomic.Int32
	r.MustRegister(Definition{
		Name:   "flaky",
		Schema: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("not yet")
			}
			return "recovered", nil
		},
	})

	out, err := r.Invoke(context.Background(), "flaky", nil, &InvokeOptions{Retry: true, MaxRetries: 4})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != "recovered" {
		t.Fatalf("out = %v, want recovered", out)
	}
}

func TestClearAllowsReRegistration(t *testing.T) {
	r := newTestRegistry(t)
	def := Definition{
		Name:    "search",
		Schema:  searchSchema(),
		Handler: func(ctx context.Context, params map[string]any) (any, error) { return nil, nil },
	}
	r.MustRegister(def)
	r.Clear()
	if err := r.Register(def); err != nil {
		t.Fatalf("register after clear: %v", err)
	}
	if got := len(r.Names()); got != 1 {
		t.Fatalf("names = %d, want 1", got)
	}
}
