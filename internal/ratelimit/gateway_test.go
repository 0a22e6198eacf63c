package ratelimit

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestGateway(t *testing.T, cfg *GatewayConfig) *Gateway {
	t.Helper()
	g, err := NewGateway(cfg)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

func TestNewGateway(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *GatewayConfig
		wantErr bool
		errMsg  string
	}{
		{
			name:    "nil config",
			cfg:     nil,
			wantErr: true,
			errMsg:  "configuration is required",
		},
		{
			name:    "zero ceiling",
			cfg:     &GatewayConfig{Ceiling: 0},
			wantErr: true,
			errMsg:  "ceiling must be positive",
		},
		{
			name:    "negative batch pause",
			cfg:     &GatewayConfig{Ceiling: 10, BatchPause: -time.Second},
			wantErr: true,
			errMsg:  "batch pause cannot be negative",
		},
		{
			name: "valid config",
			cfg:  &GatewayConfig{Ceiling: 10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGateway(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.errMsg)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			g.Close()
		})
	}
}

func TestGatewaySpacing(t *testing.T) {
	g := newTestGateway(t, &GatewayConfig{Ceiling: 200})
	if got, want := g.Spacing(), 5*time.Millisecond; got != want {
		t.Errorf("Spacing() = %v, want %v", got, want)
	}
}

func TestGatewayExecute(t *testing.T) {
	g := newTestGateway(t, &GatewayConfig{Ceiling: 1000})

	value, err := g.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if value != 42 {
		t.Errorf("Execute returned %v, want 42", value)
	}
}

func TestGatewayExecuteCancelledContext(t *testing.T) {
	g := newTestGateway(t, &GatewayConfig{Ceiling: 1000})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestGatewayExecuteAfterClose(t *testing.T) {
	g, err := NewGateway(&GatewayConfig{Ceiling: 1000})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	g.Close()

	_, err = g.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrGatewayClosed) {
		t.Errorf("expected ErrGatewayClosed, got %v", err)
	}
}

func TestGatewayUnitErrorDoesNotStopQueue(t *testing.T) {
	g := newTestGateway(t, &GatewayConfig{Ceiling: 1000})

	boom := errors.New("boom")
	_, err := g.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected unit error, got %v", err)
	}

	// The queue must keep draining after a failed unit.
	value, err := g.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Execute after failure: %v", err)
	}
	if value != "ok" {
		t.Errorf("Execute returned %v, want ok", value)
	}
}

func TestGatewayFIFOOrder(t *testing.T) {
	g := newTestGateway(t, &GatewayConfig{Ceiling: 5000})

	var mu sync.Mutex
	var issued []int

	const n = 50
	units := make([]UnitOfWork, n)
	for i := 0; i < n; i++ {
		i := i
		units[i] = func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			issued = append(issued, i)
			mu.Unlock()
			return i, nil
		}
	}

	g.ExecuteBatch(context.Background(), units, 0)

	mu.Lock()
	defer mu.Unlock()
	if len(issued) != n {
		t.Fatalf("issued %d units, want %d", len(issued), n)
	}
	for i, id := range issued {
		if id != i {
			t.Fatalf("unit %d issued at position %d, order not FIFO", id, i)
		}
	}
}

func TestGatewayExecuteBatchPartialFailure(t *testing.T) {
	g := newTestGateway(t, &GatewayConfig{Ceiling: 1000})

	units := make([]UnitOfWork, 10)
	for i := 0; i < 10; i++ {
		i := i
		units[i] = func(ctx context.Context) (interface{}, error) {
			if i == 2 || i == 6 {
				return nil, errors.New("unit failed")
			}
			return i, nil
		}
	}

	results := g.ExecuteBatch(context.Background(), units, 4)
	if len(results) != 10 {
		t.Fatalf("got %d results, want 10", len(results))
	}
	for i, res := range results {
		if i == 2 || i == 6 {
			if res.OK {
				t.Errorf("results[%d].OK = true, want failure marker", i)
			}
			if res.Err == nil {
				t.Errorf("results[%d].Err = nil, want error", i)
			}
			continue
		}
		if !res.OK {
			t.Errorf("results[%d].OK = false, want success", i)
		}
		if res.Value != i {
			t.Errorf("results[%d].Value = %v, want %d", i, res.Value, i)
		}
	}
}

// TestGatewayWindowEnforcement verifies that 500 units at a ceiling of 200
// calls per second take at least 2 and under 3 wall-clock seconds, and that
// no rolling 1-second interval contains more than 200 issued calls.
func TestGatewayWindowEnforcement(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timing test in short mode")
	}

	const (
		ceiling = 200
		n       = 500
	)

	g := newTestGateway(t, &GatewayConfig{Ceiling: ceiling})

	var mu sync.Mutex
	issuedAt := make([]time.Time, 0, n)

	units := make([]UnitOfWork, n)
	for i := 0; i < n; i++ {
		units[i] = func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			issuedAt = append(issuedAt, time.Now())
			mu.Unlock()
			return nil, nil
		}
	}

	start := time.Now()
	results := g.ExecuteBatch(context.Background(), units, 0)
	elapsed := time.Since(start)

	for i, res := range results {
		if !res.OK {
			t.Fatalf("unit %d failed: %v", i, res.Err)
		}
	}

	if elapsed < 2*time.Second {
		t.Errorf("500 units at 200/s completed in %v, want >= 2s", elapsed)
	}
	if elapsed >= 3*time.Second {
		t.Errorf("500 units at 200/s completed in %v, want < 3s", elapsed)
	}

	mu.Lock()
	defer mu.Unlock()
	sort.Slice(issuedAt, func(i, j int) bool { return issuedAt[i].Before(issuedAt[j]) })

	// Sliding check: for each call, count calls within the following second.
	lo := 0
	for hi := range issuedAt {
		for issuedAt[hi].Sub(issuedAt[lo]) >= time.Second {
			lo++
		}
		if count := hi - lo + 1; count > ceiling {
			t.Fatalf("%d calls issued within one rolling second, ceiling is %d", count, ceiling)
		}
	}
}
