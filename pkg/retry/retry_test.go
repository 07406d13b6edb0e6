package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	wlerrors "github.com/bardlex/workledger/pkg/errors"
)

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestPresetConfigs(t *testing.T) {
	tests := []struct {
		name     string
		config   *Config
		attempts int
		base     time.Duration
		max      time.Duration
	}{
		{"default", DefaultConfig(), 3, 100 * time.Millisecond, 5 * time.Second},
		{"store", StoreConfig(), 5, 20 * time.Millisecond, time.Second},
		{"broker", BrokerConfig(), 6, 250 * time.Millisecond, 8 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.config.MaxAttempts != tt.attempts {
				t.Errorf("MaxAttempts = %d, want %d", tt.config.MaxAttempts, tt.attempts)
			}
			if tt.config.BaseDelay != tt.base {
				t.Errorf("BaseDelay = %v, want %v", tt.config.BaseDelay, tt.base)
			}
			if tt.config.MaxDelay != tt.max {
				t.Errorf("MaxDelay = %v, want %v", tt.config.MaxDelay, tt.max)
			}
			if !tt.config.Jitter {
				t.Error("presets should jitter")
			}
		})
	}
}

func TestDo(t *testing.T) {
	transient := wlerrors.New(wlerrors.ErrorTypeNetwork, "publish", "broker unavailable")
	rejected := wlerrors.New(wlerrors.ErrorTypeLedger, "submit_task", "replay")

	tests := []struct {
		name      string
		attempts  int
		failures  int
		failWith  error
		wantCalls int
		wantErr   bool
		wantType  wlerrors.ErrorType
	}{
		{name: "first try", attempts: 3, failures: 0, failWith: transient, wantCalls: 1},
		{name: "recovers", attempts: 3, failures: 2, failWith: transient, wantCalls: 3},
		{name: "exhausted", attempts: 2, failures: 5, failWith: transient, wantCalls: 2, wantErr: true, wantType: wlerrors.ErrorTypeInternal},
		{name: "final error", attempts: 5, failures: 5, failWith: rejected, wantCalls: 1, wantErr: true, wantType: wlerrors.ErrorTypeLedger},
		{name: "plain error", attempts: 5, failures: 5, failWith: errors.New("bad row"), wantCalls: 1, wantErr: true},
		{name: "plain transient", attempts: 5, failures: 1, failWith: errors.New("connection reset by peer"), wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastConfig(tt.attempts), func() error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantType != "" && !wlerrors.IsType(err, tt.wantType) {
				t.Errorf("error %v is not %s", err, tt.wantType)
			}
		})
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &Config{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}

	calls := 0
	err := Do(ctx, config, func() error {
		calls++
		cancel()
		return wlerrors.New(wlerrors.ErrorTypeTimeout, "get", "slow")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), nil, func() (uint64, error) {
		calls++
		if calls == 1 {
			return 0, wlerrors.New(wlerrors.ErrorTypeCache, "incr", "redis busy")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("DoWithResult() error = %v", err)
	}
	if got != 42 || calls != 2 {
		t.Errorf("got %d after %d calls", got, calls)
	}

	got, err = DoWithResult(context.Background(), fastConfig(2), func() (uint64, error) {
		return 7, wlerrors.New(wlerrors.ErrorTypeNetwork, "get", "down")
	})
	if err == nil || got != 0 {
		t.Errorf("exhausted DoWithResult() = %d, %v", got, err)
	}
}

func TestCalculateDelay(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
	}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for attempt, expected := range want {
		if got := config.calculateDelay(attempt); got != expected {
			t.Errorf("attempt %d: delay = %v, want %v", attempt, got, expected)
		}
	}

	config.Jitter = true
	for i := 0; i < 20; i++ {
		d := config.calculateDelay(0)
		if d < 100*time.Millisecond || d > 110*time.Millisecond {
			t.Fatalf("jittered delay %v outside [100ms, 110ms]", d)
		}
	}
}
