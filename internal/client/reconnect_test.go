package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anyhost/sv2relay/internal/common"
)

func TestReconnector_NextDelay(t *testing.T) {
	r := NewReconnector(common.ReconnectConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		MaxAttempts:  5,
	}, discardLogger())

	bases := []time.Duration{100, 200, 400, 800, 1000}
	for i, base := range bases {
		base *= time.Millisecond
		d := r.NextDelay()
		if d < base || d > base+base/4 {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", i+1, d, base, base+base/4)
		}
	}

	if d := r.NextDelay(); d != -1 {
		t.Errorf("delay after max attempts = %v, want -1", d)
	}

	r.Reset()
	if r.Attempts() != 0 {
		t.Errorf("Attempts() after Reset = %d", r.Attempts())
	}
	if r.CurrentDelay() != 100*time.Millisecond {
		t.Errorf("CurrentDelay() after Reset = %v", r.CurrentDelay())
	}
}

func TestReconnector_Wait(t *testing.T) {
	r := NewReconnector(common.ReconnectConfig{
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
		Multiplier:   1,
		MaxAttempts:  1,
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() = %v, want context.Canceled", err)
	}
	if err := r.Wait(context.Background()); !errors.Is(err, ErrMaxAttempts) {
		t.Errorf("Wait() = %v, want ErrMaxAttempts", err)
	}
}
