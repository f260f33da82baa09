package client

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/anyhost/sv2relay/internal/common"
)

// ErrMaxAttempts is returned by Wait once the configured attempts are used up.
var ErrMaxAttempts = errors.New("client: max reconnection attempts exceeded")

// Reconnector handles reconnection with exponential backoff.
type Reconnector struct {
	config common.ReconnectConfig
	logger *slog.Logger

	mu           sync.Mutex
	attempts     int
	currentDelay time.Duration
}

// NewReconnector creates a new reconnector.
func NewReconnector(cfg common.ReconnectConfig, logger *slog.Logger) *Reconnector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Reconnector{
		config:       cfg,
		logger:       logger.With(slog.String("component", "reconnector")),
		currentDelay: cfg.InitialDelay,
	}
}

// NextDelay calculates the next delay before attempting to reconnect.
// Uses exponential backoff with up to 25% jitter. It returns -1 once
// MaxAttempts is exceeded.
func (r *Reconnector) NextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts++

	if r.config.MaxAttempts > 0 && r.attempts > r.config.MaxAttempts {
		r.logger.Warn("max reconnection attempts exceeded",
			slog.Int("attempts", r.attempts),
			slog.Int("max_attempts", r.config.MaxAttempts))
		return -1
	}

	baseDelay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(r.attempts-1))
	if r.config.MaxDelay > 0 && baseDelay > float64(r.config.MaxDelay) {
		baseDelay = float64(r.config.MaxDelay)
	}

	jitter := baseDelay * 0.25 * rand.Float64()
	delay := time.Duration(baseDelay + jitter)

	r.currentDelay = delay

	r.logger.Debug("calculated reconnect delay",
		slog.Int("attempt", r.attempts),
		slog.Duration("delay", delay))

	return delay
}

// Wait sleeps for the next backoff delay. It returns ErrMaxAttempts when
// no attempts remain and ctx.Err() if ctx is cancelled first.
func (r *Reconnector) Wait(ctx context.Context) error {
	delay := r.NextDelay()
	if delay < 0 {
		return ErrMaxAttempts
	}

	r.logger.Info("reconnecting", slog.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset resets the reconnector state after a successful connection.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts = 0
	r.currentDelay = r.config.InitialDelay

	r.logger.Debug("reconnector reset")
}

// Attempts returns the number of reconnection attempts made.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// CurrentDelay returns the current delay.
func (r *Reconnector) CurrentDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentDelay
}
