package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryOptions bounds ConnectWithRetry.
type RetryOptions struct {
	Attempts     int           // total connection attempts
	Timeout      time.Duration // per-attempt connect timeout
	ReconnectMax int           // max backoff between attempts in seconds
}

// DefaultRetryOptions returns sensible defaults.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		Attempts:     3,
		Timeout:      10 * time.Second,
		ReconnectMax: 30,
	}
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	// 1<<31 seconds already exceeds any sane cap and does not overflow Duration.
	if attempt > 31 {
		attempt = 31
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// connectCancellable runs a blocking connect that ignores ctx. When ctx ends
// first it returns ctx.Err() at once, and a connection that completes later
// is handed to release.
func connectCancellable[T any](ctx context.Context, connect func() (T, error), release func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := connect()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				release(r.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

// ConnectWithRetry connects s to address, retrying with exponential backoff.
// The session itself never retries; this is the caller-side policy.
func ConnectWithRetry(ctx context.Context, s *Session, address string, opts RetryOptions) error {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30
	}

	var lastErr error
	for attempt := 0; attempt < opts.Attempts; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, opts.ReconnectMax)
			slog.Info("[BLE] reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		err := s.Connect(attemptCtx, address)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		lastErr = err
		slog.Warn("[BLE] connect failed", "error", err, "attempt", attempt+1)
	}
	return fmt.Errorf("ble: giving up after %d attempts: %w", opts.Attempts, lastErr)
}
