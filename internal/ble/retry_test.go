package ble

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestReconnectBackoff(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, 30)
		if got != want {
			t.Errorf("backoffDelay(%d, 30) = %v, want %v", i, got, want)
		}
	}
}

func TestBackoffDelayOverflowProtection(t *testing.T) {
	// Attempt=100 would cause 1<<100 overflow without the cap
	got := backoffDelay(100, 30)
	want := 30 * time.Second
	if got != want {
		t.Errorf("backoffDelay(100, 30) = %v, want %v (capped at max)", got, want)
	}

	got = backoffDelay(31, 60)
	if got <= 0 || got > 60*time.Second {
		t.Errorf("backoffDelay(31, 60) = %v, want within (0, 60s]", got)
	}
}

func TestConnectWithRetryFirstAttempt(t *testing.T) {
	adapter := newMockAdapter(newFakeTimeFlip())
	s := NewSession(adapter, DefaultSessionOptions())
	t.Cleanup(func() { _ = s.Close() })

	if err := ConnectWithRetry(context.Background(), s, "AA:BB:CC:DD:EE:FF", DefaultRetryOptions()); err != nil {
		t.Fatalf("ConnectWithRetry() error = %v", err)
	}
	if got := adapter.connectCount(); got != 1 {
		t.Errorf("connect attempts = %d, want 1", got)
	}
	if !s.Connected() {
		t.Error("Connected() = false after ConnectWithRetry")
	}
}

func TestConnectWithRetryRecovers(t *testing.T) {
	adapter := newMockAdapter(newFakeTimeFlip())
	adapter.failures = 1
	s := NewSession(adapter, DefaultSessionOptions())
	t.Cleanup(func() { _ = s.Close() })

	opts := RetryOptions{Attempts: 2, Timeout: time.Second, ReconnectMax: 1}
	if err := ConnectWithRetry(context.Background(), s, "AA:BB:CC:DD:EE:FF", opts); err != nil {
		t.Fatalf("ConnectWithRetry() error = %v", err)
	}
	if got := adapter.connectCount(); got != 2 {
		t.Errorf("connect attempts = %d, want 2", got)
	}
}

func TestConnectWithRetryGivesUp(t *testing.T) {
	adapter := newMockAdapter(newFakeTimeFlip())
	adapter.failures = 5
	s := NewSession(adapter, DefaultSessionOptions())

	opts := RetryOptions{Attempts: 1, Timeout: time.Second, ReconnectMax: 1}
	err := ConnectWithRetry(context.Background(), s, "AA:BB:CC:DD:EE:FF", opts)
	if err == nil || !strings.Contains(err.Error(), "giving up after 1 attempts") {
		t.Fatalf("ConnectWithRetry() error = %v, want give-up error", err)
	}
	if s.Connected() {
		t.Error("Connected() = true after failed retries")
	}
}

func TestConnectWithRetryStopsOnCancel(t *testing.T) {
	adapter := newMockAdapter(newFakeTimeFlip())
	adapter.failures = 100
	s := NewSession(adapter, DefaultSessionOptions())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	err := ConnectWithRetry(ctx, s, "AA:BB:CC:DD:EE:FF", RetryOptions{Attempts: 10, Timeout: time.Second, ReconnectMax: 30})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ConnectWithRetry() error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("ConnectWithRetry() took %v after cancel, want prompt return", elapsed)
	}
}

func TestConnectCancellableReleasesLateConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	proceed := make(chan struct{})
	released := make(chan int, 1)

	done := make(chan error, 1)
	go func() {
		_, err := connectCancellable(ctx,
			func() (int, error) {
				<-proceed
				return 7, nil
			},
			func(v int) { released <- v })
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("connectCancellable() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("connectCancellable() did not return after cancel")
	}

	close(proceed)
	select {
	case v := <-released:
		if v != 7 {
			t.Errorf("released %d, want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatal("late connection was not released")
	}
}

func TestConnectCancellableLateFailureNotReleased(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempted := make(chan struct{})
	released := make(chan int, 1)

	_, err := connectCancellable(ctx,
		func() (int, error) {
			defer close(attempted)
			return 0, errors.New("connect timed out")
		},
		func(v int) { released <- v })
	if err == nil {
		t.Fatal("connectCancellable() error = nil, want an error")
	}

	<-attempted
	select {
	case v := <-released:
		t.Errorf("failed connection released (%d)", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectCancellableSuccess(t *testing.T) {
	v, err := connectCancellable(context.Background(),
		func() (string, error) { return "conn", nil },
		func(string) { t.Error("release called for a delivered connection") })
	if err != nil {
		t.Fatalf("connectCancellable() error = %v", err)
	}
	if v != "conn" {
		t.Errorf("connectCancellable() = %q, want %q", v, "conn")
	}
}
