package ble

import (
	"log/slog"
	"sync"
	"time"
)

// NotificationKind identifies the characteristic a notification came from.
type NotificationKind int

const (
	NotifyFacet NotificationKind = iota
	NotifyBattery
	NotifyDoubleTap
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyFacet:
		return "facet"
	case NotifyBattery:
		return "battery"
	case NotifyDoubleTap:
		return "double-tap"
	default:
		return "unknown"
	}
}

// Notification is one pushed value.
type Notification struct {
	Kind  NotificationKind
	Value uint8
	At    time.Time
}

// notifyBuffer decouples BLE notification callbacks from the consumer.
// push never blocks: when the buffer is full the oldest entry is dropped.
type notifyBuffer struct {
	ch chan Notification

	mu      sync.Mutex
	closed  bool
	dropped int
}

func newNotifyBuffer(size int) *notifyBuffer {
	if size <= 0 {
		size = 32
	}
	return &notifyBuffer{ch: make(chan Notification, size)}
}

func (b *notifyBuffer) push(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for {
		select {
		case b.ch <- n:
			return
		default:
		}
		// Drop oldest
		select {
		case old := <-b.ch:
			b.dropped++
			slog.Warn("[BLE] notification buffer full, dropping oldest", "kind", old.Kind, "dropped", b.dropped)
		default:
		}
	}
}

// Dropped returns how many notifications were discarded.
func (b *notifyBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *notifyBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
