package clock_test

import (
	"testing"
	"time"

	"pkt.systems/circuitd/internal/clock"
)

func TestManualAdvanceFiresDueWaiters(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)

	early := m.After(time.Second)
	late := m.After(time.Minute)
	if got := m.Waiters(); got != 2 {
		t.Fatalf("expected 2 waiters, got %d", got)
	}

	m.Advance(2 * time.Second)
	select {
	case at := <-early:
		if want := start.Add(2 * time.Second); !at.Equal(want) {
			t.Fatalf("expected fire at %v, got %v", want, at)
		}
	default:
		t.Fatal("expected 1s waiter to fire after 2s advance")
	}
	select {
	case <-late:
		t.Fatal("1m waiter fired too early")
	default:
	}

	m.Advance(time.Minute)
	select {
	case <-late:
	default:
		t.Fatal("expected 1m waiter to fire")
	}
	if got := m.Waiters(); got != 0 {
		t.Fatalf("expected no waiters left, got %d", got)
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("expected immediate fire for zero duration")
	}
}
