package clock

import (
	"testing"
	"time"
)

func TestRealNowIsUTC(t *testing.T) {
	t.Parallel()

	now := Real{}.Now()
	if now.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", now.Location())
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewManual(start)

	early := m.After(10 * time.Second)
	late := m.After(time.Minute)

	m.Advance(10 * time.Second)
	select {
	case at := <-early:
		if !at.Equal(start.Add(10 * time.Second)) {
			t.Fatalf("timer fired at %v, want %v", at, start.Add(10*time.Second))
		}
	default:
		t.Fatal("expected 10s timer to fire")
	}
	select {
	case <-late:
		t.Fatal("1m timer fired too early")
	default:
	}

	m.Advance(50 * time.Second)
	select {
	case <-late:
	default:
		t.Fatal("expected 1m timer to fire after full advance")
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	m := NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("expected immediate fire for zero duration")
	}
}

func TestManualSetClampsBackwards(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)
	got := m.Set(start.Add(-time.Hour))
	if !got.Equal(start) {
		t.Fatalf("expected clock clamped to %v, got %v", start, got)
	}
}
