package clock_test

import (
	"testing"
	"time"

	"github.com/skoglund/auctiond/internal/clock"
)

func TestReal_Now(t *testing.T) {
	before := time.Now()
	got := clock.Real{}.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Real.Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestMock(t *testing.T) {
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	clk := clock.NewMock(start)

	if got := clk.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}

	clk.Advance(30 * time.Second)
	if got := clk.Now(); !got.Equal(start.Add(30 * time.Second)) {
		t.Errorf("Now() after Advance = %v, want %v", got, start.Add(30*time.Second))
	}

	later := start.Add(2 * time.Hour)
	clk.Set(later)
	if got := clk.Now(); !got.Equal(later) {
		t.Errorf("Now() after Set = %v, want %v", got, later)
	}
}
