package clock

import (
	"testing"
	"time"
)

func TestMockClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mc := NewMockClock(start)

	if !mc.Now().Equal(start) {
		t.Errorf("expected %v, got %v", start, mc.Now())
	}

	mc.Advance(5 * time.Second)
	if got := mc.Since(start); got != 5*time.Second {
		t.Errorf("expected 5s since start, got %v", got)
	}

	later := start.Add(time.Minute)
	if got := mc.Until(later); got != 55*time.Second {
		t.Errorf("expected 55s until, got %v", got)
	}

	mc.Set(later)
	if !mc.Now().Equal(later) {
		t.Errorf("Set did not take effect")
	}
}

func TestRealClock(t *testing.T) {
	rc := &RealClock{}
	before := time.Now()
	now := rc.Now()
	if now.Before(before) {
		t.Errorf("real clock went backwards")
	}
}
