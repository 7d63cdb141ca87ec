package containerinfo

import (
	"math"
	"testing"
	"time"
)

func TestUpdateTransitions(t *testing.T) {
	cases := []struct {
		name                   string
		cpu, mem               float64
		cpuOver, memOver, cool float64
		want                   Status
	}{
		{"overloaded on cpu", 90, 10, 80, 80, 0, Overloaded},
		{"overloaded on mem", 10, 90, 80, 80, 0, Overloaded},
		{"boundary exactly equal cpu not overloaded", 80, 10, 80, 80, 0, Healthy},
		{"idle at or below cooldown", 0, 10, 80, 80, 0, Idle},
		{"idle boundary uses <=", 5, 10, 80, 80, 5, Idle},
		{"healthy between thresholds", 40, 10, 80, 80, 10, Healthy},
		{"nan treated as zero enters idle", math.NaN(), 0, 80, 80, 0, Idle},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New("id", "name", 8080, 8001)
			got := c.Update(tc.cpu, tc.mem, tc.cpuOver, tc.memOver, tc.cool)
			if got.Status != tc.want {
				t.Fatalf("got status %v, want %v", got.Status, tc.want)
			}
		})
	}
}

func TestUpdateIdleSetsAndClearsTimer(t *testing.T) {
	c := New("id", "name", 8080, 8001)
	c = c.Update(0, 0, 80, 80, 0)
	if c.IdleSince == nil {
		t.Fatal("expected idle_since to be set")
	}

	c = c.Update(90, 0, 80, 80, 0)
	if c.Status != Overloaded || c.IdleSince != nil {
		t.Fatalf("expected overloaded with cleared idle_since, got %+v", c)
	}
}

func TestMarkActiveFromIdle(t *testing.T) {
	c := New("id", "name", 8080, 8001)
	c = c.Update(0, 0, 80, 80, 0)
	if c.Status != Idle {
		t.Fatalf("precondition failed: %v", c.Status)
	}

	before := c.LastActive
	time.Sleep(time.Millisecond)
	c = c.MarkActive()

	if c.Status != Healthy {
		t.Fatalf("expected healthy after mark active, got %v", c.Status)
	}
	if c.IdleSince != nil {
		t.Fatal("expected idle_since cleared")
	}
	if !c.LastActive.After(before) {
		t.Fatal("expected last_active to advance")
	}
}

func TestEligibleForScaledown(t *testing.T) {
	c := New("id", "name", 8080, 8001)
	c = c.Update(0, 0, 80, 80, 0)

	if c.EligibleForScaledown(time.Hour) {
		t.Fatal("should not be eligible immediately")
	}

	past := time.Now().Add(-2 * time.Second)
	c.IdleSince = &past
	if !c.EligibleForScaledown(time.Second) {
		t.Fatal("should be eligible after cooldown elapses")
	}
}

func TestWithinSafeWindow(t *testing.T) {
	c := New("id", "name", 8080, 8001)
	recentlyIdle := time.Now().Add(-200 * time.Millisecond)
	c.Status = Idle
	c.IdleSince = &recentlyIdle

	if !c.WithinSafeWindow(60 * time.Second) {
		t.Fatal("expected container just gone idle to be within safe window")
	}

	longIdle := time.Now().Add(-58 * time.Second)
	c.IdleSince = &longIdle
	if c.WithinSafeWindow(60 * time.Second) {
		t.Fatal("expected container near cooldown end to be outside safe window")
	}
}

func TestNotIdleNeverInSafeWindow(t *testing.T) {
	c := New("id", "name", 8080, 8001)
	if c.WithinSafeWindow(time.Hour) {
		t.Fatal("healthy container must never be within safe window")
	}
}
