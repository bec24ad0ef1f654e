package clock

import (
	"context"
	"testing"
	"time"
)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	var fired []string
	c.AfterFunc(200*time.Millisecond, func() { fired = append(fired, "b") })
	c.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "a") })
	late := c.AfterFunc(time.Second, func() { fired = append(fired, "late") })

	c.Advance(500 * time.Millisecond)
	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("unexpected order %v", fired)
	}
	if !late.Stop() {
		t.Fatalf("expected pending timer to stop")
	}
	if late.Stop() {
		t.Fatalf("second stop should report false")
	}
	c.Advance(time.Second)
	if len(fired) != 2 {
		t.Fatalf("stopped timer fired: %v", fired)
	}
	if got := c.Now(); !got.Equal(start.Add(1500 * time.Millisecond)) {
		t.Fatalf("unexpected now %v", got)
	}
}

func TestFakeNestedTimers(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	c.AfterFunc(10*time.Millisecond, func() {
		count++
		c.AfterFunc(10*time.Millisecond, func() { count++ })
	})
	c.Advance(25 * time.Millisecond)
	if count != 2 {
		t.Fatalf("expected nested timer to fire, count=%d", count)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending timers")
	}
}

func TestFakeSleepAndRealSleep(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	if err := c.Sleep(context.Background(), time.Minute); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if c.Now().Unix() != 60 {
		t.Fatalf("sleep did not advance clock")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Sleep(ctx, time.Second); err == nil {
		t.Fatalf("expected cancelled sleep error")
	}
	if err := Real().Sleep(ctx, time.Hour); err == nil {
		t.Fatalf("expected cancelled real sleep")
	}
	if err := Real().Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep: %v", err)
	}
}
