package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresInOrder(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	var order []int
	c.AfterFunc(30*time.Millisecond, func() { order = append(order, 3) })
	c.AfterFunc(10*time.Millisecond, func() { order = append(order, 1) })
	c.AfterFunc(20*time.Millisecond, func() { order = append(order, 2) })
	if c.PendingTimers() != 3 {
		t.Fatalf("expected 3 pending timers, got %d", c.PendingTimers())
	}
	c.Advance(25 * time.Millisecond)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected order %v", order)
	}
	c.Advance(5 * time.Millisecond)
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("unexpected order %v", order)
	}
	if got := c.Now(); !got.Equal(time.Unix(0, 0).Add(30 * time.Millisecond)) {
		t.Fatalf("unexpected now %v", got)
	}
}

func TestFakeTimerStop(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatalf("expected stop to report pending timer")
	}
	if timer.Stop() {
		t.Fatalf("expected second stop to report false")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Fatalf("stopped timer fired")
	}
	if c.PendingTimers() != 0 {
		t.Fatalf("expected no pending timers")
	}
}

func TestFakeCallbackCanReschedule(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(10*time.Millisecond, tick)
		}
	}
	c.AfterFunc(10*time.Millisecond, tick)
	c.Advance(100 * time.Millisecond)
	if count != 3 {
		t.Fatalf("expected 3 callbacks, got %d", count)
	}
}

func TestFakeTickerDropsWhenFull(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ticker := c.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	c.Advance(35 * time.Millisecond)
	select {
	case <-ticker.C:
	default:
		t.Fatalf("expected a tick")
	}
	select {
	case <-ticker.C:
		t.Fatalf("expected ticks beyond the buffer to be dropped")
	default:
	}
}
