package clock

import (
	"testing"
	"time"
)

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)
	ticker := c.NewTicker(30 * time.Second)
	defer ticker.Stop()

	select {
	case <-ticker.C:
		t.Fatalf("ticker fired before advance")
	default:
	}

	c.Advance(31 * time.Second)
	select {
	case tick := <-ticker.C:
		if !tick.Equal(start.Add(30 * time.Second)) {
			t.Fatalf("unexpected tick time %s", tick)
		}
	default:
		t.Fatalf("expected tick after advance")
	}
	if got := c.Now(); !got.Equal(start.Add(31 * time.Second)) {
		t.Fatalf("unexpected now %s", got)
	}
}

func TestFakeTickerStop(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)
	ticker.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatalf("stopped ticker fired")
	default:
	}
}
