package ratelimit

import (
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestWindow_BlocksAfterLimit(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	w := NewWindow[string](3, time.Second).WithClock(c.now)
	for i := 0; i < 3; i++ {
		if !w.Allow("a") {
			t.Fatalf("attempt %d blocked, want allowed", i)
		}
	}
	if w.Allow("a") {
		t.Fatal("4th attempt allowed, want blocked")
	}
	if !w.Allow("b") {
		t.Fatal("other key should not be affected")
	}
}

func TestWindow_SlidesForward(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	w := NewWindow[string](2, time.Second).WithClock(c.now)
	w.Allow("a")
	c.t = c.t.Add(600 * time.Millisecond)
	w.Allow("a")
	if w.Allow("a") {
		t.Fatal("third attempt inside window allowed")
	}
	c.t = c.t.Add(500 * time.Millisecond)
	if got := w.Remaining("a"); got != 1 {
		t.Fatalf("Remaining=%d, want 1", got)
	}
	if !w.Allow("a") {
		t.Fatal("attempt after oldest expired should be allowed")
	}
}

func TestWindow_ForgetAndDisabled(t *testing.T) {
	w := NewWindow[int](1, time.Minute)
	w.Allow(1)
	if w.Allow(1) {
		t.Fatal("want blocked")
	}
	w.Forget(1)
	if !w.Allow(1) {
		t.Fatal("want allowed after Forget")
	}

	off := NewWindow[int](0, time.Minute)
	for i := 0; i < 100; i++ {
		if !off.Allow(1) {
			t.Fatal("disabled window blocked")
		}
	}
}
