package broker

import (
	"errors"
	"testing"
	"time"
)

func TestBreaker(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := newBreaker(2, time.Second)
	b.now = func() time.Time { return now }
	fail := errors.New("fail")

	for i := 0; i < 2; i++ {
		if err := b.allow(); err != nil {
			t.Fatalf("closed breaker rejected call %d: %v", i, err)
		}
		b.record(fail)
	}
	if got := b.current(); got != circuitOpen {
		t.Fatalf("state = %s, want open", got)
	}
	if err := b.allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("allow while open = %v", err)
	}

	now = now.Add(time.Second)
	if err := b.allow(); err != nil {
		t.Fatalf("probe rejected after cooldown: %v", err)
	}
	if err := b.allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("second caller let through while probing")
	}
	b.record(fail)
	if got := b.current(); got != circuitOpen {
		t.Fatalf("failed probe left state %s", got)
	}

	now = now.Add(time.Second)
	if err := b.allow(); err != nil {
		t.Fatal(err)
	}
	b.record(nil)
	if got := b.current(); got != circuitClosed {
		t.Fatalf("successful probe left state %s", got)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := newBreaker(2, time.Second)
	b.record(errors.New("x"))
	b.record(nil)
	b.record(errors.New("x"))
	if got := b.current(); got != circuitClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}
