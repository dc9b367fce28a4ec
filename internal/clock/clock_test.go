package clock

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestElapsedAcrossWrap(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		now, start Timestamp
		want       Millis
	}{
		{name: "plain", now: 1500, start: 1000, want: 500},
		{name: "equal", now: 42, start: 42, want: 0},
		{name: "wrap", now: 100, start: math.MaxUint32 - 99, want: 200},
		{name: "wrap exact", now: 0, start: math.MaxUint32, want: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Elapsed(tt.now, tt.start); got != tt.want {
				t.Fatalf("Elapsed(%d, %d) = %d, want %d", tt.now, tt.start, got, tt.want)
			}
		})
	}
}

func TestTimestampAddWraps(t *testing.T) {
	t.Parallel()
	ts := Timestamp(math.MaxUint32 - 10)
	if got := ts.Add(20); got != 9 {
		t.Fatalf("Add = %d, want 9", got)
	}
}

func TestFromDuration(t *testing.T) {
	t.Parallel()
	got, err := FromDuration(1500*time.Millisecond + 300*time.Microsecond)
	if err != nil {
		t.Fatalf("FromDuration error: %v", err)
	}
	if got != 1500 {
		t.Fatalf("FromDuration = %d, want 1500", got)
	}
	if _, err := FromDuration(-time.Millisecond); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for negative, got %v", err)
	}
	if _, err := FromDuration(time.Duration(math.MaxUint32+1) * time.Millisecond); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for overflow, got %v", err)
	}
}

func TestManualAdvance(t *testing.T) {
	t.Parallel()
	c := NewManual(math.MaxUint32 - 1)
	calls := 0
	c.OnNow = func(Timestamp) { calls++ }

	if got := c.Advance(3); got != 1 {
		t.Fatalf("Advance = %d, want 1", got)
	}
	if got := c.Now(); got != 1 {
		t.Fatalf("Now = %d, want 1", got)
	}
	if calls != 1 {
		t.Fatalf("OnNow calls = %d, want 1", calls)
	}
}

func TestSystemOffset(t *testing.T) {
	t.Parallel()
	c := NewSystem(1000)
	now := c.Now()
	if Elapsed(now, 1000) > 1000 {
		t.Fatalf("system clock started too far from offset: %d", now)
	}
}
