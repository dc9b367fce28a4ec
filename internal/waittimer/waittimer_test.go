package waittimer

import (
	"math"
	"testing"

	"loopsched/internal/clock"
)

func TestNewTimerIsExpired(t *testing.T) {
	t.Parallel()
	tm := New(clock.NewManual(0))
	if tm.Armed() {
		t.Fatal("new timer should be disarmed")
	}
	if !tm.IsExpired() {
		t.Fatal("disarmed timer should report expired")
	}
}

func TestArmZeroIsPreExpired(t *testing.T) {
	t.Parallel()
	tm := New(clock.NewManual(10))
	tm.Arm(0)
	if tm.Armed() {
		t.Fatal("zero duration must not arm the timer")
	}
	if !tm.IsExpired() {
		t.Fatal("zero duration should be pre-expired")
	}
}

// No poll before start+d may report expiry, every poll at or after must.
func TestNoDoubleFire(t *testing.T) {
	t.Parallel()
	starts := []clock.Timestamp{0, 12345, math.MaxUint32 - 150, math.MaxUint32}
	const d = clock.Millis(300)

	for _, start := range starts {
		clk := clock.NewManual(start)
		tm := New(clk)
		tm.Arm(d)

		for off := clock.Millis(0); off < d; off++ {
			clk.Set(start.Add(off))
			if tm.IsExpired() {
				t.Fatalf("start=%d: expired early at +%d", start, off)
			}
		}
		for off := d; off < d+50; off++ {
			clk.Set(start.Add(off))
			if !tm.IsExpired() {
				t.Fatalf("start=%d: not expired at +%d", start, off)
			}
		}
	}
}

func TestIsExpiredHasNoSideEffects(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(0)
	tm := New(clk)
	tm.Arm(100)
	clk.Advance(100)
	for i := 0; i < 5; i++ {
		if !tm.IsExpired() {
			t.Fatalf("poll %d: expected expired", i)
		}
	}
	if !tm.Armed() {
		t.Fatal("IsExpired must not disarm")
	}
	tm.Disarm()
	if tm.Armed() {
		t.Fatal("Disarm did not clear armed")
	}
}

func TestRearmRestartsWindow(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(0)
	tm := New(clk)
	tm.Arm(100)
	clk.Advance(90)
	tm.Arm(100)
	clk.Advance(20)
	if tm.IsExpired() {
		t.Fatal("re-armed timer expired using the old window")
	}
	if got := tm.Remaining(); got != 80 {
		t.Fatalf("Remaining = %d, want 80", got)
	}
	clk.Advance(80)
	if got := tm.Remaining(); got != 0 {
		t.Fatalf("Remaining = %d, want 0", got)
	}
}
