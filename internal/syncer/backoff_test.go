package syncer

import (
	"testing"
	"time"
)

// TestBackoff_DelayDoubles verifies exponential growth without jitter.
func TestBackoff_DelayDoubles(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: 5 * time.Minute}

	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
	}
	for _, tc := range cases {
		if got := b.Delay(tc.retry); got != tc.want {
			t.Errorf("Delay(%d) = %s, want %s", tc.retry, got, tc.want)
		}
	}
}

// TestBackoff_DelayCapped verifies the delay never exceeds Max no matter
// how high the retry count climbs.
func TestBackoff_DelayCapped(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: 5 * time.Minute}

	for _, retry := range []int{9, 20, 63} {
		if got := b.Delay(retry); got != 5*time.Minute {
			t.Errorf("Delay(%d) = %s, want cap %s", retry, got, 5*time.Minute)
		}
	}
}

// TestBackoff_JitterBounds verifies jittered delays stay within (0, full]
// for the retry's full exponential delay.
func TestBackoff_JitterBounds(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: 5 * time.Minute, Jitter: true}
	full := 8 * time.Second // base * 2^2

	for i := 0; i < 200; i++ {
		got := b.Delay(2)
		if got <= 0 || got > full {
			t.Fatalf("jittered Delay(2) = %s, want in (0, %s]", got, full)
		}
	}
}

// TestBackoff_ZeroValueDefaults verifies a zero-value Backoff falls back
// to the standard base and cap instead of producing zero delays.
func TestBackoff_ZeroValueDefaults(t *testing.T) {
	var b Backoff
	if got := b.Delay(0); got != 2*time.Second {
		t.Errorf("zero-value Delay(0) = %s, want 2s", got)
	}
}
