package eta

import (
	"testing"
	"time"
)

func TestEstimate_UndefinedAtBoundaries(t *testing.T) {
	t0 := time.Now()
	now := t0.Add(30 * time.Second)

	for _, progress := range []int{-5, 0, 100, 150} {
		if _, ok := Estimate(t0, now, progress); ok {
			t.Errorf("expected no estimate at progress %d", progress)
		}
	}
}

func TestEstimate_LinearExtrapolation(t *testing.T) {
	t0 := time.Unix(1700000000, 0)

	// 10s elapsed at 50% -> 20s total -> 10s remaining
	remaining, ok := Estimate(t0, t0.Add(10*time.Second), 50)
	if !ok {
		t.Fatal("expected an estimate at progress 50")
	}
	if remaining != 10 {
		t.Errorf("expected 10s remaining, got %d", remaining)
	}

	// 30s elapsed at 25% -> 120s total -> 90s remaining
	remaining, ok = Estimate(t0, t0.Add(30*time.Second), 25)
	if !ok {
		t.Fatal("expected an estimate at progress 25")
	}
	if remaining != 90 {
		t.Errorf("expected 90s remaining, got %d", remaining)
	}
}

func TestEstimate_RoundsUp(t *testing.T) {
	t0 := time.Unix(1700000000, 0)

	// 1s elapsed at 40% -> 2.5s total -> 1.5s remaining -> ceil to 2
	remaining, ok := Estimate(t0, t0.Add(1*time.Second), 40)
	if !ok {
		t.Fatal("expected an estimate")
	}
	if remaining != 2 {
		t.Errorf("expected 2s remaining after rounding up, got %d", remaining)
	}
}

func TestEstimate_FlooredAtZero(t *testing.T) {
	t0 := time.Unix(1700000000, 0)

	// Defined but trivially zero when no time has elapsed.
	remaining, ok := Estimate(t0, t0, 50)
	if !ok {
		t.Fatal("expected an estimate at progress 50")
	}
	if remaining != 0 {
		t.Errorf("expected 0s remaining, got %d", remaining)
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		seconds int
		want    string
	}{
		{5, "~5s remaining"},
		{60, "~60s remaining"},
		{61, "~1m 1s remaining"},
		{90, "~1m 30s remaining"},
		{150, "~2m 30s remaining"},
	}

	for _, tc := range cases {
		if got := Format(tc.seconds); got != tc.want {
			t.Errorf("Format(%d) = %q, want %q", tc.seconds, got, tc.want)
		}
	}
}

func TestString(t *testing.T) {
	t0 := time.Unix(1700000000, 0)

	s, ok := String(t0, t0.Add(10*time.Second), 50)
	if !ok {
		t.Fatal("expected a formatted estimate")
	}
	if s != "~10s remaining" {
		t.Errorf("unexpected estimate string: %q", s)
	}

	if _, ok := String(t0, t0.Add(10*time.Second), 100); ok {
		t.Error("expected no estimate at progress 100")
	}
}
