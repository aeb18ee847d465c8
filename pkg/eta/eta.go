// Package eta derives a remaining-time estimate for an in-flight job by
// linear extrapolation from elapsed wall-clock time and reported progress.
// The estimate is memoryless: it is recomputed from scratch on every call
// with no smoothing across updates.
package eta

import (
	"fmt"
	"math"
	"time"
)

// Estimate returns the estimated remaining whole seconds until completion,
// rounded up, floored at zero. The second return is false when no meaningful
// extrapolation exists: progress at or below 0, or at or beyond 100.
func Estimate(createdAt, now time.Time, progress int) (int, bool) {
	if progress <= 0 || progress >= 100 {
		return 0, false
	}

	elapsed := now.Sub(createdAt)
	if elapsed <= 0 {
		return 0, true
	}

	total := time.Duration(float64(elapsed) * 100 / float64(progress))
	remaining := total - elapsed
	if remaining < 0 {
		remaining = 0
	}

	return int(math.Ceil(remaining.Seconds())), true
}

// Format renders remaining seconds the way the progress UI expects:
// whole minutes plus leftover seconds above one minute, plain seconds
// otherwise.
func Format(seconds int) string {
	if seconds > 60 {
		return fmt.Sprintf("~%dm %ds remaining", seconds/60, seconds%60)
	}
	return fmt.Sprintf("~%ds remaining", seconds)
}

// String combines Estimate and Format; the second return is false when the
// estimate is undefined.
func String(createdAt, now time.Time, progress int) (string, bool) {
	seconds, ok := Estimate(createdAt, now, progress)
	if !ok {
		return "", false
	}
	return Format(seconds), true
}
