package hotzone

import "math"

// surgeEpsilon absorbs binary-float drift in the utilization grid so that
// u=0.9 with step 0.1 lands on the step boundary instead of just below it.
const surgeEpsilon = 1e-9

// surgeMultiplier computes the fare multiplier for utilization u = used/limit.
// Below the threshold the multiplier is 1.0. Above it, each full `step` of
// utilization past the threshold raises the multiplier by `step`, capped at
// the configured maximum.
func surgeMultiplier(used, limit int, threshold, step, maxMultiplier float64) float64 {
	if limit <= 0 || step <= 0 || maxMultiplier <= 1 {
		return 1.0
	}

	u := float64(used) / float64(limit)
	if u < threshold {
		return 1.0
	}

	m := 1 + step*math.Floor((u-threshold)/step+surgeEpsilon)
	if m > maxMultiplier {
		m = maxMultiplier
	}
	return math.Round(m*100) / 100
}
