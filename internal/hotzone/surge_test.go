package hotzone

import "testing"

func TestSurgeMultiplier(t *testing.T) {
	tests := []struct {
		name      string
		used      int
		limit     int
		threshold float64
		step      float64
		max       float64
		want      float64
	}{
		{"below threshold", 5, 10, 0.8, 0.1, 1.5, 1.0},
		{"at threshold", 8, 10, 0.8, 0.1, 1.5, 1.0},
		{"one step above", 9, 10, 0.8, 0.1, 1.5, 1.1},
		{"at capacity", 10, 10, 0.8, 0.1, 1.5, 1.2},
		{"capped at max", 20, 10, 0.8, 0.1, 1.05, 1.05},
		{"zero limit", 0, 0, 0.8, 0.1, 1.5, 1.0},
		{"coarse step", 95, 100, 0.5, 0.25, 2.0, 1.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := surgeMultiplier(tt.used, tt.limit, tt.threshold, tt.step, tt.max)
			if got != tt.want {
				t.Errorf("surgeMultiplier(%d/%d) = %v, want %v", tt.used, tt.limit, got, tt.want)
			}
		})
	}
}
