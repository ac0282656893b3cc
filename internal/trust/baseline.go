package trust

import "math"

// Baseline is the per-device running score distribution, maintained with
// Welford's online algorithm so updates are O(1) and never re-read history.
// Persisted as the baseline:<device> hash {mean, m2, count, std}.
type Baseline struct {
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
	Count int64   `json:"count"`
	Std   float64 `json:"std"`
}

// Update folds one score sample into the baseline and refreshes Std.
func (b *Baseline) Update(sample float64) {
	b.Count++
	delta := sample - b.Mean
	b.Mean += delta / float64(b.Count)
	delta2 := sample - b.Mean
	b.M2 += delta * delta2
	b.Std = b.stddev()
}

func (b *Baseline) stddev() float64 {
	if b.Count < 2 {
		return 0
	}
	return math.Sqrt(b.M2 / float64(b.Count))
}

// Threshold returns the adaptive block threshold for this device: once the
// baseline has minCount samples it tracks mean-2sigma with a floor, before
// that the static default of 50 applies.
func (b *Baseline) Threshold(minCount int64, floor int) int {
	if b.Count < minCount {
		return 50
	}
	t := b.Mean - 2*b.Std
	if t < float64(floor) {
		return floor
	}
	return int(math.Round(t))
}
