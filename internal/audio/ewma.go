package audio

// DefaultEwmaWeight is the smoothing weight used for the rolling compression
// ratio and send latency statistics.
const DefaultEwmaWeight = 0.2

// UpdateEwma folds a new sample into an exponentially weighted moving
// average. A zero old value adopts the sample directly so the average does
// not ramp up from zero.
func UpdateEwma(old, sample, weight float64) float64 {
	if old == 0 {
		return sample
	}
	return old*(1-weight) + sample*weight
}
