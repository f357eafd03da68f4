package calibration

import "math"

// transmissionZeroTolerance is how close to zero the low density of a
// transmission target must be.
const transmissionZeroTolerance = 0.001

// minReflectionDensity is the smallest low density of a reflection target.
const minReflectionDensity = 0.01

// Target is a two-point calibration: the readings measured on two patches of
// known density. Readings fall as density rises.
type Target struct {
	LoDensity float32
	LoReading float32
	HiDensity float32
	HiReading float32
}

// NoTarget returns the unset target.
func NoTarget() Target {
	nan := float32(math.NaN())
	return Target{LoDensity: nan, LoReading: nan, HiDensity: nan, HiReading: nan}
}

// IsValid reports whether all fields are finite and non-negative, the low
// patch is lighter than the high patch and the readings fall accordingly.
func (t Target) IsValid() bool {
	for _, v := range []float32{t.LoDensity, t.LoReading, t.HiDensity, t.HiReading} {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			return false
		}
	}
	return t.LoDensity < t.HiDensity && t.LoReading > t.HiReading
}

func (t Target) IsValidReflection() bool {
	return t.IsValid() && t.LoDensity >= minReflectionDensity
}

func (t Target) IsValidTransmission() bool {
	return t.IsValid() && math.Abs(float64(t.LoDensity)) <= transmissionZeroTolerance
}

// Density maps a basic reading to density, interpolating linearly in
// log10(reading) between the two patches. The result is NaN for an invalid
// target or a non-positive reading.
func (t Target) Density(reading float64) float64 {
	if !t.IsValid() || reading <= 0 || t.HiReading <= 0 {
		return math.NaN()
	}
	loLog := math.Log10(float64(t.LoReading))
	hiLog := math.Log10(float64(t.HiReading))
	lo := float64(t.LoDensity)
	hi := float64(t.HiDensity)
	return lo + (hi-lo)*(math.Log10(reading)-loLog)/(hiLog-loLog)
}

// CorrectedDensity applies slope to the reading, when valid, before Density.
func (t Target) CorrectedDensity(reading float64, slope SlopeCorrection) float64 {
	return t.Density(slope.Apply(reading))
}

// ExpectedLogReading is the inverse of Density: the log10 reading the
// target predicts for the given density.
func (t Target) ExpectedLogReading(density float64) float64 {
	if !t.IsValid() || t.HiReading <= 0 {
		return math.NaN()
	}
	loLog := math.Log10(float64(t.LoReading))
	hiLog := math.Log10(float64(t.HiReading))
	lo := float64(t.LoDensity)
	hi := float64(t.HiDensity)
	return loLog + (density-lo)*(hiLog-loLog)/(hi-lo)
}
