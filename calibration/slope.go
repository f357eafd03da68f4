package calibration

import "math"

// SlopeCorrection is the quadratic non-linearity correction applied in log
// space: log10(corrected) = B0 + B1*x + B2*x^2 with x = log10(reading).
// Z is the zero offset carried by the VIS family only.
type SlopeCorrection struct {
	B0, B1, B2 float32
	Z          float32
	HasZ       bool
}

// NoSlope returns the unset correction.
func NoSlope() SlopeCorrection {
	nan := float32(math.NaN())
	return SlopeCorrection{B0: nan, B1: nan, B2: nan, Z: nan}
}

// IsValid reports whether none of the coefficients in use is NaN.
func (s SlopeCorrection) IsValid() bool {
	if anyNaN(s.B0, s.B1, s.B2) {
		return false
	}
	return !s.HasZ || !math.IsNaN(float64(s.Z))
}

// Apply corrects a basic reading. Invalid corrections and non-positive
// readings pass through unchanged.
func (s SlopeCorrection) Apply(reading float64) float64 {
	if !s.IsValid() || reading <= 0 {
		return reading
	}
	x := math.Log10(reading)
	y := float64(s.B0) + float64(s.B1)*x + float64(s.B2)*x*x
	return math.Pow(10, y)
}

// Coefficients returns b0, b1, b2 in order.
func (s SlopeCorrection) Coefficients() [3]float32 {
	return [3]float32{s.B0, s.B1, s.B2}
}

// TemperatureCorrection is a quadratic in the sensor temperature, kept by the
// UV/VIS family once for the VIS channel and once for UV.
type TemperatureCorrection struct {
	B0, B1, B2 float32
}

// NoTemperature returns the unset correction.
func NoTemperature() TemperatureCorrection {
	nan := float32(math.NaN())
	return TemperatureCorrection{B0: nan, B1: nan, B2: nan}
}

func (c TemperatureCorrection) IsValid() bool {
	return !anyNaN(c.B0, c.B1, c.B2)
}

// Eval returns b0 + b1*t + b2*t^2.
func (c TemperatureCorrection) Eval(t float64) float64 {
	return float64(c.B0) + float64(c.B1)*t + float64(c.B2)*t*t
}

func anyNaN(values ...float32) bool {
	for _, v := range values {
		if math.IsNaN(float64(v)) {
			return true
		}
	}
	return false
}
