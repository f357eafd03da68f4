package calibration

import "math"

// MaxGainValue is the largest calibrated multiplier accepted when converting
// readings. Anything outside (0, MaxGainValue] falls back to nominal.
const MaxGainValue = 512

var (
	nominalVis = []float32{1, 2, 4, 8, 16, 32, 64, 128}
	nominalTen = []float32{0.5, 1, 2, 4, 8, 16, 32, 64, 128, 256}
)

// GainTable is an ordered list of calibrated gain multipliers, lowest gain
// first. The zero value is an empty table.
type GainTable struct {
	values []float32
}

// NewGainTable returns a table holding a copy of values.
func NewGainTable(values ...float32) GainTable {
	if len(values) == 0 {
		return GainTable{}
	}
	return GainTable{values: append([]float32(nil), values...)}
}

// NominalGainTable returns the data sheet multipliers for the family.
func NominalGainTable(kind DeviceKind) GainTable {
	switch kind {
	case DeviceVis:
		return NewGainTable(nominalVis...)
	case DeviceUvVis, DeviceProbe:
		return NewGainTable(nominalTen...)
	}
	return GainTable{}
}

// NominalGain returns the data sheet multiplier of level i, or 0 when the
// family has no such level.
func NominalGain(kind DeviceKind, i int) float32 {
	return NominalGainTable(kind).At(i)
}

func (g GainTable) Len() int { return len(g.values) }

func (g GainTable) IsEmpty() bool { return len(g.values) == 0 }

// At returns the multiplier of level i, or 0 when out of range.
func (g GainTable) At(i int) float32 {
	if i < 0 || i >= len(g.values) {
		return 0
	}
	return g.values[i]
}

// Values returns a copy of the multipliers.
func (g GainTable) Values() []float32 {
	return append([]float32(nil), g.values...)
}

// With returns a new table with level i replaced by v. Out of range indexes
// return g unchanged.
func (g GainTable) With(i int, v float32) GainTable {
	if i < 0 || i >= len(g.values) {
		return g
	}
	out := g.Values()
	out[i] = v
	return GainTable{values: out}
}

// IsValid reports whether the table is empty, or holds positive finite values
// in strictly increasing order.
func (g GainTable) IsValid() bool {
	for i, v := range g.values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) || v <= 0 {
			return false
		}
		if i > 0 && v <= g.values[i-1] {
			return false
		}
	}
	return true
}

// IsValidFor additionally requires the table to have the family's level count.
func (g GainTable) IsValidFor(kind DeviceKind) bool {
	return !g.IsEmpty() && g.Len() == kind.GainLevels() && g.IsValid()
}

// Equal compares two tables after rounding each value to the given number of
// decimal places.
func (g GainTable) Equal(other GainTable, decimals int) bool {
	if len(g.values) != len(other.values) {
		return false
	}
	scale := math.Pow(10, float64(decimals))
	for i := range g.values {
		a := math.Round(float64(g.values[i]) * scale)
		b := math.Round(float64(other.values[i]) * scale)
		if a != b {
			return false
		}
	}
	return true
}

// CalibratedValue returns the calibrated multiplier for level i if it lies in
// (0, MaxGainValue], otherwise the nominal value of the family.
func (g GainTable) CalibratedValue(i int, kind DeviceKind) float32 {
	v := g.At(i)
	if v > 0 && v <= MaxGainValue && !math.IsNaN(float64(v)) {
		return v
	}
	return NominalGain(kind, i)
}
