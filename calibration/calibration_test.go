package calibration

import (
	"math"
	"testing"
)

func TestGainTableValidity(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	tests := []struct {
		name   string
		values []float32
		want   bool
	}{
		{name: "empty", values: nil, want: true},
		{name: "increasing", values: []float32{0.5, 1.02, 2.1, 4.3}, want: true},
		{name: "single", values: []float32{1}, want: true},
		{name: "equal neighbours", values: []float32{1, 2, 2, 4}, want: false},
		{name: "decreasing", values: []float32{1, 4, 2}, want: false},
		{name: "nan", values: []float32{1, nan, 4}, want: false},
		{name: "infinite", values: []float32{1, inf}, want: false},
		{name: "zero", values: []float32{0, 1}, want: false},
		{name: "negative", values: []float32{-1, 1}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewGainTable(tt.values...).IsValid(); got != tt.want {
				t.Errorf("IsValid(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

func TestGainTableIsValue(t *testing.T) {
	src := []float32{1, 2, 3}
	g := NewGainTable(src...)
	src[0] = 99
	if g.At(0) != 1 {
		t.Fatal("table aliases its input")
	}
	out := g.Values()
	out[1] = 99
	if g.At(1) != 2 {
		t.Fatal("Values exposes internal storage")
	}
	h := g.With(2, 5)
	if g.At(2) != 3 || h.At(2) != 5 {
		t.Fatalf("With mutated original: g=%v h=%v", g.Values(), h.Values())
	}
	if g.With(7, 1).Len() != 3 {
		t.Fatal("With out of range changed the table")
	}
}

func TestGainTableEqual(t *testing.T) {
	a := NewGainTable(1.0001, 2.5)
	b := NewGainTable(1.0004, 2.5)
	if !a.Equal(b, 3) {
		t.Error("tables differing past 3 decimals compared unequal")
	}
	if a.Equal(b, 4) {
		t.Error("tables differing at 4 decimals compared equal")
	}
	if a.Equal(NewGainTable(1.0001), 3) {
		t.Error("tables of different length compared equal")
	}
}

func TestCalibratedValue(t *testing.T) {
	g := NewGainTable(0.6, 1.1, 0, 600, float32(math.NaN()))
	tests := []struct {
		level int
		want  float32
	}{
		{level: 0, want: 0.6},
		{level: 1, want: 1.1},
		{level: 2, want: 2},   // zero falls back
		{level: 3, want: 4},   // above 512 falls back
		{level: 4, want: 8},   // NaN falls back
		{level: 9, want: 256}, // missing falls back
		{level: 10, want: 0},
	}
	for _, tt := range tests {
		if got := g.CalibratedValue(tt.level, DeviceProbe); got != tt.want {
			t.Errorf("CalibratedValue(%d) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestNominalGainTables(t *testing.T) {
	for _, kind := range []DeviceKind{DeviceVis, DeviceUvVis, DeviceProbe} {
		g := NominalGainTable(kind)
		if !g.IsValidFor(kind) {
			t.Errorf("nominal %s table invalid: %v", kind, g.Values())
		}
	}
	if NominalGainTable(DeviceProbe).At(8) != 128 {
		t.Error("second highest probe gain is not 128")
	}
	if !NominalGainTable(DeviceUnknown).IsEmpty() {
		t.Error("unknown device has a nominal table")
	}
}

func TestTargetValidity(t *testing.T) {
	tests := []struct {
		name         string
		target       Target
		valid        bool
		reflection   bool
		transmission bool
	}{
		{
			name:       "reflection",
			target:     Target{LoDensity: 1.00, LoReading: 10, HiDensity: 2.00, HiReading: 1},
			valid:      true,
			reflection: true,
		},
		{
			name:   "reflection below minimum",
			target: Target{LoDensity: 0.005, LoReading: 10, HiDensity: 2.00, HiReading: 1},
			valid:  true,
		},
		{
			name:         "transmission",
			target:       Target{LoDensity: 0, LoReading: 100, HiDensity: 2, HiReading: 1},
			valid:        true,
			transmission: true,
		},
		{
			name:         "transmission within tolerance",
			target:       Target{LoDensity: 0.0009, LoReading: 100, HiDensity: 2, HiReading: 1},
			valid:        true,
			transmission: true,
		},
		{
			name:   "transmission outside tolerance",
			target: Target{LoDensity: 0.002, LoReading: 100, HiDensity: 2, HiReading: 1},
			valid:  true,
		},
		{name: "unset", target: NoTarget()},
		{name: "densities reversed", target: Target{LoDensity: 2, LoReading: 10, HiDensity: 1, HiReading: 1}},
		{name: "readings rising", target: Target{LoDensity: 1, LoReading: 1, HiDensity: 2, HiReading: 10}},
		{name: "negative", target: Target{LoDensity: -1, LoReading: 10, HiDensity: 2, HiReading: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.target.IsValid(); got != tt.valid {
				t.Errorf("IsValid = %v, want %v", got, tt.valid)
			}
			if got := tt.target.IsValidReflection(); got != tt.reflection {
				t.Errorf("IsValidReflection = %v, want %v", got, tt.reflection)
			}
			if got := tt.target.IsValidTransmission(); got != tt.transmission {
				t.Errorf("IsValidTransmission = %v, want %v", got, tt.transmission)
			}
		})
	}
}

func TestTargetDensity(t *testing.T) {
	target := Target{LoDensity: 0, LoReading: 100, HiDensity: 2, HiReading: 1}
	if got := target.Density(10); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("Density(10) = %v, want 1.0", got)
	}
	if got := target.Density(100); math.Abs(got) > 1e-9 {
		t.Errorf("Density(100) = %v, want 0", got)
	}
	if got := target.Density(0); !math.IsNaN(got) {
		t.Errorf("Density(0) = %v, want NaN", got)
	}
	if got := NoTarget().Density(10); !math.IsNaN(got) {
		t.Errorf("invalid target gave %v", got)
	}
	for _, d := range []float64{0, 0.5, 1.7, 3} {
		r := math.Pow(10, target.ExpectedLogReading(d))
		if got := target.Density(r); math.Abs(got-d) > 1e-9 {
			t.Errorf("Density(ExpectedLogReading(%v)) = %v", d, got)
		}
	}
}

func TestSlopeCorrection(t *testing.T) {
	if NoSlope().IsValid() {
		t.Error("unset slope is valid")
	}
	identity := SlopeCorrection{B0: 0, B1: 1, B2: 0}
	if !identity.IsValid() {
		t.Fatal("identity slope invalid")
	}
	if got := identity.Apply(42); math.Abs(got-42) > 1e-9 {
		t.Errorf("identity Apply(42) = %v", got)
	}
	if got := NoSlope().Apply(42); got != 42 {
		t.Errorf("unset Apply(42) = %v", got)
	}
	withZ := SlopeCorrection{B0: 0, B1: 1, B2: 0, Z: float32(math.NaN()), HasZ: true}
	if withZ.IsValid() {
		t.Error("NaN z accepted")
	}
	doubling := SlopeCorrection{B0: float32(math.Log10(2)), B1: 1}
	target := Target{LoDensity: 0, LoReading: 100, HiDensity: 2, HiReading: 1}
	if got := target.CorrectedDensity(5, doubling); math.Abs(got-1.0) > 1e-6 {
		t.Errorf("CorrectedDensity(5) = %v, want 1.0", got)
	}
}

func TestRecordWith(t *testing.T) {
	r := EmptyRecord()
	if r.HasGain || r.HasSlope || r.HasTarget {
		t.Fatal("empty record has blocks")
	}
	r2 := r.WithGain(NominalGainTable(DeviceProbe)).WithSlope(SlopeCorrection{B1: 1})
	if r.HasGain || !r2.HasGain || !r2.HasSlope || r2.HasTarget {
		t.Errorf("unexpected flags: %+v", r2)
	}
}

func TestParseDeviceKind(t *testing.T) {
	for _, kind := range []DeviceKind{DeviceVis, DeviceUvVis, DeviceProbe} {
		got, err := ParseDeviceKind(kind.String())
		if err != nil || got != kind {
			t.Errorf("ParseDeviceKind(%q) = %v, %v", kind.String(), got, err)
		}
	}
	if _, err := ParseDeviceKind("toaster"); err == nil {
		t.Error("unknown kind accepted")
	}
}
