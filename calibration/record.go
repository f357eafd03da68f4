package calibration

// Record is the complete calibration of a directly attached sensor as
// stored in EEPROM. A block that failed its integrity check is absent, with
// its Has flag false.
type Record struct {
	Gain   GainTable
	Slope  SlopeCorrection
	Target Target

	HasGain   bool
	HasSlope  bool
	HasTarget bool
}

// EmptyRecord returns a record with every block absent.
func EmptyRecord() Record {
	return Record{Slope: NoSlope(), Target: NoTarget()}
}

// WithGain returns a copy of r holding gain.
func (r Record) WithGain(gain GainTable) Record {
	r.Gain = gain
	r.HasGain = !gain.IsEmpty()
	return r
}

// WithSlope returns a copy of r holding slope.
func (r Record) WithSlope(slope SlopeCorrection) Record {
	r.Slope = slope
	r.HasSlope = slope.IsValid()
	return r
}

// WithTarget returns a copy of r holding target.
func (r Record) WithTarget(target Target) Record {
	r.Target = target
	r.HasTarget = target.IsValid()
	return r
}
