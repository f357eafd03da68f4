// Package measure holds the measurement procedures run against the direct
// sensor: single-shot target measurement, the gain-ratio sweep and the
// slope regression. Procedures are step machines fed one sensor reading at
// a time, so the caller's event loop is never blocked.
package measure

import (
	"errors"
	"fmt"
	"math"

	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/sensor"
)

var (
	ErrNotConverged     = errors.New("measure: brightness search did not converge")
	ErrInsufficientData = errors.New("measure: not enough data points")
	ErrInvalidResult    = errors.New("measure: result failed validation")
	ErrSaturated        = errors.New("measure: sensor saturated")
)

// Controller is the hardware a procedure drives.
type Controller interface {
	SetLight(brightness uint8) error
	SetGain(g sensor.Gain) error
	SetIntegration(sampleTime, sampleCount uint16) error
	SetAgcEnabled(on bool) error
}

// BasicReading normalizes a raw count by integration time and gain.
func BasicReading(raw, integrationMs, gain float64) float64 {
	return raw / 16 / (integrationMs * gain)
}

type TargetPhase string

const (
	TargetPhaseIdle      TargetPhase = "idle"
	TargetPhaseIgnoring  TargetPhase = "ignoring"
	TargetPhaseAveraging TargetPhase = "averaging"
	TargetPhaseFinished  TargetPhase = "finished"
)

// TargetConfig configures a TargetMeasurement.
type TargetConfig struct {
	Kind   calibration.DeviceKind
	Gains  calibration.GainTable
	Target calibration.Target
	Slope  calibration.SlopeCorrection

	// Brightness is the light level during the measurement; 0 is dark.
	Brightness uint8

	// Short AGC pre-roll. IgnoreTarget valid readings are dropped while
	// AGC finds a gain.
	PrerollTime  uint16
	PrerollCount uint16
	IgnoreTarget int

	// Fixed integration for the averaged readings.
	SampleTime  uint16
	SampleCount uint16
	AvgTarget   int
}

// DefaultTargetConfig uses a 30 ms pre-roll and five 200 ms readings.
func DefaultTargetConfig(kind calibration.DeviceKind) TargetConfig {
	return TargetConfig{
		Kind:         kind,
		Target:       calibration.NoTarget(),
		Slope:        calibration.NoSlope(),
		PrerollTime:  719,
		PrerollCount: 29,
		IgnoreTarget: 2,
		SampleTime:   719,
		SampleCount:  199,
		AvgTarget:    5,
	}
}

// TargetUpdate reports progress of a target measurement.
type TargetUpdate struct {
	Phase        TargetPhase
	IgnoreDone   int
	IgnoreTarget int
	AvgDone      int
	AvgTarget    int
	Gain         sensor.Gain
}

// TargetResult is a finished target measurement.
type TargetResult struct {
	Gain          sensor.Gain
	GainValue     float64
	RawAverage    float64
	IntegrationMs float64
	Basic         float64
	// Density is NaN when the configured target is not valid.
	Density float64
}

// TargetMeasurement is the button-triggered single-shot measurement.
type TargetMeasurement struct {
	ctrl Controller
	cfg  TargetConfig

	phase      TargetPhase
	ignoreDone int
	avgDone    int
	sum        float64
	gain       sensor.Gain
}

func NewTargetMeasurement(ctrl Controller, cfg TargetConfig) *TargetMeasurement {
	if cfg.AvgTarget <= 0 {
		cfg.AvgTarget = 1
	}
	return &TargetMeasurement{ctrl: ctrl, cfg: cfg, phase: TargetPhaseIdle}
}

func (m *TargetMeasurement) Phase() TargetPhase { return m.phase }

// Active reports whether the measurement is waiting for readings.
func (m *TargetMeasurement) Active() bool {
	return m.phase == TargetPhaseIgnoring || m.phase == TargetPhaseAveraging
}

// Update returns the current progress.
func (m *TargetMeasurement) Update() TargetUpdate {
	return TargetUpdate{
		Phase:        m.phase,
		IgnoreDone:   m.ignoreDone,
		IgnoreTarget: m.cfg.IgnoreTarget,
		AvgDone:      m.avgDone,
		AvgTarget:    m.cfg.AvgTarget,
		Gain:         m.gain,
	}
}

// Start sets the light, selects maximum gain with AGC and begins the
// pre-roll.
func (m *TargetMeasurement) Start() error {
	m.Reset()
	steps := []func() error{
		func() error { return m.ctrl.SetLight(m.cfg.Brightness) },
		func() error { return m.ctrl.SetGain(sensor.MaxGain) },
		func() error { return m.ctrl.SetIntegration(m.cfg.PrerollTime, m.cfg.PrerollCount) },
		func() error { return m.ctrl.SetAgcEnabled(true) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("start target measurement: %w", err)
		}
	}
	m.gain = sensor.MaxGain
	m.phase = TargetPhaseIgnoring
	if m.cfg.IgnoreTarget <= 0 {
		return m.lockGain(sensor.MaxGain)
	}
	return nil
}

// Reset abandons the measurement.
func (m *TargetMeasurement) Reset() {
	m.phase = TargetPhaseIdle
	m.ignoreDone = 0
	m.avgDone = 0
	m.sum = 0
	m.gain = 0
}

// OnReading feeds one sensor reading. done is true with the result once
// the last averaged reading arrived.
func (m *TargetMeasurement) OnReading(r sensor.Reading) (TargetResult, bool, error) {
	if !m.Active() || r.Status != sensor.StatusValid {
		return TargetResult{}, false, nil
	}
	switch m.phase {
	case TargetPhaseIgnoring:
		m.ignoreDone++
		m.gain = r.Gain
		if m.ignoreDone >= m.cfg.IgnoreTarget {
			if err := m.lockGain(r.Gain); err != nil {
				m.Reset()
				return TargetResult{}, false, err
			}
		}
	case TargetPhaseAveraging:
		m.sum += float64(r.RawCount)
		m.avgDone++
		if m.avgDone >= m.cfg.AvgTarget {
			res := m.result()
			m.phase = TargetPhaseFinished
			return res, true, nil
		}
	}
	return TargetResult{}, false, nil
}

// lockGain turns AGC off at the gain it settled on and switches to the
// measurement integration.
func (m *TargetMeasurement) lockGain(g sensor.Gain) error {
	if err := m.ctrl.SetAgcEnabled(false); err != nil {
		return fmt.Errorf("disable agc: %w", err)
	}
	if err := m.ctrl.SetGain(g); err != nil {
		return fmt.Errorf("lock gain: %w", err)
	}
	if err := m.ctrl.SetIntegration(m.cfg.SampleTime, m.cfg.SampleCount); err != nil {
		return fmt.Errorf("set integration: %w", err)
	}
	m.gain = g
	m.phase = TargetPhaseAveraging
	return nil
}

func (m *TargetMeasurement) result() TargetResult {
	avg := m.sum / float64(m.avgDone)
	intMs := sensor.IntegrationMillis(m.cfg.SampleTime, m.cfg.SampleCount)
	gain := float64(m.cfg.Gains.CalibratedValue(int(m.gain), m.cfg.Kind))
	basic := BasicReading(avg, intMs, gain)
	density := math.NaN()
	if m.cfg.Target.IsValid() {
		density = m.cfg.Target.CorrectedDensity(basic, m.cfg.Slope)
	}
	return TargetResult{
		Gain:          m.gain,
		GainValue:     gain,
		RawAverage:    avg,
		IntegrationMs: intMs,
		Basic:         basic,
		Density:       density,
	}
}
