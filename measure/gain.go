package measure

import (
	"fmt"
	"time"

	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/sensor"
)

type GainPhase string

const (
	GainPhaseIdle        GainPhase = "idle"
	GainPhaseSearching   GainPhase = "searching"
	GainPhaseMeasureHigh GainPhase = "measure-high"
	GainPhaseMeasureLow  GainPhase = "measure-low"
	GainPhaseFinished    GainPhase = "finished"
)

// GainConfig configures a GainCalibration.
type GainConfig struct {
	// Levels is the number of gain levels; the highest is Levels-1.
	Levels int
	// Anchor is the value assigned to the second-highest level.
	Anchor float64

	MinBrightness uint8
	MaxBrightness uint8

	// A search reading is acceptable when not saturated and at most
	// CountCeiling. The chosen brightness must reach CountFloor.
	CountCeiling uint32
	CountFloor   uint32

	Samples     int
	SettleDelay time.Duration
	SampleTime  uint16
	SampleCount uint16
}

func DefaultGainConfig() GainConfig {
	return GainConfig{
		Levels:        10,
		Anchor:        128,
		MinBrightness: 1,
		MaxBrightness: 127,
		CountCeiling:  1_000_000,
		CountFloor:    10_000,
		Samples:       5,
		SettleDelay:   500 * time.Millisecond,
		SampleTime:    719,
		SampleCount:   99,
	}
}

// GainUpdate reports sweep progress.
type GainUpdate struct {
	Phase      GainPhase
	Level      int
	Brightness uint8
	PairsDone  int
	PairsTotal int
}

// GainCalibration measures the ratio between each pair of adjacent gain
// levels under the same illumination and chains the ratios into a table.
// A failure anywhere abandons the whole sweep.
type GainCalibration struct {
	ctrl Controller
	cfg  GainConfig

	phase       GainPhase
	level       int
	lo, hi      int
	best        int
	bestRaw     uint32
	brightness  uint8
	settleUntil time.Time

	sum    float64
	n      int
	hiAvg  float64
	ratios []float64
	result calibration.GainTable
}

func NewGainCalibration(ctrl Controller, cfg GainConfig) *GainCalibration {
	return &GainCalibration{ctrl: ctrl, cfg: cfg, phase: GainPhaseIdle}
}

func (c *GainCalibration) Phase() GainPhase { return c.phase }

func (c *GainCalibration) Active() bool {
	return c.phase != GainPhaseIdle && c.phase != GainPhaseFinished
}

func (c *GainCalibration) Update() GainUpdate {
	total := c.cfg.Levels - 1
	done := 0
	if c.Active() {
		done = total - c.level
	} else if c.phase == GainPhaseFinished {
		done = total
	}
	return GainUpdate{
		Phase:      c.phase,
		Level:      c.level,
		Brightness: c.brightness,
		PairsDone:  done,
		PairsTotal: total,
	}
}

// Result is the calibrated table of a finished sweep.
func (c *GainCalibration) Result() calibration.GainTable { return c.result }

// Reset abandons the sweep.
func (c *GainCalibration) Reset() {
	c.phase = GainPhaseIdle
	c.level = 0
	c.ratios = nil
	c.sum, c.n, c.hiAvg = 0, 0, 0
	c.result = calibration.GainTable{}
}

// Start begins the sweep at the highest gain level.
func (c *GainCalibration) Start(now time.Time) error {
	c.Reset()
	if c.cfg.Levels < 2 || c.cfg.Samples <= 0 || c.cfg.MinBrightness > c.cfg.MaxBrightness {
		return fmt.Errorf("gain calibration: invalid config")
	}
	if err := c.ctrl.SetAgcEnabled(false); err != nil {
		return fmt.Errorf("gain calibration: %w", err)
	}
	if err := c.ctrl.SetIntegration(c.cfg.SampleTime, c.cfg.SampleCount); err != nil {
		return fmt.Errorf("gain calibration: %w", err)
	}
	c.ratios = make([]float64, c.cfg.Levels)
	c.level = c.cfg.Levels - 1
	if err := c.startSearch(now); err != nil {
		c.Reset()
		return err
	}
	return nil
}

// OnReading feeds one reading taken at now. done is true once Result holds
// the calibrated table. Any error has already reset the sweep.
func (c *GainCalibration) OnReading(r sensor.Reading, now time.Time) (bool, error) {
	if !c.Active() || now.Before(c.settleUntil) || r.Status == sensor.StatusOverflow {
		return false, nil
	}
	var (
		done bool
		err  error
	)
	switch c.phase {
	case GainPhaseSearching:
		err = c.onSearch(r, now)
	case GainPhaseMeasureHigh, GainPhaseMeasureLow:
		done, err = c.onMeasure(r, now)
	}
	if err != nil {
		c.Reset()
		return false, err
	}
	return done, nil
}

func (c *GainCalibration) startSearch(now time.Time) error {
	c.phase = GainPhaseSearching
	c.lo = int(c.cfg.MinBrightness)
	c.hi = int(c.cfg.MaxBrightness)
	c.best = -1
	c.bestRaw = 0
	return c.probe(now)
}

// probe lights the midpoint of the remaining brightness range.
func (c *GainCalibration) probe(now time.Time) error {
	c.brightness = uint8((c.lo + c.hi) / 2)
	return c.apply(c.level, c.brightness, now)
}

func (c *GainCalibration) apply(level int, brightness uint8, now time.Time) error {
	if err := c.ctrl.SetGain(sensor.Gain(level)); err != nil {
		return fmt.Errorf("gain calibration: set gain %d: %w", level, err)
	}
	if err := c.ctrl.SetLight(brightness); err != nil {
		return fmt.Errorf("gain calibration: set light %d: %w", brightness, err)
	}
	c.settleUntil = now.Add(c.cfg.SettleDelay)
	return nil
}

func (c *GainCalibration) onSearch(r sensor.Reading, now time.Time) error {
	if r.Status == sensor.StatusValid && r.RawCount <= c.cfg.CountCeiling {
		c.best = int(c.brightness)
		c.bestRaw = r.RawCount
		c.lo = int(c.brightness) + 1
	} else {
		c.hi = int(c.brightness) - 1
	}
	if c.lo <= c.hi {
		return c.probe(now)
	}
	if c.best < 0 || c.bestRaw < c.cfg.CountFloor {
		return fmt.Errorf("gain level %d: %w", c.level, ErrNotConverged)
	}
	c.brightness = uint8(c.best)
	c.phase = GainPhaseMeasureHigh
	c.sum, c.n = 0, 0
	return c.apply(c.level, c.brightness, now)
}

func (c *GainCalibration) onMeasure(r sensor.Reading, now time.Time) (bool, error) {
	if r.Status != sensor.StatusValid {
		return false, fmt.Errorf("gain level %d: %w", c.level, ErrSaturated)
	}
	c.sum += float64(r.RawCount)
	c.n++
	if c.n < c.cfg.Samples {
		return false, nil
	}
	avg := c.sum / float64(c.n)
	c.sum, c.n = 0, 0

	if c.phase == GainPhaseMeasureHigh {
		c.hiAvg = avg
		c.phase = GainPhaseMeasureLow
		return false, c.apply(c.level-1, c.brightness, now)
	}

	if avg <= 0 {
		return false, fmt.Errorf("gain level %d: %w", c.level-1, ErrInsufficientData)
	}
	c.ratios[c.level] = c.hiAvg / avg
	c.level--
	if c.level > 0 {
		return false, c.startSearch(now)
	}
	return c.finish()
}

func (c *GainCalibration) finish() (bool, error) {
	table, err := ChainRatios(c.ratios, c.cfg.Anchor)
	if err != nil {
		return false, err
	}
	if err := c.ctrl.SetLight(0); err != nil {
		return false, fmt.Errorf("gain calibration: light off: %w", err)
	}
	c.result = table
	c.phase = GainPhaseFinished
	return true, nil
}

// ChainRatios builds a gain table from adjacent-level ratios, where
// ratios[i] is gain(i)/gain(i-1) and ratios[0] is unused. The
// second-highest level is pinned to anchor.
func ChainRatios(ratios []float64, anchor float64) (calibration.GainTable, error) {
	n := len(ratios)
	if n < 2 {
		return calibration.GainTable{}, ErrInsufficientData
	}
	values := make([]float32, n)
	top := anchor
	values[n-2] = float32(top)
	values[n-1] = float32(top * ratios[n-1])
	v := top
	for i := n - 3; i >= 0; i-- {
		v /= ratios[i+1]
		values[i] = float32(v)
	}
	table := calibration.NewGainTable(values...)
	if !table.IsValid() {
		return calibration.GainTable{}, ErrInvalidResult
	}
	return table, nil
}
