// Package sensor drives a TSL2585-class ambient light sensor behind a
// register bus.
//
// The sensor runs continuously once started and pushes one 6-byte record
// per integration cycle into its FIFO. Each data-ready interrupt is handled
// by HandleInterrupt, which yields at most one Reading.
package sensor

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrBadChipID    = errors.New("sensor: unexpected chip id")
	ErrInvalidValue = errors.New("sensor: value out of range")
)

// Bus is register access to I²C devices.
type Bus interface {
	ReadReg(addr, reg byte) (byte, error)
	ReadRegs(addr, reg byte, n int) ([]byte, error)
	WriteReg(addr, reg, value byte) error
}

// Gain is the sensor's modulator gain index. Gain0_5X is index 0 and every
// step doubles the multiplier.
type Gain uint8

const (
	Gain0_5X Gain = iota
	Gain1X
	Gain2X
	Gain4X
	Gain8X
	Gain16X
	Gain32X
	Gain64X
	Gain128X
	Gain256X

	MaxGain = Gain256X
)

// Multiplier returns the nominal gain multiplier.
func (g Gain) Multiplier() float32 {
	return 0.5 * float32(uint32(1)<<g)
}

func (g Gain) Valid() bool { return g <= MaxGain }

// Status qualifies a Reading. The zero value marks a reading that was
// never decoded.
type Status int

const (
	StatusInvalid Status = iota
	StatusValid
	StatusSaturated
	StatusOverflow
)

func (s Status) String() string {
	switch s {
	case StatusInvalid:
		return "invalid"
	case StatusValid:
		return "valid"
	case StatusSaturated:
		return "saturated"
	case StatusOverflow:
		return "overflow"
	}
	return "unknown"
}

// Reading is one decoded FIFO record.
type Reading struct {
	Status   Status
	Gain     Gain
	RawCount uint32
}

// Variant selects the fixed photodiode routing of a board.
type Variant int

const (
	VariantMeterProbe Variant = iota + 1
	VariantDensiStick
)

// photodiodeRouting returns the PHD select registers that send the
// variant's photodiodes to modulator 0 and park the rest.
func (v Variant) photodiodeRouting() [3]byte {
	switch v {
	case VariantDensiStick:
		// Center photodiode only.
		return [3]byte{0x00, 0x01, 0x00}
	default:
		// Every visible photodiode, IR photodiode parked.
		return [3]byte{0x11, 0x11, 0x01}
	}
}

type settleState int

const (
	settleIdle settleState = iota
	// settleAwaiting discards the next reading.
	settleAwaiting
	// settleAwaitingGainReset rewrites the manual gain on the next
	// interrupt, then discards one more reading.
	settleAwaitingGainReset
)

// Driver is a TSL2585 on a Bus. It is not safe for concurrent use.
type Driver struct {
	bus     Bus
	addr    byte
	variant Variant
	log     *logrus.Entry

	gain           Gain
	sampleTime     uint16
	sampleCount    uint16
	agcEnabled     bool
	agcSampleCount uint16

	running bool
	settle  settleState
}

// DefaultSampleTime and DefaultSampleCount give a 100 ms integration.
const (
	DefaultSampleTime  = 719
	DefaultSampleCount = 99
)

// New returns a driver for the sensor at Address.
func New(bus Bus, variant Variant, log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{
		bus:            bus,
		addr:           Address,
		variant:        variant,
		log:            log.WithField("component", "tsl2585"),
		gain:           MaxGain,
		sampleTime:     DefaultSampleTime,
		sampleCount:    DefaultSampleCount,
		agcSampleCount: DefaultSampleCount,
	}
}

// Init checks the chip ID, powers the sensor on and applies the current
// gain and integration settings.
func (d *Driver) Init() error {
	id, err := d.bus.ReadReg(d.addr, regID)
	if err != nil {
		return errors.Wrap(err, "read chip id")
	}
	if id != ChipID {
		return errors.Wrapf(ErrBadChipID, "got 0x%02X", id)
	}
	steps := []func() error{
		func() error { return d.write(regEnable, enablePowerOn) },
		func() error { return d.writeGain(d.gain) },
		func() error { return d.write11(regSampleTime0, d.sampleTime) },
		func() error { return d.write11(regAlsNrSamples0, d.sampleCount) },
		func() error { return d.write11(regAgcNrSamplesLo, d.agcSampleCount) },
		func() error { return d.write(regControl, controlFifoClear) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return errors.Wrap(err, "init")
		}
	}
	return nil
}

func (d *Driver) Running() bool { return d.running }
func (d *Driver) Gain() Gain { return d.gain }
func (d *Driver) SampleTime() uint16 { return d.sampleTime }
func (d *Driver) SampleCount() uint16 { return d.sampleCount }
func (d *Driver) AgcEnabled() bool { return d.agcEnabled }

// SetGain programs the manual gain.
func (d *Driver) SetGain(g Gain) error {
	if !g.Valid() {
		return errors.Wrapf(ErrInvalidValue, "gain %d", g)
	}
	if err := d.writeGain(g); err != nil {
		return errors.Wrap(err, "set gain")
	}
	d.gain = g
	d.changed()
	return nil
}

// SetSampleTime sets the sample time in 1.388889 µs steps, minus one.
func (d *Driver) SetSampleTime(v uint16) error {
	if v > maxSampleValue {
		return errors.Wrapf(ErrInvalidValue, "sample time %d", v)
	}
	if err := d.write11(regSampleTime0, v); err != nil {
		return errors.Wrap(err, "set sample time")
	}
	d.sampleTime = v
	d.changed()
	return nil
}

// SetSampleCount sets the number of samples per integration, minus one.
func (d *Driver) SetSampleCount(v uint16) error {
	if v > maxSampleValue {
		return errors.Wrapf(ErrInvalidValue, "sample count %d", v)
	}
	if err := d.write11(regAlsNrSamples0, v); err != nil {
		return errors.Wrap(err, "set sample count")
	}
	d.sampleCount = v
	d.changed()
	return nil
}

// SetIntegration sets sample time and count together.
func (d *Driver) SetIntegration(sampleTime, sampleCount uint16) error {
	if err := d.SetSampleTime(sampleTime); err != nil {
		return err
	}
	return d.SetSampleCount(sampleCount)
}

// SetAgcEnabled turns automatic gain control on or off. Turning it off
// while running restores the manual gain one cycle later.
func (d *Driver) SetAgcEnabled(on bool) error {
	v, err := d.bus.ReadReg(d.addr, regCfg8)
	if err != nil {
		return errors.Wrap(err, "read cfg8")
	}
	if on {
		v |= cfg8AlsAgcEnable
	} else {
		v &^= cfg8AlsAgcEnable
	}
	if err := d.write(regCfg8, v); err != nil {
		return errors.Wrap(err, "set agc")
	}
	wasOn := d.agcEnabled
	d.agcEnabled = on
	if d.running && wasOn && !on {
		d.settle = settleAwaitingGainReset
	} else {
		d.changed()
	}
	return nil
}

// SetAgcSampleCount sets the AGC measurement length, minus one.
func (d *Driver) SetAgcSampleCount(v uint16) error {
	if v > maxSampleValue {
		return errors.Wrapf(ErrInvalidValue, "agc sample count %d", v)
	}
	if err := d.write11(regAgcNrSamplesLo, v); err != nil {
		return errors.Wrap(err, "set agc sample count")
	}
	d.agcSampleCount = v
	return nil
}

// IntegrationDuration is (count+1)*(time+1)*1.388889 µs.
func (d *Driver) IntegrationDuration() time.Duration {
	return time.Duration(d.IntegrationMillis() * float64(time.Millisecond))
}

// IntegrationMillis is IntegrationDuration in milliseconds.
func (d *Driver) IntegrationMillis() float64 {
	return IntegrationMillis(d.sampleTime, d.sampleCount)
}

// IntegrationMillis computes the integration time of the given settings.
func IntegrationMillis(sampleTime, sampleCount uint16) float64 {
	return float64(sampleCount+1) * float64(sampleTime+1) * 1.388889 / 1000
}

// Start configures the FIFO pipeline and enables measurement. If any step
// fails the sensor is left disabled.
func (d *Driver) Start() error {
	routing := d.variant.photodiodeRouting()
	steps := []struct {
		name string
		reg  byte
		val  byte
	}{
		{"fifo map", regFifoMap, fifoMapAlsStatus | fifoMapAlsStatus2},
		{"fifo data config", regModFifoDataCfg0, fifoDataWriteEnable | fifoDataFormat32},
		{"residual calibration", regModCalibCfg2, modCalibResidualEnable},
		{"gain table", regMeasSeqrModGain, measSeqrGainTable0},
		{"photodiode routing 0", regModPhdSelect0, routing[0]},
		{"photodiode routing 1", regModPhdSelect1, routing[1]},
		{"photodiode routing 2", regModPhdSelect2, routing[2]},
		{"interrupt enable", regIntEnable, intEnableFifo},
		{"clear fifo", regControl, controlFifoClear},
		{"enable", regEnable, enablePowerOn | enableALS},
	}
	for _, s := range steps {
		if err := d.write(s.reg, s.val); err != nil {
			if derr := d.disable(); derr != nil {
				d.log.WithError(derr).Warn("disable after failed start")
			}
			return errors.Wrapf(err, "start: %s", s.name)
		}
	}
	d.running = true
	d.settle = settleIdle
	return nil
}

// Stop disables measurement and forgets pending settle work.
func (d *Driver) Stop() error {
	return errors.Wrap(d.disable(), "stop")
}

func (d *Driver) disable() error {
	d.running = false
	d.settle = settleIdle
	return d.write(regEnable, enablePowerOn)
}

// HandleInterrupt services a data-ready interrupt. It reports ok=false
// when there is nothing to deliver: an empty FIFO, or a reading taken
// with stale settings.
func (d *Driver) HandleInterrupt() (Reading, bool, error) {
	status, err := d.bus.ReadReg(d.addr, regStatus)
	if err != nil {
		return Reading{}, false, errors.Wrap(err, "read status")
	}
	if status != 0 {
		if err := d.write(regStatus, status); err != nil {
			return Reading{}, false, errors.Wrap(err, "clear status")
		}
	}

	fifo, err := d.bus.ReadRegs(d.addr, regFifoStatus0, 2)
	if err != nil {
		return Reading{}, false, errors.Wrap(err, "read fifo status")
	}
	if fifo[1]&fifoStatus1Overflow != 0 {
		if err := d.write(regControl, controlFifoClear); err != nil {
			return Reading{}, false, errors.Wrap(err, "clear fifo")
		}
		d.log.Warn("fifo overflow")
		return Reading{Status: StatusOverflow, Gain: d.gain}, true, nil
	}

	level := int(fifo[0])<<2 | int(fifo[1]&fifoStatus1LevelLo)
	entries := level / fifoEntrySize
	if entries == 0 {
		return Reading{}, false, nil
	}
	data, err := d.bus.ReadRegs(d.addr, regFifoData, entries*fifoEntrySize)
	if err != nil {
		return Reading{}, false, errors.Wrap(err, "read fifo")
	}
	if entries > 1 {
		d.log.WithField("entries", entries).Warn("discarding stale fifo entries")
	}
	r := decodeEntry(data[(entries-1)*fifoEntrySize:])

	switch d.settle {
	case settleAwaiting:
		d.settle = settleIdle
		return Reading{}, false, nil
	case settleAwaitingGainReset:
		if err := d.writeGain(d.gain); err != nil {
			return Reading{}, false, errors.Wrap(err, "restore gain")
		}
		d.settle = settleAwaiting
		return Reading{}, false, nil
	}
	return r, true, nil
}

func decodeEntry(b []byte) Reading {
	r := Reading{
		Status:   StatusValid,
		RawCount: binary.LittleEndian.Uint32(b[0:4]),
		Gain:     Gain(b[5] & status2GainMask),
	}
	if b[4]&(alsStatusDigitalSat|alsStatusAnalogSat) != 0 {
		r.Status = StatusSaturated
	}
	return r
}

// changed marks the next reading stale when the sensor is running.
func (d *Driver) changed() {
	if d.running && d.settle == settleIdle {
		d.settle = settleAwaiting
	}
}

func (d *Driver) writeGain(g Gain) error {
	return d.write(regModGain0, byte(g))
}

// write11 writes an 11-bit value to a low/high register pair.
func (d *Driver) write11(lo byte, v uint16) error {
	if err := d.write(lo, byte(v)); err != nil {
		return err
	}
	return d.write(lo+1, byte(v>>8)&0x07)
}

func (d *Driver) write(reg, v byte) error {
	return d.bus.WriteReg(d.addr, reg, v)
}
