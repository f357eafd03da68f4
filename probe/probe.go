// Package probe runs a directly attached sensor probe: the USB bridge, the
// light sensor, the LED and the calibration EEPROM behind it.
//
// Everything is owned by the goroutine executing Run. The bridge's reader
// goroutine only delivers events; other goroutines go through Post.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dektronics/densitometer-desktop-sub000/bridge"
	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/eeprom"
	"github.com/dektronics/densitometer-desktop-sub000/measure"
	"github.com/dektronics/densitometer-desktop-sub000/sensor"
)

var (
	ErrBusy         = errors.New("probe: operation in progress")
	ErrStopped      = errors.New("probe: stopped")
	ErrBridgeClosed = errors.New("probe: bridge closed")
)

// Hardware is the bridge as used by the probe.
type Hardware interface {
	eeprom.Bus
	sensor.Bus
	LightBus
	Events() <-chan bridge.Event
	Close() error
}

// Config configures a Probe.
type Config struct {
	Bridge bridge.Config
	// LEDMask is the bridge GPIO enabling the LED driver.
	LEDMask byte
	// TickInterval paces EEPROM page writes; it must not be shorter than
	// eeprom.WriteSettle.
	TickInterval time.Duration
	// MeasureOnButton starts a target measurement on each button press.
	MeasureOnButton bool

	Target measure.TargetConfig
	Sweep  measure.GainConfig
}

func DefaultConfig() Config {
	return Config{
		Bridge:          bridge.DefaultConfig(),
		LEDMask:         0x08,
		TickInterval:    10 * time.Millisecond,
		MeasureOnButton: true,
		Target:          measure.DefaultTargetConfig(calibration.DeviceProbe),
		Sweep:           measure.DefaultGainConfig(),
	}
}

// Probe is an open sensor probe.
type Probe struct {
	log *logrus.Entry
	onEvent func(Event)
	cfg Config

	hw     Hardware
	sensor *sensor.Driver
	light  *Light
	store  *eeprom.Store

	header eeprom.Header
	record calibration.Record

	target  *measure.TargetMeasurement
	sweep   *measure.GainCalibration
	writer  *eeprom.PageWriter
	pending calibration.Record

	now      func() time.Time
	calls    chan func(*Probe)
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Open finds the bridge described by cfg and opens the probe behind it.
func Open(cfg Config, log *logrus.Logger, onEvent func(Event)) (*Probe, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	br, err := bridge.Open(cfg.Bridge, logrus.NewEntry(log))
	if err != nil {
		return nil, fmt.Errorf("open probe: %w", err)
	}
	p, err := New(br, cfg, log, onEvent)
	if err != nil {
		_ = br.Close()
		return nil, err
	}
	return p, nil
}

// New opens the probe on hw: it reads the EEPROM header and calibration,
// initializes the sensor and turns the light off. Unreadable EEPROM
// contents are logged and treated as absent.
func New(hw Hardware, cfg Config, log *logrus.Logger, onEvent func(Event)) (*Probe, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	if cfg.TickInterval < eeprom.WriteSettle {
		cfg.TickInterval = eeprom.WriteSettle
	}
	entry := log.WithField("component", "probe")
	p := &Probe{
		log:     entry,
		onEvent: onEvent,
		cfg:     cfg,
		hw:      hw,
		light:   NewLight(hw, cfg.LEDMask),
		store:   eeprom.New(hw),
		record:  calibration.EmptyRecord(),
		now:     time.Now,
		calls:   make(chan func(*Probe), 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	variant := sensor.VariantMeterProbe
	if h, err := p.store.ReadHeader(); err != nil {
		entry.WithError(err).Warn("eeprom header unreadable")
	} else {
		p.header = h
		if h.DeviceType == eeprom.DeviceTypeDensiStick {
			variant = sensor.VariantDensiStick
		}
		entry.WithFields(logrus.Fields{
			"type":     h.DeviceType,
			"revision": h.DeviceRevision,
		}).Info("probe identified")
	}
	if rec, err := p.store.ReadCalibration(); err != nil {
		entry.WithError(err).Warn("eeprom calibration unreadable")
	} else {
		p.record = rec
	}

	p.sensor = sensor.New(hw, variant, entry)
	if err := p.sensor.Init(); err != nil {
		return nil, fmt.Errorf("init sensor: %w", err)
	}
	if err := p.light.Off(); err != nil {
		return nil, fmt.Errorf("light off: %w", err)
	}
	return p, nil
}

func (p *Probe) Header() eeprom.Header { return p.header }

// Record returns the calibration currently in effect.
func (p *Probe) Record() calibration.Record { return p.record }

func (p *Probe) Sensor() *sensor.Driver { return p.sensor }

func (p *Probe) Brightness() uint8 { return p.light.Brightness() }

// Busy reports whether a measurement, sweep or EEPROM write is running.
func (p *Probe) Busy() bool {
	return (p.target != nil && p.target.Active()) ||
		(p.sweep != nil && p.sweep.Active()) ||
		p.writer != nil
}

// Run services bridge events, posted calls and the write ticker until ctx
// is done, Stop is called or the bridge goes away. The hardware is left
// safe and closed on return. Run may be called once.
func (p *Probe) Run(ctx context.Context) error {
	defer close(p.done)
	defer p.shutdown()
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	events := p.hw.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stop:
			return nil
		case fn := <-p.calls:
			fn(p)
		case e, ok := <-events:
			if !ok {
				p.emit(Event{Type: EventError, Err: ErrBridgeClosed})
				return ErrBridgeClosed
			}
			p.handleBridgeEvent(e)
		case <-ticker.C:
			p.tick()
		}
	}
}

// Post queues fn to run on the goroutine executing Run. It returns false
// once the probe has been stopped or Run has returned.
func (p *Probe) Post(fn func(*Probe)) bool {
	select {
	case <-p.stop:
		return false
	case <-p.done:
		return false
	default:
	}
	select {
	case p.calls <- fn:
		return true
	case <-p.stop:
		return false
	case <-p.done:
		return false
	}
}

// Stop makes Run return. It is safe to call from any goroutine, more than
// once.
func (p *Probe) Stop() { p.stopOnce.Do(func() { close(p.stop) }) }

// Done is closed after Run has returned and the hardware is closed.
func (p *Probe) Done() <-chan struct{} { return p.done }

func (p *Probe) emit(e Event) { p.onEvent(e) }

func (p *Probe) shutdown() {
	p.CancelOperation()
	if err := p.hw.Close(); err != nil {
		p.log.WithError(err).Debug("close bridge")
	}
	p.emit(Event{Type: EventClosed})
}

// StartSensor starts continuous measurement.
func (p *Probe) StartSensor() error {
	if err := p.sensor.Start(); err != nil {
		return fmt.Errorf("start sensor: %w", err)
	}
	return nil
}

// StopSensor stops measurement. Running procedures are cancelled.
func (p *Probe) StopSensor() error {
	p.resetOperations()
	if err := p.sensor.Stop(); err != nil {
		return fmt.Errorf("stop sensor: %w", err)
	}
	return nil
}

func (p *Probe) SetLight(brightness uint8) error {
	return p.light.SetBrightness(brightness)
}

func (p *Probe) SetGain(g sensor.Gain) error {
	return p.sensor.SetGain(g)
}

func (p *Probe) SetIntegration(sampleTime, sampleCount uint16) error {
	return p.sensor.SetIntegration(sampleTime, sampleCount)
}

func (p *Probe) SetAgcEnabled(on bool) error {
	return p.sensor.SetAgcEnabled(on)
}

// MeasureTarget starts a single-shot target measurement with the current
// calibration.
func (p *Probe) MeasureTarget() error {
	if p.Busy() {
		return ErrBusy
	}
	if err := p.ensureRunning(); err != nil {
		return err
	}
	cfg := p.cfg.Target
	cfg.Kind = calibration.DeviceProbe
	cfg.Gains = p.record.Gain
	cfg.Target = p.record.Target
	cfg.Slope = p.record.Slope
	p.target = measure.NewTargetMeasurement(p, cfg)
	if err := p.target.Start(); err != nil {
		p.abort(err)
		return err
	}
	p.emit(Event{Type: EventTargetMeasurement, Target: p.target.Update()})
	return nil
}

// StartGainCalibration starts the gain-ratio sweep.
func (p *Probe) StartGainCalibration() error {
	if p.Busy() {
		return ErrBusy
	}
	if err := p.ensureRunning(); err != nil {
		return err
	}
	p.sweep = measure.NewGainCalibration(p, p.cfg.Sweep)
	if err := p.sweep.Start(p.now()); err != nil {
		p.emit(Event{Type: EventGainCalibrationFailed, Err: err})
		p.abort(err)
		return err
	}
	p.emit(Event{Type: EventGainCalibrationProgress, Sweep: p.sweep.Update()})
	return nil
}

// CancelOperation abandons any measurement, sweep or EEPROM write, turns
// the light off and disables the sensor.
func (p *Probe) CancelOperation() {
	p.resetOperations()
	p.safe()
}

// SaveCalibration writes rec to the EEPROM in the background. rec takes
// effect once EventCalibrationSaved is emitted.
func (p *Probe) SaveCalibration(rec calibration.Record) error {
	if p.Busy() {
		return ErrBusy
	}
	w, err := eeprom.NewPageWriter(p.hw, eeprom.CalibrationOffset, eeprom.EncodeCalibration(rec))
	if err != nil {
		return fmt.Errorf("save calibration: %w", err)
	}
	p.writer = w
	p.pending = rec
	p.log.WithField("pages", w.Pending()).Info("writing calibration")
	return nil
}

func (p *Probe) ensureRunning() error {
	if p.sensor.Running() {
		return nil
	}
	return p.StartSensor()
}

func (p *Probe) resetOperations() {
	if p.target != nil {
		p.target.Reset()
		p.target = nil
	}
	if p.sweep != nil {
		p.sweep.Reset()
		p.sweep = nil
	}
	if p.writer != nil {
		p.log.Warn("calibration write abandoned")
		p.writer = nil
	}
}

// safe turns the light off and disables the sensor.
func (p *Probe) safe() {
	if err := p.light.Off(); err != nil {
		p.log.WithError(err).Warn("light off")
	}
	if err := p.sensor.Stop(); err != nil {
		p.log.WithError(err).Warn("sensor stop")
	}
}

// abort ends the running procedure after a failure.
func (p *Probe) abort(err error) {
	p.log.WithError(err).Error("operation failed")
	p.emit(Event{Type: EventError, Err: err})
	p.CancelOperation()
}

func (p *Probe) handleBridgeEvent(e bridge.Event) {
	switch e.Kind {
	case bridge.EventButton:
		p.emit(Event{Type: EventButton, Pressed: e.Pressed})
		if e.Pressed && p.cfg.MeasureOnButton && !p.Busy() {
			if err := p.MeasureTarget(); err != nil {
				p.log.WithError(err).Warn("button measurement")
			}
		}
	case bridge.EventSensorInterrupt:
		p.handleInterrupt()
	}
}

func (p *Probe) handleInterrupt() {
	r, ok, err := p.sensor.HandleInterrupt()
	if err != nil {
		if p.sweep != nil && p.sweep.Active() {
			p.emit(Event{Type: EventGainCalibrationFailed, Err: err})
		}
		p.abort(err)
		return
	}
	if !ok {
		return
	}
	basic := measure.BasicReading(float64(r.RawCount), p.sensor.IntegrationMillis(),
		float64(p.record.Gain.CalibratedValue(int(r.Gain), calibration.DeviceProbe)))
	p.emit(Event{Type: EventSensorReading, Reading: r, Basic: basic})

	switch {
	case p.target != nil && p.target.Active():
		p.feedTarget(r)
	case p.sweep != nil && p.sweep.Active():
		p.feedSweep(r)
	}
}

func (p *Probe) feedTarget(r sensor.Reading) {
	res, done, err := p.target.OnReading(r)
	if err != nil {
		p.abort(err)
		return
	}
	if !done {
		p.emit(Event{Type: EventTargetMeasurement, Target: p.target.Update()})
		return
	}
	p.target = nil
	if err := p.light.Off(); err != nil {
		p.log.WithError(err).Warn("light off")
	}
	p.log.WithFields(logrus.Fields{
		"basic":   res.Basic,
		"density": res.Density,
		"gain":    res.Gain,
	}).Info("target measured")
	p.emit(Event{Type: EventTargetDensity, Result: res})
}

func (p *Probe) feedSweep(r sensor.Reading) {
	before := p.sweep.Update()
	done, err := p.sweep.OnReading(r, p.now())
	if err != nil {
		p.emit(Event{Type: EventGainCalibrationFailed, Err: err})
		p.abort(err)
		return
	}
	if done {
		table := p.sweep.Result()
		p.sweep = nil
		p.record = p.record.WithGain(table)
		p.log.WithField("gains", table.Values()).Info("gain calibration complete")
		p.emit(Event{Type: EventGainCalibrationComplete, Gain: table})
		return
	}
	if after := p.sweep.Update(); after != before {
		p.emit(Event{Type: EventGainCalibrationProgress, Sweep: after})
	}
}

// tick advances a pending EEPROM write by one page.
func (p *Probe) tick() {
	if p.writer == nil {
		return
	}
	done, err := p.writer.Step()
	if err != nil {
		p.writer = nil
		p.log.WithError(err).Error("calibration write failed")
		p.emit(Event{Type: EventError, Err: fmt.Errorf("save calibration: %w", err)})
		return
	}
	if done {
		p.writer = nil
		p.record = p.pending
		p.log.Info("calibration saved")
		p.emit(Event{Type: EventCalibrationSaved, Record: p.record})
	}
}
