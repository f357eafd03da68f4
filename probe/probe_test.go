package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dektronics/densitometer-desktop-sub000/bridge"
	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/eeprom"
	"github.com/dektronics/densitometer-desktop-sub000/measure"
	"github.com/dektronics/densitometer-desktop-sub000/sensor"
)

// TSL2585 registers touched by the fake.
const (
	tslID          = 0x92
	tslEnable      = 0x80
	tslGain        = 0xB9
	tslControl     = 0xFA
	tslFifoStatus0 = 0xFD
	tslFifoData    = 0xFF
	tslAnalogSat   = 0x10
)

// fakeHardware is a bridge with a TSL2585, a 24C08 and an MCP4018 behind it.
type fakeHardware struct {
	mu sync.Mutex

	regs map[byte]byte
	fifo []byte
	mem  [eeprom.Size]byte

	wiper      byte
	gpio       byte
	pageWrites int
	failPot    bool

	// respond produces the next sample from the light and gain settings.
	respond func(wiper, gain byte) (raw uint32, status byte)

	events chan bridge.Event
	closed bool
}

func newFakeHardware() *fakeHardware {
	return &fakeHardware{
		regs:   map[byte]byte{tslID: sensor.ChipID},
		gpio:   0xFF,
		events: make(chan bridge.Event, 8),
		respond: func(wiper, gain byte) (uint32, byte) {
			return 1000, 0
		},
	}
}

func (h *fakeHardware) ReadReg(_, reg byte) (byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.regs[reg], nil
}

func (h *fakeHardware) ReadRegs(_, reg byte, n int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch reg {
	case tslFifoStatus0:
		return []byte{byte(len(h.fifo) >> 2), byte(len(h.fifo) & 3)}, nil
	case tslFifoData:
		out := append([]byte(nil), h.fifo[:n]...)
		h.fifo = h.fifo[n:]
		return out, nil
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = h.regs[reg+byte(i)]
	}
	return out, nil
}

func (h *fakeHardware) WriteReg(_, reg, val byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.regs[reg] = val
	if reg == tslControl && val&0x02 != 0 {
		h.fifo = nil
	}
	return nil
}

func (h *fakeHardware) I2CWrite(addr byte, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if addr == PotAddress {
		if h.failPot {
			return errors.New("pot nack")
		}
		h.wiper = data[0]
		return nil
	}
	base := int(addr&0x03)<<8 | int(data[0])
	for i, b := range data[1:] {
		page := base &^ (eeprom.PageSize - 1)
		h.mem[page+(base+i)%eeprom.PageSize] = b
	}
	h.pageWrites++
	return nil
}

func (h *fakeHardware) I2CWriteRead(addr byte, w []byte, n int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	start := int(addr&0x03)<<8 | int(w[0])
	return append([]byte(nil), h.mem[start:start+n]...), nil
}

func (h *fakeHardware) GPIOWrite(mask, value byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gpio = h.gpio&^mask | value&mask
	return nil
}

func (h *fakeHardware) Events() <-chan bridge.Event { return h.events }

func (h *fakeHardware) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// sample pushes one FIFO entry computed from the current settings.
func (h *fakeHardware) sample() {
	h.mu.Lock()
	defer h.mu.Unlock()
	gain := h.regs[tslGain]
	raw, status := h.respond(h.wiper, gain)
	var b [6]byte
	binary.LittleEndian.PutUint32(b[:4], raw)
	b[4] = status
	b[5] = gain
	h.fifo = append(h.fifo, b[:]...)
}

func (h *fakeHardware) program(t *testing.T, hdr eeprom.Header, rec calibration.Record) {
	t.Helper()
	copy(h.mem[eeprom.HeaderOffset:], eeprom.EncodeHeader(hdr))
	copy(h.mem[eeprom.CalibrationOffset:], eeprom.EncodeCalibration(rec))
}

func (h *fakeHardware) ledOn() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gpio&DefaultConfig().LEDMask != 0
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventLog() *eventLog { return &eventLog{ch: make(chan Event, 4096)} }

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	select {
	case l.ch <- e:
	default:
	}
}

func (l *eventLog) last(typ EventType) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == typ {
			return l.events[i], true
		}
	}
	return Event{}, false
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func openTestProbe(t *testing.T, hw *fakeHardware) (*Probe, *eventLog) {
	t.Helper()
	events := newEventLog()
	p, err := New(hw, DefaultConfig(), quietLogger(), events.add)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, events
}

var testTarget = calibration.Target{LoDensity: 0, LoReading: 100, HiDensity: 2, HiReading: 1}

func TestNewLoadsEEPROM(t *testing.T) {
	hw := newFakeHardware()
	rec := calibration.EmptyRecord().
		WithGain(calibration.NominalGainTable(calibration.DeviceProbe)).
		WithTarget(testTarget)
	hdr := eeprom.Header{Version: eeprom.HeaderVersion, DeviceType: eeprom.DeviceTypeDensiStick, DeviceRevision: 2}
	hw.program(t, hdr, rec)
	hw.wiper = 50

	p, _ := openTestProbe(t, hw)
	if p.Header() != hdr {
		t.Errorf("header = %+v", p.Header())
	}
	got := p.Record()
	if !got.HasGain || !got.HasTarget || got.HasSlope {
		t.Errorf("record flags gain=%v target=%v slope=%v", got.HasGain, got.HasTarget, got.HasSlope)
	}
	if got.Target != testTarget {
		t.Errorf("target = %+v", got.Target)
	}
	if hw.wiper != 0 || hw.ledOn() {
		t.Error("light not off after open")
	}
	if hw.regs[tslEnable] != 0x01 {
		t.Errorf("sensor enable = %02X, want powered but idle", hw.regs[tslEnable])
	}
}

func TestNewBlankEEPROM(t *testing.T) {
	p, _ := openTestProbe(t, newFakeHardware())
	rec := p.Record()
	if rec.HasGain || rec.HasSlope || rec.HasTarget {
		t.Errorf("blank eeprom produced %+v", rec)
	}
}

func TestNewSensorMissing(t *testing.T) {
	hw := newFakeHardware()
	hw.regs[tslID] = 0
	if _, err := New(hw, DefaultConfig(), quietLogger(), nil); !errors.Is(err, sensor.ErrBadChipID) {
		t.Errorf("err = %v", err)
	}
}

func TestSaveCalibration(t *testing.T) {
	hw := newFakeHardware()
	p, events := openTestProbe(t, hw)
	rec := calibration.EmptyRecord().
		WithGain(calibration.NewGainTable(0.5, 1.01, 2, 4.1, 8, 16.2, 32, 64.5, 128, 255)).
		WithSlope(calibration.SlopeCorrection{B0: 0.01, B1: 0.99, B2: 0.002}).
		WithTarget(testTarget)

	if err := p.SaveCalibration(rec); err != nil {
		t.Fatal(err)
	}
	if err := p.SaveCalibration(rec); !errors.Is(err, ErrBusy) {
		t.Errorf("second save: err = %v", err)
	}
	for i := 0; i < 7; i++ {
		if _, ok := events.last(EventCalibrationSaved); ok {
			t.Fatalf("saved after %d pages", i)
		}
		p.tick()
	}
	e, ok := events.last(EventCalibrationSaved)
	if !ok {
		t.Fatal("no EventCalibrationSaved")
	}
	if hw.pageWrites != 7 {
		t.Errorf("%d page writes, want 7", hw.pageWrites)
	}
	if p.Busy() {
		t.Error("busy after save")
	}
	if !e.Record.Gain.Equal(rec.Gain, 6) || !p.Record().HasSlope {
		t.Errorf("saved record = %+v", e.Record)
	}
	stored, err := eeprom.DecodeCalibration(hw.mem[eeprom.CalibrationOffset : eeprom.CalibrationOffset+eeprom.CalibrationSize])
	if err != nil || !stored.HasGain || !stored.HasSlope || !stored.HasTarget {
		t.Errorf("stored = %+v, err = %v", stored, err)
	}
}

func TestCancelDuringSaveLeavesSafeState(t *testing.T) {
	hw := newFakeHardware()
	p, events := openTestProbe(t, hw)
	if err := p.StartSensor(); err != nil {
		t.Fatal(err)
	}
	if err := p.SetLight(90); err != nil {
		t.Fatal(err)
	}
	if err := p.SaveCalibration(calibration.EmptyRecord()); err != nil {
		t.Fatal(err)
	}
	p.tick()
	p.CancelOperation()
	p.tick()
	if hw.pageWrites != 1 {
		t.Errorf("%d page writes after cancel, want 1", hw.pageWrites)
	}
	if _, ok := events.last(EventCalibrationSaved); ok {
		t.Error("cancelled write reported saved")
	}
	if p.Busy() || p.Sensor().Running() {
		t.Error("not idle after cancel")
	}
	if hw.wiper != 0 || hw.ledOn() {
		t.Error("light left on")
	}
}

func TestButtonMeasuresTarget(t *testing.T) {
	hw := newFakeHardware()
	hw.program(t, eeprom.Header{Version: eeprom.HeaderVersion, DeviceType: eeprom.DeviceTypeMeterProbe},
		calibration.EmptyRecord().WithTarget(testTarget))

	intMs := sensor.IntegrationMillis(719, 199)
	// A basic reading of 10 at 256x, halfway between the target patches.
	raw := uint32(math.Round(10 * 16 * intMs * 256))
	hw.respond = func(wiper, gain byte) (uint32, byte) { return raw, 0 }

	p, events := openTestProbe(t, hw)
	p.handleBridgeEvent(bridge.Event{Kind: bridge.EventButton, Pressed: true})
	if _, ok := events.last(EventButton); !ok {
		t.Fatal("no button event")
	}
	if !p.Busy() || !p.Sensor().Running() {
		t.Fatal("button did not start a measurement")
	}
	if err := p.MeasureTarget(); !errors.Is(err, ErrBusy) {
		t.Errorf("overlapping measurement: err = %v", err)
	}

	for i := 0; i < 30 && p.Busy(); i++ {
		hw.sample()
		p.handleBridgeEvent(bridge.Event{Kind: bridge.EventSensorInterrupt})
	}
	e, ok := events.last(EventTargetDensity)
	if !ok {
		t.Fatal("no EventTargetDensity")
	}
	if e.Result.Gain != sensor.MaxGain || e.Result.GainValue != 256 {
		t.Errorf("gain = %d (%v)", e.Result.Gain, e.Result.GainValue)
	}
	if math.Abs(e.Result.Density-1) > 1e-6 {
		t.Errorf("density = %v, want 1", e.Result.Density)
	}
	if _, ok := events.last(EventSensorReading); !ok {
		t.Error("no sensor reading events")
	}
	if p.Sensor().AgcEnabled() {
		t.Error("agc left on")
	}
}

func TestGainCalibrationThroughProbe(t *testing.T) {
	hw := newFakeHardware()
	hw.respond = func(wiper, gain byte) (uint32, byte) {
		raw := float64(wiper) * 100 * float64(sensor.Gain(gain).Multiplier())
		if raw > 2e6 {
			return 2_000_000, tslAnalogSat
		}
		return uint32(raw), 0
	}
	p, events := openTestProbe(t, hw)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	if err := p.StartGainCalibration(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5000 && p.Busy(); i++ {
		now = now.Add(100 * time.Millisecond)
		hw.sample()
		p.handleBridgeEvent(bridge.Event{Kind: bridge.EventSensorInterrupt})
	}
	if e, ok := events.last(EventGainCalibrationFailed); ok {
		t.Fatalf("sweep failed: %v", e.Err)
	}
	e, ok := events.last(EventGainCalibrationComplete)
	if !ok {
		t.Fatal("sweep did not complete")
	}
	want := calibration.NominalGainTable(calibration.DeviceProbe)
	if !e.Gain.Equal(want, 1) {
		t.Errorf("gains = %v, want %v", e.Gain.Values(), want.Values())
	}
	if !p.Record().HasGain {
		t.Error("gain table not applied")
	}
	if _, ok := events.last(EventGainCalibrationProgress); !ok {
		t.Error("no progress events")
	}
	if hw.wiper != 0 {
		t.Error("light left on after sweep")
	}
}

func TestGainCalibrationFailureIsSafe(t *testing.T) {
	hw := newFakeHardware()
	hw.respond = func(wiper, gain byte) (uint32, byte) { return 2_000_000, tslAnalogSat }
	cfg := DefaultConfig()
	events := newEventLog()
	p, err := New(hw, cfg, quietLogger(), events.add)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	p.now = func() time.Time { return now }
	if err := p.StartGainCalibration(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 500 && p.Busy(); i++ {
		now = now.Add(time.Second)
		hw.sample()
		p.handleBridgeEvent(bridge.Event{Kind: bridge.EventSensorInterrupt})
	}
	e, ok := events.last(EventGainCalibrationFailed)
	if !ok || !errors.Is(e.Err, measure.ErrNotConverged) {
		t.Fatalf("failure event = %+v (found %v)", e, ok)
	}
	if p.Record().HasGain {
		t.Error("partial gain table committed")
	}
	if p.Sensor().Running() || hw.wiper != 0 {
		t.Error("hardware not left safe")
	}
}

func TestRunPostAndStop(t *testing.T) {
	hw := newFakeHardware()
	p, events := openTestProbe(t, hw)
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	if !p.Post(func(p *Probe) {
		if err := p.SaveCalibration(calibration.EmptyRecord().WithTarget(testTarget)); err != nil {
			t.Error(err)
		}
	}) {
		t.Fatal("Post refused")
	}
	timeout := time.After(5 * time.Second)
wait:
	for {
		select {
		case e := <-events.ch:
			if e.Type == EventCalibrationSaved {
				break wait
			}
		case <-timeout:
			t.Fatal("calibration not saved")
		}
	}

	p.Stop()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
	if _, ok := events.last(EventClosed); !ok {
		t.Error("no EventClosed")
	}
	if !hw.closed {
		t.Error("hardware not closed")
	}
	if p.Post(func(*Probe) {}) {
		t.Error("Post accepted after Stop")
	}
}

func TestRunEndsWhenBridgeCloses(t *testing.T) {
	hw := newFakeHardware()
	p, events := openTestProbe(t, hw)
	close(hw.events)
	if err := p.Run(context.Background()); !errors.Is(err, ErrBridgeClosed) {
		t.Errorf("Run = %v", err)
	}
	if e, ok := events.last(EventError); !ok || !errors.Is(e.Err, ErrBridgeClosed) {
		t.Error("no bridge error event")
	}
}

func TestPostAfterRunReturns(t *testing.T) {
	tests := []struct {
		name string
		end  func(hw *fakeHardware, cancel context.CancelFunc)
	}{
		{name: "context cancelled", end: func(_ *fakeHardware, cancel context.CancelFunc) { cancel() }},
		{name: "bridge closed", end: func(hw *fakeHardware, _ context.CancelFunc) { close(hw.events) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hw := newFakeHardware()
			p, _ := openTestProbe(t, hw)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- p.Run(ctx) }()
			tt.end(hw, cancel)
			<-done
			select {
			case <-p.Done():
			default:
				t.Fatal("Done not closed after Run returned")
			}

			posted := make(chan bool, 1)
			go func() {
				accepted := false
				for i := 0; i < 2*cap(p.calls); i++ {
					if p.Post(func(*Probe) {}) {
						accepted = true
					}
				}
				posted <- accepted
			}()
			select {
			case accepted := <-posted:
				if accepted {
					t.Error("Post accepted a call after Run returned")
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Post blocked after Run returned")
			}
			p.Stop()
			p.Stop()
		})
	}
}

func TestLight(t *testing.T) {
	hw := newFakeHardware()
	l := NewLight(hw, 0x08)
	if err := l.SetBrightness(64); err != nil {
		t.Fatal(err)
	}
	if hw.wiper != 64 || hw.gpio&0x08 == 0 || l.Brightness() != 64 {
		t.Errorf("wiper=%d gpio=%02X", hw.wiper, hw.gpio)
	}
	if err := l.SetBrightness(MaxBrightness + 1); !errors.Is(err, ErrInvalidBrightness) {
		t.Errorf("err = %v", err)
	}
	if err := l.Off(); err != nil {
		t.Fatal(err)
	}
	if hw.wiper != 0 || hw.gpio&0x08 != 0 {
		t.Errorf("off: wiper=%d gpio=%02X", hw.wiper, hw.gpio)
	}
	hw.failPot = true
	if err := l.SetBrightness(10); err == nil {
		t.Error("pot failure swallowed")
	}
	if l.Brightness() != 0 {
		t.Error("brightness changed on failure")
	}
}
