// Package bridge drives an FT260-class USB-HID to I²C/GPIO bridge.
//
// One reader goroutine owns the HID input endpoint. It hands I²C read data
// to the caller waiting for it and turns interrupt reports and button edges
// into Events on a bounded channel. Output and feature reports are
// serialized by a mutex.
package bridge

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Report IDs.
const (
	reportSystemSetting = 0xA1
	reportGPIO          = 0xB0
	reportInterrupt     = 0xB1
	reportI2CStatus     = 0xC0
	reportI2CReadReq    = 0xC2
	reportI2CFirst      = 0xD0
	reportI2CLast       = 0xDE
)

// System setting requests.
const (
	settingI2CReset = 0x20
	settingI2CClock = 0x22
)

// I²C transfer conditions.
const (
	flagNone                 = 0x00
	flagStart                = 0x02
	flagRepeatedStart        = 0x03
	flagStop                 = 0x04
	flagStartStop            = 0x06
	flagRepeatedStartAndStop = 0x07
)

// I²C controller status bits.
const (
	statusBusy     = 0x01
	statusI2CError = 0x02
	statusAddrNack = 0x04
	statusDataNack = 0x08
	statusArbLost  = 0x10
	statusIdle     = 0x20
	statusBusBusy  = 0x40
)

// maxReportPayload is the largest I²C payload of one output report.
const maxReportPayload = 60

var (
	ErrClosed      = errors.New("bridge: closed")
	ErrI2CTimeout  = errors.New("bridge: i2c transfer timed out")
	ErrI2CNack     = errors.New("bridge: i2c nack")
	ErrI2CArbLost  = errors.New("bridge: i2c arbitration lost")
	ErrI2CBusError = errors.New("bridge: i2c error")
)

// HIDDevice is the part of a HID handle the bridge uses. A read that times
// out returns 0 bytes and a nil error.
type HIDDevice interface {
	Write(p []byte) (int, error)
	ReadWithTimeout(p []byte, timeout time.Duration) (int, error)
	SendFeatureReport(p []byte) (int, error)
	GetFeatureReport(p []byte) (int, error)
	Close() error
}

// EventKind tags a bridge Event.
type EventKind int

const (
	EventButton EventKind = iota + 1
	EventSensorInterrupt
)

// Event is an asynchronous notification from the bridge.
type Event struct {
	Kind    EventKind
	Pressed bool
}

// Config describes the bridge and its wiring.
type Config struct {
	VendorID  uint16
	ProductID uint16

	// ButtonMask selects the GPIO bit the button is wired to; zero disables
	// button polling. The button pulls the line low.
	ButtonMask byte

	I2CClockKHz  uint16
	PollInterval time.Duration
	I2CTimeout   time.Duration
	EventBuffer  int
}

// DefaultConfig returns the settings for the stock FT260.
func DefaultConfig() Config {
	return Config{
		VendorID:     0x0403,
		ProductID:    0x6030,
		ButtonMask:   0x04,
		I2CClockKHz:  400,
		PollInterval: 20 * time.Millisecond,
		I2CTimeout:   500 * time.Millisecond,
		EventBuffer:  16,
	}
}

// Bridge is an open FT260.
type Bridge struct {
	dev HIDDevice
	cfg Config
	log *logrus.Entry

	mu      sync.Mutex
	i2cData chan []byte

	events chan Event
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	buttonDown bool
	onClose    func()
}

// New starts a bridge on an already opened device.
func New(dev HIDDevice, cfg Config, log *logrus.Entry) *Bridge {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.I2CTimeout <= 0 {
		cfg.I2CTimeout = def.I2CTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &Bridge{
		dev:     dev,
		cfg:     cfg,
		log:     log.WithField("component", "bridge"),
		i2cData: make(chan []byte, 8),
		events:  make(chan Event, cfg.EventBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.readLoop()
	return b
}

// Events delivers button and sensor interrupt notifications. It is closed
// by Close.
func (b *Bridge) Events() <-chan Event { return b.events }

// Close stops the reader and releases the device.
func (b *Bridge) Close() error {
	var err error
	b.once.Do(func() {
		close(b.quit)
		<-b.done
		err = b.dev.Close()
		if b.onClose != nil {
			b.onClose()
		}
	})
	return err
}

func (b *Bridge) closed() bool {
	select {
	case <-b.quit:
		return true
	default:
		return false
	}
}

func (b *Bridge) readLoop() {
	defer close(b.done)
	defer close(b.events)

	buf := make([]byte, 64)
	lastPoll := time.Now()
	for !b.closed() {
		n, err := b.dev.ReadWithTimeout(buf, b.cfg.PollInterval)
		if err != nil {
			if !b.closed() {
				b.log.WithError(err).Error("hid read failed")
			}
			return
		}
		if n > 0 {
			b.route(append([]byte(nil), buf[:n]...))
		}
		if time.Since(lastPoll) >= b.cfg.PollInterval {
			lastPoll = time.Now()
			b.pollButton()
		}
	}
}

func (b *Bridge) route(report []byte) {
	id := report[0]
	switch {
	case id >= reportI2CFirst && id <= reportI2CLast:
		if len(report) < 2 {
			return
		}
		n := int(report[1])
		if n > len(report)-2 {
			n = len(report) - 2
		}
		select {
		case b.i2cData <- report[2 : 2+n]:
		default:
			b.log.Warn("dropping unclaimed i2c data")
		}
	case id == reportInterrupt:
		b.emit(Event{Kind: EventSensorInterrupt})
	default:
		b.log.WithField("report", id).Debug("ignoring input report")
	}
}

func (b *Bridge) emit(e Event) {
	select {
	case b.events <- e:
	default:
		b.log.WithField("kind", e.Kind).Warn("event queue full, dropping event")
	}
}

// pollButton samples the button line when no transfer is in progress.
func (b *Bridge) pollButton() {
	if b.cfg.ButtonMask == 0 || !b.mu.TryLock() {
		return
	}
	value, err := b.gpioReadLocked()
	b.mu.Unlock()
	if err != nil {
		return
	}
	down := value&b.cfg.ButtonMask == 0
	if down != b.buttonDown {
		b.buttonDown = down
		b.emit(Event{Kind: EventButton, Pressed: down})
	}
}

// SetI2CClock sets the bus clock in kHz.
func (b *Bridge) SetI2CClock(kHz uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	report := []byte{reportSystemSetting, settingI2CClock, 0, 0}
	binary.LittleEndian.PutUint16(report[2:], kHz)
	if _, err := b.dev.SendFeatureReport(report); err != nil {
		return errors.Wrap(err, "set i2c clock")
	}
	return nil
}

// ResetI2C resets the bridge's I²C controller.
func (b *Bridge) ResetI2C() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.dev.SendFeatureReport([]byte{reportSystemSetting, settingI2CReset}); err != nil {
		return errors.Wrap(err, "reset i2c")
	}
	return nil
}

// I2CWrite writes data to addr as one transaction.
func (b *Bridge) I2CWrite(addr byte, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed() {
		return ErrClosed
	}
	return b.writeLocked(addr, data, true, true)
}

// I2CRead reads n bytes from addr.
func (b *Bridge) I2CRead(addr byte, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed() {
		return nil, ErrClosed
	}
	return b.readLocked(addr, n, flagStartStop)
}

// I2CWriteRead writes w without a stop condition, then reads n bytes after
// a repeated start.
func (b *Bridge) I2CWriteRead(addr byte, w []byte, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed() {
		return nil, ErrClosed
	}
	if err := b.writeLocked(addr, w, true, false); err != nil {
		return nil, err
	}
	return b.readLocked(addr, n, flagRepeatedStartAndStop)
}

// ReadReg reads one register of the device at addr.
func (b *Bridge) ReadReg(addr, reg byte) (byte, error) {
	data, err := b.I2CWriteRead(addr, []byte{reg}, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// ReadRegs reads n consecutive registers starting at reg.
func (b *Bridge) ReadRegs(addr, reg byte, n int) ([]byte, error) {
	return b.I2CWriteRead(addr, []byte{reg}, n)
}

// WriteReg writes one register of the device at addr.
func (b *Bridge) WriteReg(addr, reg, value byte) error {
	return b.I2CWrite(addr, []byte{reg, value})
}

func (b *Bridge) writeLocked(addr byte, data []byte, start, stop bool) error {
	if len(data) == 0 {
		return errors.New("i2c write: no data")
	}
	for off := 0; off < len(data); off += maxReportPayload {
		end := off + maxReportPayload
		if end > len(data) {
			end = len(data)
		}
		first := off == 0
		last := end == len(data)

		flag := byte(flagNone)
		if first && start {
			flag |= flagStart
		}
		if last && stop {
			flag |= flagStop
		}

		chunk := data[off:end]
		report := make([]byte, 0, 4+len(chunk))
		report = append(report, byte(reportI2CFirst+(len(chunk)-1)/4), addr, flag, byte(len(chunk)))
		report = append(report, chunk...)
		if _, err := b.dev.Write(report); err != nil {
			return errors.Wrapf(err, "i2c write 0x%02X", addr)
		}
	}
	return b.waitIdleLocked(addr)
}

func (b *Bridge) readLocked(addr byte, n int, flag byte) ([]byte, error) {
	if n <= 0 {
		return nil, errors.Errorf("i2c read: invalid length %d", n)
	}
drain:
	for {
		select {
		case <-b.i2cData:
		default:
			break drain
		}
	}

	req := []byte{reportI2CReadReq, addr, flag, 0, 0}
	binary.LittleEndian.PutUint16(req[3:], uint16(n))
	if _, err := b.dev.Write(req); err != nil {
		return nil, errors.Wrapf(err, "i2c read request 0x%02X", addr)
	}

	out := make([]byte, 0, n)
	timeout := time.NewTimer(b.cfg.I2CTimeout)
	defer timeout.Stop()
	for len(out) < n {
		select {
		case chunk := <-b.i2cData:
			out = append(out, chunk...)
		case <-timeout.C:
			if err := b.statusErrorLocked(); err != nil {
				return nil, errors.Wrapf(err, "i2c read 0x%02X", addr)
			}
			return nil, errors.Wrapf(ErrI2CTimeout, "i2c read 0x%02X", addr)
		case <-b.quit:
			return nil, ErrClosed
		}
	}
	return out[:n], nil
}

// waitIdleLocked polls the controller status until the transfer finished.
func (b *Bridge) waitIdleLocked(addr byte) error {
	deadline := time.Now().Add(b.cfg.I2CTimeout)
	for {
		status, err := b.i2cStatusLocked()
		if err != nil {
			return err
		}
		if status&statusBusy == 0 {
			if err := statusError(status); err != nil {
				return errors.Wrapf(err, "i2c write 0x%02X", addr)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(ErrI2CTimeout, "i2c write 0x%02X", addr)
		}
		time.Sleep(time.Millisecond)
	}
}

func (b *Bridge) i2cStatusLocked() (byte, error) {
	buf := make([]byte, 5)
	buf[0] = reportI2CStatus
	if _, err := b.dev.GetFeatureReport(buf); err != nil {
		return 0, errors.Wrap(err, "i2c status")
	}
	return buf[1], nil
}

func (b *Bridge) statusErrorLocked() error {
	status, err := b.i2cStatusLocked()
	if err != nil {
		return err
	}
	return statusError(status)
}

func statusError(status byte) error {
	switch {
	case status&statusArbLost != 0:
		return ErrI2CArbLost
	case status&(statusAddrNack|statusDataNack) != 0:
		return ErrI2CNack
	case status&statusI2CError != 0:
		return ErrI2CBusError
	}
	return nil
}

// GPIORead returns the levels of GPIO0-GPIO5.
func (b *Bridge) GPIORead() (byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gpioReadLocked()
}

func (b *Bridge) gpioReadLocked() (byte, error) {
	buf := make([]byte, 5)
	buf[0] = reportGPIO
	if _, err := b.dev.GetFeatureReport(buf); err != nil {
		return 0, errors.Wrap(err, "gpio read")
	}
	return buf[1], nil
}

// GPIOWrite drives the pins in mask as outputs to the matching bits of value.
func (b *Bridge) GPIOWrite(mask, value byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := make([]byte, 5)
	buf[0] = reportGPIO
	if _, err := b.dev.GetFeatureReport(buf); err != nil {
		return errors.Wrap(err, "gpio read")
	}
	out := []byte{
		reportGPIO,
		buf[1]&^mask | value&mask,
		buf[2] | mask,
		buf[3],
		buf[4],
	}
	if _, err := b.dev.SendFeatureReport(out); err != nil {
		return errors.Wrap(err, "gpio write")
	}
	return nil
}
