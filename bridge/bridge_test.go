package bridge

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// fakeFT260 emulates the bridge with one register-file device behind it.
type fakeFT260 struct {
	mu       sync.Mutex
	regs     map[byte][]byte
	pointer  byte
	writes   [][]byte
	features [][]byte
	gpio     byte
	status   byte
	input    chan []byte
	closed   bool
}

func newFakeFT260() *fakeFT260 {
	return &fakeFT260{
		regs:   map[byte][]byte{},
		gpio:   0xFF,
		status: statusIdle,
		input:  make(chan []byte, 16),
	}
}

func (f *fakeFT260) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	switch {
	case p[0] >= reportI2CFirst && p[0] <= reportI2CLast:
		data := p[4 : 4+int(p[3])]
		f.pointer = data[0]
		if len(data) > 1 {
			f.regs[f.pointer] = append([]byte(nil), data[1:]...)
		}
	case p[0] == reportI2CReadReq:
		n := int(p[3]) | int(p[4])<<8
		data := make([]byte, n)
		copy(data, f.regs[f.pointer])
		report := append([]byte{byte(reportI2CFirst + (n-1)/4), byte(n)}, data...)
		f.input <- report
	}
	return len(p), nil
}

func (f *fakeFT260) ReadWithTimeout(p []byte, timeout time.Duration) (int, error) {
	select {
	case r, ok := <-f.input:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, r), nil
	case <-time.After(timeout):
		return 0, nil
	}
}

func (f *fakeFT260) SendFeatureReport(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.features = append(f.features, append([]byte(nil), p...))
	if p[0] == reportGPIO {
		f.gpio = p[1]
	}
	return len(p), nil
}

func (f *fakeFT260) GetFeatureReport(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch p[0] {
	case reportI2CStatus:
		p[1] = f.status
	case reportGPIO:
		p[1] = f.gpio
		p[2] = 0
	}
	return len(p), nil
}

func (f *fakeFT260) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFT260) setGPIO(v byte) {
	f.mu.Lock()
	f.gpio = v
	f.mu.Unlock()
}

func (f *fakeFT260) lastWrite() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[len(f.writes)-1]
}

func testBridge(t *testing.T, f *fakeFT260) *Bridge {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := DefaultConfig()
	cfg.PollInterval = 2 * time.Millisecond
	b := New(f, cfg, logrus.NewEntry(log))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestWriteRegReport(t *testing.T) {
	f := newFakeFT260()
	b := testBridge(t, f)
	if err := b.WriteReg(0x39, 0x80, 0x03); err != nil {
		t.Fatalf("WriteReg: %v", err)
	}
	want := []byte{0xD0, 0x39, flagStartStop, 2, 0x80, 0x03}
	if got := f.lastWrite(); !bytes.Equal(got, want) {
		t.Errorf("report = % X, want % X", got, want)
	}
}

func TestWriteReportIDGrowsWithLength(t *testing.T) {
	f := newFakeFT260()
	b := testBridge(t, f)
	data := make([]byte, 17)
	if err := b.I2CWrite(0x50, data); err != nil {
		t.Fatal(err)
	}
	if got := f.lastWrite()[0]; got != 0xD4 {
		t.Errorf("report id = %02X, want D4", got)
	}
}

func TestReadRegs(t *testing.T) {
	f := newFakeFT260()
	f.regs[0x92] = []byte{0x5C, 0x01, 0x02}
	b := testBridge(t, f)

	got, err := b.ReadRegs(0x39, 0x92, 3)
	if err != nil {
		t.Fatalf("ReadRegs: %v", err)
	}
	if !bytes.Equal(got, []byte{0x5C, 0x01, 0x02}) {
		t.Errorf("data = % X", got)
	}
	req := f.lastWrite()
	if req[0] != reportI2CReadReq || req[2] != flagRepeatedStartAndStop || req[3] != 3 {
		t.Errorf("read request = % X", req)
	}

	v, err := b.ReadReg(0x39, 0x92)
	if err != nil || v != 0x5C {
		t.Errorf("ReadReg = %02X, %v", v, err)
	}
}

func TestWriteNack(t *testing.T) {
	f := newFakeFT260()
	f.status = statusI2CError | statusAddrNack
	b := testBridge(t, f)
	if err := b.WriteReg(0x2F, 0, 1); !errors.Is(err, ErrI2CNack) {
		t.Errorf("err = %v, want ErrI2CNack", err)
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		name   string
		status byte
		want   error
	}{
		{name: "idle", status: statusIdle, want: nil},
		{name: "bus error", status: statusI2CError, want: ErrI2CBusError},
		{name: "address nack", status: statusI2CError | statusAddrNack, want: ErrI2CNack},
		{name: "data nack", status: statusDataNack, want: ErrI2CNack},
		{name: "arbitration lost", status: statusI2CError | statusArbLost, want: ErrI2CArbLost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := statusError(tt.status); err != tt.want {
				t.Errorf("statusError(%02X) = %v, want %v", tt.status, err, tt.want)
			}
		})
	}
}

func TestInterruptAndButtonEvents(t *testing.T) {
	f := newFakeFT260()
	b := testBridge(t, f)

	f.input <- []byte{reportInterrupt, 0x01}
	expectEvent(t, b, Event{Kind: EventSensorInterrupt})

	f.setGPIO(0xFF &^ DefaultConfig().ButtonMask)
	expectEvent(t, b, Event{Kind: EventButton, Pressed: true})
	f.setGPIO(0xFF)
	expectEvent(t, b, Event{Kind: EventButton, Pressed: false})
}

func expectEvent(t *testing.T, b *Bridge, want Event) {
	t.Helper()
	select {
	case got := <-b.Events():
		if got != want {
			t.Fatalf("event = %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event, want %+v", want)
	}
}

func TestGPIOWrite(t *testing.T) {
	f := newFakeFT260()
	f.gpio = 0x0F
	b := testBridge(t, f)
	if err := b.GPIOWrite(0x01, 0x00); err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	last := f.features[len(f.features)-1]
	f.mu.Unlock()
	if last[0] != reportGPIO || last[1] != 0x0E || last[2]&0x01 == 0 {
		t.Errorf("gpio report = % X", last)
	}
}

func TestCloseStopsReader(t *testing.T) {
	f := newFakeFT260()
	b := testBridge(t, f)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-b.Events(); ok {
		t.Error("events channel still open")
	}
	if err := b.WriteReg(0x39, 0, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("write after close = %v", err)
	}
	if !f.closed {
		t.Error("device not closed")
	}
}
