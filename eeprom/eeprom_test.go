package eeprom

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/dektronics/densitometer-desktop-sub000/calibration"
)

// fakeMemory emulates a 24C08: four 256-byte blocks behind addresses
// 0x50-0x53, page writes wrapping within a 16-byte page.
type fakeMemory struct {
	mem    [Size]byte
	writes []fakeWrite
	reads  int
	fail   error
}

type fakeWrite struct {
	addr byte
	n    int
}

func (m *fakeMemory) I2CWrite(addr byte, data []byte) error {
	if m.fail != nil {
		return m.fail
	}
	if addr&0xFC != BaseAddress || len(data) < 1 {
		return errors.New("nak")
	}
	base := int(addr&0x03)<<8 | int(data[0])
	for i, b := range data[1:] {
		page := base &^ (PageSize - 1)
		m.mem[page+(base+i)%PageSize] = b
	}
	m.writes = append(m.writes, fakeWrite{addr: addr, n: len(data) - 1})
	return nil
}

func (m *fakeMemory) I2CWriteRead(addr byte, w []byte, n int) ([]byte, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	m.reads++
	start := int(addr&0x03)<<8 | int(w[0])
	out := make([]byte, n)
	copy(out, m.mem[start:start+n])
	return out, nil
}

func newTestStore(m *fakeMemory) (*Store, *[]time.Duration) {
	var sleeps []time.Duration
	s := New(m)
	s.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return s, &sleeps
}

func testRecord() calibration.Record {
	return calibration.EmptyRecord().
		WithGain(calibration.NewGainTable(0.51, 1.02, 2.03, 4.1, 8.2, 16.1, 32.5, 64.2, 128, 257.3)).
		WithSlope(calibration.SlopeCorrection{B0: -0.01, B1: 1.02, B2: 0.003}).
		WithTarget(calibration.Target{LoDensity: 0.08, LoReading: 41.5, HiDensity: 1.7, HiReading: 0.9})
}

func TestHeaderRoundTrip(t *testing.T) {
	m := &fakeMemory{}
	s, _ := newTestStore(m)
	want := Header{Version: HeaderVersion, DeviceType: DeviceTypeDensiStick, DeviceRevision: 3}
	if err := s.WriteHeader(context.Background(), want); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if string(m.mem[0x100:0x103]) != "DPD" {
		t.Errorf("magic = %q", m.mem[0x100:0x103])
	}
	got, err := s.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got != want {
		t.Errorf("header = %+v, want %+v", got, want)
	}
}

func TestHeaderBadMagic(t *testing.T) {
	m := &fakeMemory{}
	s, _ := newTestStore(m)
	if _, err := s.ReadHeader(); !errors.Is(err, ErrBadMagic) {
		t.Errorf("blank header: err = %v", err)
	}
}

func TestCalibrationRoundTrip(t *testing.T) {
	m := &fakeMemory{}
	s, sleeps := newTestStore(m)
	want := testRecord()
	if err := s.WriteCalibration(context.Background(), want); err != nil {
		t.Fatalf("WriteCalibration: %v", err)
	}

	// 112 bytes from 0x110 is seven full pages.
	if len(m.writes) != 7 {
		t.Fatalf("%d page writes, want 7", len(m.writes))
	}
	for _, w := range m.writes {
		if w.addr != 0x51 || w.n != PageSize {
			t.Errorf("write %+v", w)
		}
	}
	if len(*sleeps) != 7 {
		t.Errorf("%d settle delays, want 7", len(*sleeps))
	}
	for _, d := range *sleeps {
		if d != WriteSettle {
			t.Errorf("settle = %v", d)
		}
	}
	for i := 0; i < ReservedEnd; i++ {
		if m.mem[i] != 0 {
			t.Fatalf("reserved byte 0x%03X modified", i)
		}
	}

	got, err := s.ReadCalibration()
	if err != nil {
		t.Fatalf("ReadCalibration: %v", err)
	}
	if !got.HasGain || !got.HasSlope || !got.HasTarget {
		t.Fatalf("blocks missing: %+v", got)
	}
	if !got.Gain.Equal(want.Gain, 6) || got.Slope != want.Slope || got.Target != want.Target {
		t.Errorf("record = %+v, want %+v", got, want)
	}
}

func TestCorruptSlopeCRCKeepsOtherBlocks(t *testing.T) {
	buf := EncodeCalibration(testRecord())
	buf[slopeCRC+3] ^= 0x01
	rec, err := DecodeCalibration(buf)
	if err != nil {
		t.Fatalf("DecodeCalibration: %v", err)
	}
	if !rec.HasGain || rec.HasSlope || !rec.HasTarget {
		t.Errorf("flags gain=%v slope=%v target=%v", rec.HasGain, rec.HasSlope, rec.HasTarget)
	}
}

func TestCorruptDataDetected(t *testing.T) {
	for _, off := range []int{gainBlock + 5, targetBlock} {
		buf := EncodeCalibration(testRecord())
		buf[off] ^= 0x80
		rec, err := DecodeCalibration(buf)
		if err != nil {
			t.Fatal(err)
		}
		if off == gainBlock+5 && rec.HasGain {
			t.Error("corrupt gain block accepted")
		}
		if off == targetBlock && rec.HasTarget {
			t.Error("corrupt target block accepted")
		}
	}
}

func TestAbsentBlocksStayAbsent(t *testing.T) {
	rec := calibration.EmptyRecord().WithGain(calibration.NominalGainTable(calibration.DeviceProbe))
	got, err := DecodeCalibration(EncodeCalibration(rec))
	if err != nil {
		t.Fatal(err)
	}
	if !got.HasGain || got.HasSlope || got.HasTarget {
		t.Errorf("flags gain=%v slope=%v target=%v", got.HasGain, got.HasSlope, got.HasTarget)
	}
	if !math.IsNaN(float64(got.Slope.B0)) {
		t.Error("absent slope not NaN")
	}
}

func TestDecodeCalibrationErrors(t *testing.T) {
	if _, err := DecodeCalibration(make([]byte, 10)); err == nil {
		t.Error("short page accepted")
	}
	blank := make([]byte, CalibrationSize)
	for i := range blank {
		blank[i] = 0xFF
	}
	if _, err := DecodeCalibration(blank); !errors.Is(err, ErrBadVersion) {
		t.Errorf("erased page: err = %v", err)
	}
}

func TestReservedRegionRefused(t *testing.T) {
	m := &fakeMemory{}
	s, _ := newTestStore(m)
	if _, err := s.Read(0x0F0, 16); !errors.Is(err, ErrReservedRegion) {
		t.Errorf("read reserved: %v", err)
	}
	if err := s.Write(context.Background(), 0x0FF, []byte{1}); !errors.Is(err, ErrReservedRegion) {
		t.Errorf("write reserved: %v", err)
	}
	if _, err := s.Read(0x3F0, 32); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("read past end: %v", err)
	}
	if m.reads != 0 || len(m.writes) != 0 {
		t.Error("bus touched for refused access")
	}
}

func TestReadCrossesBlock(t *testing.T) {
	m := &fakeMemory{}
	for i := 0x1F0; i < 0x210; i++ {
		m.mem[i] = byte(i)
	}
	s, _ := newTestStore(m)
	got, err := s.Read(0x1F0, 32)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range got {
		if b != byte(0x1F0+i) {
			t.Fatalf("byte %d = %02X", i, b)
		}
	}
	if m.reads != 2 {
		t.Errorf("%d transfers, want 2", m.reads)
	}
}

func TestPageWriterUnaligned(t *testing.T) {
	m := &fakeMemory{}
	data := make([]byte, 24)
	for i := range data {
		data[i] = byte(i + 1)
	}
	w, err := NewPageWriter(m, 0x10A, data)
	if err != nil {
		t.Fatal(err)
	}
	if w.Pending() != 3 {
		t.Errorf("Pending = %d, want 3", w.Pending())
	}
	steps := 0
	for {
		done, err := w.Step()
		if err != nil {
			t.Fatal(err)
		}
		steps++
		if done {
			break
		}
	}
	if steps != 3 || w.Pending() != 0 {
		t.Errorf("steps = %d, pending = %d", steps, w.Pending())
	}
	wantSizes := []int{6, 16, 2}
	for i, wr := range m.writes {
		if wr.n != wantSizes[i] {
			t.Errorf("write %d: %d bytes, want %d", i, wr.n, wantSizes[i])
		}
	}
	for i := range data {
		if m.mem[0x10A+i] != data[i] {
			t.Fatalf("byte 0x%03X = %d", 0x10A+i, m.mem[0x10A+i])
		}
	}
}

func TestWriteBusError(t *testing.T) {
	m := &fakeMemory{fail: errors.New("bridge gone")}
	s, _ := newTestStore(m)
	if err := s.WriteCalibration(context.Background(), testRecord()); err == nil {
		t.Error("bus error swallowed")
	}
	if _, err := s.ReadCalibration(); err == nil {
		t.Error("bus error swallowed on read")
	}
}
