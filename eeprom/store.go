package eeprom

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/dektronics/densitometer-desktop-sub000/calibration"
)

// WriteSettle is how long the memory needs after a page write before it
// acknowledges again.
const WriteSettle = 5 * time.Millisecond

// maxReadChunk bounds a single random read transfer.
const maxReadChunk = 64

// Bus is the I²C access the store needs.
type Bus interface {
	I2CWrite(addr byte, data []byte) error
	I2CWriteRead(addr byte, w []byte, n int) ([]byte, error)
}

// Store accesses the EEPROM over a Bus.
type Store struct {
	bus   Bus
	sleep func(context.Context, time.Duration) error
}

// New returns a store on bus.
func New(bus Bus) *Store {
	return &Store{bus: bus, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// deviceAddress returns the I²C address holding offset. The two high bits of
// the 10-bit offset select one of four 256-byte blocks.
func deviceAddress(offset int) byte {
	return BaseAddress | byte((offset>>8)&0x03)
}

func checkRange(offset, n int) error {
	if offset < ReservedEnd {
		return errors.Wrapf(ErrReservedRegion, "offset 0x%03X", offset)
	}
	if n < 0 || offset+n > Size {
		return errors.Wrapf(ErrOutOfRange, "offset 0x%03X length %d", offset, n)
	}
	return nil
}

// Read returns n bytes starting at offset.
func (s *Store) Read(offset, n int) ([]byte, error) {
	if err := checkRange(offset, n); err != nil {
		return nil, err
	}
	out := make([]byte, 0, n)
	for n > 0 {
		chunk := n
		if chunk > maxReadChunk {
			chunk = maxReadChunk
		}
		if toBlockEnd := 0x100 - offset&0xFF; chunk > toBlockEnd {
			chunk = toBlockEnd
		}
		data, err := s.bus.I2CWriteRead(deviceAddress(offset), []byte{byte(offset)}, chunk)
		if err != nil {
			return nil, errors.Wrapf(err, "eeprom read 0x%03X", offset)
		}
		if len(data) != chunk {
			return nil, errors.Errorf("eeprom read 0x%03X: got %d bytes, want %d", offset, len(data), chunk)
		}
		out = append(out, data...)
		offset += chunk
		n -= chunk
	}
	return out, nil
}

// Write stores data at offset, one page at a time with the settle delay
// after each page.
func (s *Store) Write(ctx context.Context, offset int, data []byte) error {
	w, err := NewPageWriter(s.bus, offset, data)
	if err != nil {
		return err
	}
	for {
		done, err := w.Step()
		if err != nil {
			return err
		}
		if err := s.sleep(ctx, WriteSettle); err != nil {
			return errors.Wrap(err, "eeprom write interrupted")
		}
		if done {
			return nil
		}
	}
}

func (s *Store) ReadHeader() (Header, error) {
	buf, err := s.Read(HeaderOffset, HeaderSize)
	if err != nil {
		return Header{}, err
	}
	return DecodeHeader(buf)
}

func (s *Store) WriteHeader(ctx context.Context, h Header) error {
	if h.Version == 0 {
		h.Version = HeaderVersion
	}
	return s.Write(ctx, HeaderOffset, EncodeHeader(h))
}

// ReadCalibration reads the calibration page. Corrupt blocks are absent in
// the returned record rather than failing the read.
func (s *Store) ReadCalibration() (calibration.Record, error) {
	buf, err := s.Read(CalibrationOffset, CalibrationSize)
	if err != nil {
		return calibration.EmptyRecord(), err
	}
	return DecodeCalibration(buf)
}

// WriteCalibration regenerates and writes the whole calibration page.
func (s *Store) WriteCalibration(ctx context.Context, r calibration.Record) error {
	return s.Write(ctx, CalibrationOffset, EncodeCalibration(r))
}
