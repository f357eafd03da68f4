// Package eeprom reads and writes the identity header and calibration page
// kept in the 24C08-class EEPROM beside the sensor.
//
// Memory map:
//
//	0x000-0x0FF  reserved for the bridge firmware, never accessed
//	0x100-0x10F  header: "DPD", header version, device type, revision
//	0x110-0x17F  calibration page
//
// Calibration page, multi-byte values big-endian:
//
//	0x00  version, 3 reserved
//	0x04  10 x f32 gain        0x2C  CRC-32
//	0x30  3 x f32 slope        0x3C  CRC-32
//	0x40  4 x f32 target       0x50  CRC-32
//	0x54  reserved to 0x70
//
// Each CRC covers only the floats of its block, computed with the STM32
// hardware CRC algorithm.
package eeprom

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/checksum"
)

const (
	Size        = 1024
	PageSize    = 16
	BaseAddress = 0x50

	ReservedEnd = 0x100

	HeaderOffset = 0x100
	HeaderSize   = 16

	CalibrationOffset = 0x110
	CalibrationSize   = 112

	// CalibrationVersion tags the page layout described above.
	CalibrationVersion = 1
	// HeaderVersion tags the header layout.
	HeaderVersion = 1

	GainLevels = 10

	gainBlock   = 0x04
	gainCRC     = gainBlock + GainLevels*4
	slopeBlock  = 0x30
	slopeCRC    = slopeBlock + 3*4
	targetBlock = 0x40
	targetCRC   = targetBlock + 4*4
	pageEnd     = targetCRC + 4
)

var (
	ErrBadMagic       = errors.New("eeprom: header magic mismatch")
	ErrBadVersion     = errors.New("eeprom: unsupported calibration version")
	ErrReservedRegion = errors.New("eeprom: access to reserved region")
	ErrOutOfRange     = errors.New("eeprom: access beyond end of memory")
)

var magic = [3]byte{'D', 'P', 'D'}

// DeviceType is the product variant recorded in the header.
type DeviceType byte

const (
	DeviceTypeUnknown    DeviceType = 0
	DeviceTypeMeterProbe DeviceType = 1
	DeviceTypeDensiStick DeviceType = 2
)

func (d DeviceType) String() string {
	switch d {
	case DeviceTypeMeterProbe:
		return "MeterProbe"
	case DeviceTypeDensiStick:
		return "DensiStick"
	}
	return "Unknown"
}

// Header identifies the attached device.
type Header struct {
	Version        byte
	DeviceType     DeviceType
	DeviceRevision byte
}

// EncodeHeader returns the 16 header bytes.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf, magic[:])
	buf[3] = h.Version
	buf[4] = byte(h.DeviceType)
	buf[5] = h.DeviceRevision
	return buf
}

// DecodeHeader parses the 16 header bytes.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errors.Errorf("eeprom: header is %d bytes, want %d", len(buf), HeaderSize)
	}
	if buf[0] != magic[0] || buf[1] != magic[1] || buf[2] != magic[2] {
		return Header{}, ErrBadMagic
	}
	return Header{
		Version:        buf[3],
		DeviceType:     DeviceType(buf[4]),
		DeviceRevision: buf[5],
	}, nil
}

// EncodeCalibration builds a complete calibration page. Absent blocks are
// written as NaN so that they read back as absent.
func EncodeCalibration(r calibration.Record) []byte {
	buf := make([]byte, CalibrationSize)
	for i := pageEnd; i < CalibrationSize; i++ {
		buf[i] = 0xFF
	}
	buf[0] = CalibrationVersion

	nan := float32(math.NaN())
	gains := make([]float32, GainLevels)
	for i := range gains {
		gains[i] = nan
		if r.HasGain && i < r.Gain.Len() {
			gains[i] = r.Gain.At(i)
		}
	}
	putBlock(buf, gainBlock, gains)

	slope := []float32{nan, nan, nan}
	if r.HasSlope {
		slope = []float32{r.Slope.B0, r.Slope.B1, r.Slope.B2}
	}
	putBlock(buf, slopeBlock, slope)

	target := []float32{nan, nan, nan, nan}
	if r.HasTarget {
		target = []float32{r.Target.LoDensity, r.Target.LoReading, r.Target.HiDensity, r.Target.HiReading}
	}
	putBlock(buf, targetBlock, target)
	return buf
}

// DecodeCalibration parses a calibration page. Blocks whose CRC does not
// match, or whose values are not valid, are left absent; only a short buffer
// or an unknown version is an error.
func DecodeCalibration(buf []byte) (calibration.Record, error) {
	rec := calibration.EmptyRecord()
	if len(buf) < CalibrationSize {
		return rec, errors.Errorf("eeprom: calibration page is %d bytes, want %d", len(buf), CalibrationSize)
	}
	if buf[0] != CalibrationVersion {
		return rec, errors.Wrapf(ErrBadVersion, "version %d", buf[0])
	}

	if gains, ok := getBlock(buf, gainBlock, GainLevels); ok {
		g := calibration.NewGainTable(gains...)
		if g.IsValid() {
			rec = rec.WithGain(g)
		}
	}
	if v, ok := getBlock(buf, slopeBlock, 3); ok {
		s := calibration.SlopeCorrection{B0: v[0], B1: v[1], B2: v[2]}
		if s.IsValid() {
			rec = rec.WithSlope(s)
		}
	}
	if v, ok := getBlock(buf, targetBlock, 4); ok {
		t := calibration.Target{LoDensity: v[0], LoReading: v[1], HiDensity: v[2], HiReading: v[3]}
		if t.IsValid() {
			rec = rec.WithTarget(t)
		}
	}
	return rec, nil
}

func putBlock(buf []byte, offset int, values []float32) {
	for i, v := range values {
		binary.BigEndian.PutUint32(buf[offset+i*4:], math.Float32bits(v))
	}
	crc := checksum.CRC32Floats(values...)
	binary.BigEndian.PutUint32(buf[offset+len(values)*4:], crc)
}

func getBlock(buf []byte, offset, n int) ([]float32, bool) {
	values := make([]float32, n)
	for i := range values {
		values[i] = math.Float32frombits(binary.BigEndian.Uint32(buf[offset+i*4:]))
	}
	stored := binary.BigEndian.Uint32(buf[offset+n*4:])
	return values, stored == checksum.CRC32Floats(values...)
}
