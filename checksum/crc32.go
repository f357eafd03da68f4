// Package checksum implements the CRC-32 computed by the STM32 hardware CRC
// unit, which the device firmware uses to protect calibration data.
//
// It is not the common (zlib/IEEE) CRC-32: input is consumed as 32-bit
// words, most significant bit first, with no reflection and no final XOR.
// The reduction runs four bits at a time through a 16-entry table so the
// result matches the peripheral exactly.
package checksum

import (
	"encoding/binary"
	"math"
)

const (
	// Polynomial is the CRC-32 generator polynomial, not reflected.
	Polynomial = 0x04C11DB7

	// InitialValue is the reset value of the hardware CRC register.
	InitialValue = 0xFFFFFFFF
)

var nibbleTable = [16]uint32{
	0x00000000, 0x04C11DB7, 0x09823B6E, 0x0D4326D9,
	0x130476DC, 0x17C56B6B, 0x1A864DB2, 0x1E475005,
	0x2608EDB8, 0x22C9F00F, 0x2F8AD6D6, 0x2B4BCB61,
	0x350C9B64, 0x31CD86D3, 0x3C8EA00A, 0x384FBDBD,
}

// Update feeds one 32-bit word into a running CRC.
func Update(crc uint32, word uint32) uint32 {
	crc ^= word
	for i := 0; i < 8; i++ {
		crc = (crc << 4) ^ nibbleTable[crc>>28]
	}
	return crc
}

// CRC32 returns the CRC of words starting from InitialValue.
func CRC32(words ...uint32) uint32 {
	crc := uint32(InitialValue)
	for _, w := range words {
		crc = Update(crc, w)
	}
	return crc
}

// CRC32Floats returns the CRC over the IEEE-754 bit patterns of values.
func CRC32Floats(values ...float32) uint32 {
	crc := uint32(InitialValue)
	for _, v := range values {
		crc = Update(crc, math.Float32bits(v))
	}
	return crc
}

// CRC32Bytes returns the CRC over data taken as big-endian words. A trailing
// partial word is zero padded.
func CRC32Bytes(data []byte) uint32 {
	crc := uint32(InitialValue)
	for len(data) >= 4 {
		crc = Update(crc, binary.BigEndian.Uint32(data))
		data = data[4:]
	}
	if len(data) > 0 {
		var last [4]byte
		copy(last[:], data)
		crc = Update(crc, binary.BigEndian.Uint32(last[:]))
	}
	return crc
}
