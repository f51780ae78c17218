package protocol

import (
	"fmt"

	"github.com/davejbax/cyflash/internal/cyacd"
)

// ChecksumFunc computes the 16-bit packet checksum over the packet bytes
// preceding the checksum field.
type ChecksumFunc func(data []byte) uint16

// ChecksumForType returns the packet checksum algorithm matching the checksum
// type declared in the firmware image header.
func ChecksumForType(t cyacd.ChecksumType) (ChecksumFunc, error) {
	switch t {
	case cyacd.ChecksumSum:
		return SumChecksum, nil
	case cyacd.ChecksumCRC16:
		return CRC16Checksum, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedChecksumType, t)
	}
}

// SumChecksum is the 16-bit two's complement sum of the data.
func SumChecksum(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}

	return -sum
}

// CRC16Checksum is the CRC-16 variant the Cypress bootloader uses: reflected
// polynomial 0x8408, initial value 0xFFFF, with the result byte-swapped and
// inverted.
func CRC16Checksum(data []byte) uint16 {
	crc := uint32(0xFFFF)

	for _, b := range data {
		bits := uint32(b)
		for i := 0; i < 8; i++ {
			if (crc&1)^(bits&1) == 1 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
			bits >>= 1
		}
	}

	crc = (crc << 8) | (crc >> 8)

	return ^uint16(crc)
}
