// Package cyacd reads .cyacd firmware images as produced by PSoC Creator for
// devices running the Cypress bootloader.
package cyacd

import (
	"fmt"
	"sort"
)

// ChecksumType selects the packet checksum algorithm the target bootloader was
// built with. It is carried in the image header and must be used for every
// packet exchanged with the device.
type ChecksumType uint8

const (
	// ChecksumSum is a 16-bit two's complement sum of the packet bytes.
	ChecksumSum ChecksumType = 0x00

	// ChecksumCRC16 is a CRC-16 over the packet bytes.
	ChecksumCRC16 ChecksumType = 0x01
)

func (c ChecksumType) String() string {
	switch c {
	case ChecksumSum:
		return "sum"
	case ChecksumCRC16:
		return "crc16"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint8(c))
	}
}

// Row is a single flash row from the image: the data that ends up at row
// Number of flash array ArrayID on the device.
type Row struct {
	ArrayID uint8
	Number  uint16
	Data    []byte
}

// DataChecksum returns the two's complement sum of the row data. This is the
// value the bootloader reports for a Verify Row command after the row has been
// programmed.
func (r *Row) DataChecksum() uint8 {
	var sum uint8
	for _, b := range r.Data {
		sum += b
	}

	return 1 + ^sum
}

// Array is the ordered set of rows the image contains for one flash array.
type Array struct {
	ID uint8

	// Rows in image order
	Rows []*Row

	byNumber map[uint16]*Row
}

// Row returns the row with the given row number, if the image contains one.
func (a *Array) Row(number uint16) (*Row, bool) {
	row, ok := a.byNumber[number]
	return row, ok
}

func (a *Array) add(row *Row) {
	a.Rows = append(a.Rows, row)
	a.byNumber[row.Number] = row
}

// Firmware is a parsed .cyacd image.
type Firmware struct {
	SiliconID    uint32
	SiliconRev   uint8
	ChecksumType ChecksumType

	Arrays map[uint8]*Array
}

// ArrayIDs returns the flash array IDs present in the image, in ascending
// order.
func (f *Firmware) ArrayIDs() []uint8 {
	ids := make([]uint8, 0, len(f.Arrays))
	for id := range f.Arrays {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// TotalRows returns the number of rows across all arrays.
func (f *Firmware) TotalRows() int {
	total := 0
	for _, array := range f.Arrays {
		total += len(array.Rows)
	}

	return total
}

func (f *Firmware) String() string {
	return fmt.Sprintf("silicon ID 0x%08X, silicon rev 0x%02X, checksum type %s, %d arrays, %d rows",
		f.SiliconID, f.SiliconRev, f.ChecksumType, len(f.Arrays), f.TotalRows())
}
