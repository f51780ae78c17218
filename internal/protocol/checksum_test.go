package protocol

import (
	"testing"

	"github.com/davejbax/cyflash/internal/cyacd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumChecksum(t *testing.T) {
	assert.Equal(t, uint16(0), SumChecksum(nil))

	// -(0x61 + 0x62 + 0x63) mod 2^16
	assert.Equal(t, uint16(0xFEDA), SumChecksum([]byte("abc")))

	// The Enter Bootloader packet prefix, as seen on the wire as C7 FF
	assert.Equal(t, uint16(0xFFC7), SumChecksum([]byte{0x01, 0x38, 0x00, 0x00}))
}

func TestCRC16Checksum(t *testing.T) {
	assert.Equal(t, uint16(0), CRC16Checksum(nil))

	// CRC-16/MCRF4XX of "123456789" is 0x6F91; this variant byte-swaps and
	// inverts the result
	assert.Equal(t, uint16(0x6E90), CRC16Checksum([]byte("123456789")))
}

func TestChecksumForType(t *testing.T) {
	sum, err := ChecksumForType(cyacd.ChecksumSum)
	require.NoError(t, err)
	assert.Equal(t, SumChecksum([]byte("abc")), sum([]byte("abc")))

	crc, err := ChecksumForType(cyacd.ChecksumCRC16)
	require.NoError(t, err)
	assert.Equal(t, CRC16Checksum([]byte("abc")), crc([]byte("abc")))

	_, err = ChecksumForType(cyacd.ChecksumType(0x7F))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported checksum type")
}
