package cyacd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHeader = "04a611930100"

func TestReadParsesImage(t *testing.T) {
	image := strings.Join([]string{
		testHeader,
		// array 0, row 0x0022, data 01 02 03 04
		":000022000401020304d0",
		// array 1, row 0x0100, data ff 00
		":0101000002ff00fd",
	}, "\n")

	fw, err := Read(strings.NewReader(image))
	require.NoError(t, err)

	assert.Equal(t, uint32(0x04A61193), fw.SiliconID)
	assert.Equal(t, uint8(0x01), fw.SiliconRev)
	assert.Equal(t, ChecksumSum, fw.ChecksumType)
	assert.Equal(t, []uint8{0, 1}, fw.ArrayIDs())
	assert.Equal(t, 2, fw.TotalRows())

	row, ok := fw.Arrays[0].Row(0x0022)
	require.True(t, ok)
	assert.Equal(t, uint8(0), row.ArrayID)
	assert.Equal(t, uint16(0x0022), row.Number)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, row.Data)

	row, ok = fw.Arrays[1].Row(0x0100)
	require.True(t, ok)
	assert.Equal(t, []byte{0xFF, 0x00}, row.Data)
}

func TestReadSkipsBlankLines(t *testing.T) {
	image := testHeader + "\n\n:000022000401020304d0\n\n"

	fw, err := Read(strings.NewReader(image))
	require.NoError(t, err)
	assert.Equal(t, 1, fw.TotalRows())
}

func TestReadRejectsMalformedImages(t *testing.T) {
	tests := []struct {
		name    string
		image   string
		wantErr string
	}{
		{
			name:    "empty input",
			image:   "",
			wantErr: "no data rows",
		},
		{
			name:    "header only",
			image:   testHeader,
			wantErr: "no data rows",
		},
		{
			name:    "header not hex",
			image:   "zz" + testHeader[2:],
			wantErr: "not valid hex",
		},
		{
			name:    "short header",
			image:   "04a61193",
			wantErr: "expected 6 byte header",
		},
		{
			name:    "bad checksum type",
			image:   "04a611930102",
			wantErr: "invalid checksum type",
		},
		{
			name:    "row missing colon",
			image:   testHeader + "\n000022000401020304d0",
			wantErr: "must start with a colon",
		},
		{
			name:    "row not hex",
			image:   testHeader + "\n:00002200040102zz04d0",
			wantErr: "not valid hex",
		},
		{
			name:    "row too short",
			image:   testHeader + "\n:0000220004",
			wantErr: "row too short",
		},
		{
			name:    "row length mismatch",
			image:   testHeader + "\n:000022000501020304d0",
			wantErr: "row specified 5 bytes of data, but got 4",
		},
		{
			name:    "row checksum mismatch",
			image:   testHeader + "\n:000022000401020304d1",
			wantErr: "computed row checksum 0xD0, but image says 0xD1",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tc.image))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestReadReportsLineNumbers(t *testing.T) {
	image := testHeader + "\n:000022000401020304d0\n:0101000002ff00fe"

	_, err := Read(strings.NewReader(image))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestRowDataChecksum(t *testing.T) {
	row := &Row{Data: []byte{0x01, 0x02, 0x03, 0x04}}
	assert.Equal(t, uint8(0xF6), row.DataChecksum())

	// Sum wraps to zero
	row = &Row{Data: []byte{0xFF, 0x01}}
	assert.Equal(t, uint8(0x00), row.DataChecksum())
}

func TestChecksumTypeString(t *testing.T) {
	assert.Equal(t, "sum", ChecksumSum.String())
	assert.Equal(t, "crc16", ChecksumCRC16.String())
	assert.Equal(t, "unknown(0x7F)", ChecksumType(0x7F).String())
}
