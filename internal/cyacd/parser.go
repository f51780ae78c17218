package cyacd

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Image header: silicon ID (4 bytes), silicon rev (1 byte), checksum type (1 byte)
const headerLength = 6

// Row header: array ID (1 byte), row number (2 bytes), data length (2 bytes);
// followed by the data and a 1-byte line checksum. All multi-byte fields are
// big-endian on disk.
const rowHeaderLength = 5

var (
	errMissingColon        = errors.New("bootloader rows must start with a colon")
	errEmptyImage          = errors.New("image contains no data rows")
	errInvalidChecksumType = errors.New("invalid checksum type in image header")
)

// ReadFile parses the .cyacd image at the given path.
func ReadFile(path string) (*Firmware, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	return Read(f)
}

// Read parses a .cyacd image. The format is line-oriented: a hex-encoded
// header line followed by one hex-encoded flash row per line, each prefixed
// with a colon.
func Read(r io.Reader) (*Firmware, error) {
	scanner := bufio.NewScanner(r)
	// Rows can be several hundred bytes of data, i.e. over a thousand
	// characters of hex
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read image header: %w", err)
		}

		return nil, errEmptyImage
	}

	fw, err := parseHeader(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fmt.Errorf("failed to parse image header: %w", err)
	}

	line := 1
	for scanner.Scan() {
		line++

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		row, err := parseRow(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		array, ok := fw.Arrays[row.ArrayID]
		if !ok {
			array = &Array{ID: row.ArrayID, byNumber: make(map[uint16]*Row)}
			fw.Arrays[row.ArrayID] = array
		}

		array.add(row)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	if fw.TotalRows() == 0 {
		return nil, errEmptyImage
	}

	return fw, nil
}

func parseHeader(line string) (*Firmware, error) {
	header, err := hex.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("header is not valid hex: %w", err)
	}

	if len(header) != headerLength {
		return nil, fmt.Errorf("expected %d byte header, got %d bytes: image may be corrupt", headerLength, len(header))
	}

	checksumType := ChecksumType(header[5])
	if checksumType != ChecksumSum && checksumType != ChecksumCRC16 {
		return nil, fmt.Errorf("%w: 0x%02X", errInvalidChecksumType, header[5])
	}

	return &Firmware{
		SiliconID:    binary.BigEndian.Uint32(header[0:4]),
		SiliconRev:   header[4],
		ChecksumType: checksumType,
		Arrays:       make(map[uint8]*Array),
	}, nil
}

func parseRow(line string) (*Row, error) {
	if line[0] != ':' {
		return nil, errMissingColon
	}

	raw, err := hex.DecodeString(line[1:])
	if err != nil {
		return nil, fmt.Errorf("row is not valid hex: %w", err)
	}

	if len(raw) < rowHeaderLength+1 {
		return nil, fmt.Errorf("row too short: got %d bytes, need at least %d", len(raw), rowHeaderLength+1)
	}

	arrayID := raw[0]
	number := binary.BigEndian.Uint16(raw[1:3])
	dataLength := binary.BigEndian.Uint16(raw[3:5])

	data := raw[rowHeaderLength : len(raw)-1]
	if len(data) != int(dataLength) {
		return nil, fmt.Errorf("row specified %d bytes of data, but got %d", dataLength, len(data))
	}

	// The line checksum is the two's complement of the sum of every byte
	// before it, including the row header
	var sum uint8
	for _, b := range raw[:len(raw)-1] {
		sum += b
	}

	checksum := raw[len(raw)-1]
	if expected := -sum; checksum != expected {
		return nil, fmt.Errorf("computed row checksum 0x%02X, but image says 0x%02X", expected, checksum)
	}

	return &Row{
		ArrayID: arrayID,
		Number:  number,
		Data:    data,
	}, nil
}
