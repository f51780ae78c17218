package protocol

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// responseFrame builds a well-formed response frame with the given status and
// payload, using the sum checksum.
func responseFrame(status Status, payload []byte) []byte {
	frame := []byte{StartOfPacket, byte(status)}
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint16(frame, SumChecksum(frame))
	frame = append(frame, EndOfPacket)

	return frame
}

func TestEncodePacket(t *testing.T) {
	packet := EncodePacket(CmdEnterBootloader, nil, SumChecksum)
	assert.Equal(t, []byte{0x01, 0x38, 0x00, 0x00, 0xC7, 0xFF, 0x17}, packet)

	packet = EncodePacket(CmdSendData, []byte{0xDE, 0xAD}, SumChecksum)
	assert.Equal(t, byte(0x01), packet[0])
	assert.Equal(t, byte(0x37), packet[1])
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(packet[2:4]))
	assert.Equal(t, []byte{0xDE, 0xAD}, packet[4:6])
	assert.Equal(t, byte(EndOfPacket), packet[len(packet)-1])

	// Checksum covers everything before the checksum field
	assert.Equal(t, SumChecksum(packet[:6]), binary.LittleEndian.Uint16(packet[6:8]))
}

func TestDecodeResponse(t *testing.T) {
	payload, err := DecodeResponse(responseFrame(StatusSuccess, []byte{0xAA, 0xBB}), SumChecksum)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, payload)

	payload, err = DecodeResponse(responseFrame(StatusSuccess, nil), SumChecksum)
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestDecodeResponseRejectsMalformedFrames(t *testing.T) {
	valid := responseFrame(StatusSuccess, []byte{0xAA})

	corrupt := func(index int, value byte) []byte {
		frame := append([]byte{}, valid...)
		frame[index] = value
		return frame
	}

	tests := []struct {
		name  string
		frame []byte
	}{
		{"too short", valid[:6]},
		{"bad start of packet", corrupt(0, 0x02)},
		{"length mismatch", corrupt(2, 0x05)},
		{"bad end of packet", corrupt(len(valid)-1, 0x18)},
		{"bad checksum", corrupt(len(valid)-2, valid[len(valid)-2]^0xFF)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeResponse(tc.frame, SumChecksum)
			assert.ErrorIs(t, err, ErrInvalidPacket)
		})
	}
}

func TestDecodeResponseStatusErrors(t *testing.T) {
	_, err := DecodeResponse(responseFrame(StatusInvalidData, nil), SumChecksum)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, StatusInvalidData, statusErr.Status)
	assert.Contains(t, statusErr.Error(), "not of the proper form")

	// Status codes outside the documented range still surface as errors
	_, err = DecodeResponse(responseFrame(Status(0x42), nil), SumChecksum)
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, Status(0x42), statusErr.Status)
	assert.Contains(t, statusErr.Error(), "0x42")
}
