package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/davejbax/cyflash/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// responseFrame builds a success response frame with the given payload, using
// the sum checksum.
func responseFrame(payload []byte) []byte {
	frame := []byte{protocol.StartOfPacket, 0x00}
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint16(frame, protocol.SumChecksum(frame))
	frame = append(frame, protocol.EndOfPacket)

	return frame
}

// fakePort mimics go.bug.st/serial read semantics: a zero-length read when no
// data arrives before the timeout, and possibly short reads otherwise.
type fakePort struct {
	reads  bytes.Buffer
	writes bytes.Buffer

	// Maximum bytes returned per Read; 0 means unlimited
	chunk int
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.reads.Len() == 0 {
		return 0, nil
	}

	if p.chunk > 0 && p.chunk < len(b) {
		b = b[:p.chunk]
	}

	return p.reads.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	return p.writes.Write(b)
}

func newTestSerial(port io.ReadWriter) *Serial {
	return &Serial{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		port:   port,
	}
}

func TestSerialSend(t *testing.T) {
	port := &fakePort{}
	serial := newTestSerial(port)

	packet := []byte{0x01, 0x38, 0x00, 0x00, 0xC7, 0xFF, 0x17}
	require.NoError(t, serial.Send(context.Background(), packet))
	assert.Equal(t, packet, port.writes.Bytes())
}

func TestSerialRecv(t *testing.T) {
	frame := responseFrame([]byte{0xAA, 0xBB, 0xCC})

	// Short reads must not break frame reassembly
	port := &fakePort{chunk: 3}
	port.reads.Write(frame)

	serial := newTestSerial(port)

	got, err := serial.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestSerialRecvTimeout(t *testing.T) {
	serial := newTestSerial(&fakePort{})

	_, err := serial.Recv(context.Background())
	assert.ErrorIs(t, err, protocol.ErrTimeout)
}

func TestSerialRecvPartialFrameTimesOut(t *testing.T) {
	frame := responseFrame([]byte{0xAA, 0xBB, 0xCC})

	// Only the prefix arrives; the rest of the frame never shows up
	port := &fakePort{}
	port.reads.Write(frame[:5])

	serial := newTestSerial(port)

	_, err := serial.Recv(context.Background())
	assert.ErrorIs(t, err, protocol.ErrTimeout)
}

func TestParseParity(t *testing.T) {
	for _, valid := range []string{"none", "n", "", "even", "e", "odd", "o", "mark", "space"} {
		_, err := parseParity(valid)
		assert.NoError(t, err, "parity %q", valid)
	}

	_, err := parseParity("banana")
	assert.ErrorIs(t, err, errUnknownParity)
}

func TestParseStopBits(t *testing.T) {
	for _, valid := range []string{"1", "", "1.5", "2"} {
		_, err := parseStopBits(valid)
		assert.NoError(t, err, "stop bits %q", valid)
	}

	_, err := parseStopBits("3")
	assert.ErrorIs(t, err, errUnknownStopBits)
}
