package emu

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/davejbax/cyflash/internal/cyacd"
	"github.com/davejbax/cyflash/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestDevice(t *testing.T) (*Device, protocol.Transport) {
	t.Helper()

	device, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		SiliconID:    0x12345678,
		SiliconRev:   0x01,
		Version:      0x0100,
		ChecksumType: cyacd.ChecksumSum,
		Arrays:       []Array{{ID: 0, FirstRow: 0, LastRow: 3}},
	})
	require.NoError(t, err)

	transport, stop := device.Start(context.Background())
	t.Cleanup(func() { _ = stop() })

	return device, transport
}

func exchange(t *testing.T, transport protocol.Transport, command protocol.Command, payload []byte) []byte {
	t.Helper()

	packet := protocol.EncodePacket(command, payload, protocol.SumChecksum)
	require.NoError(t, transport.Send(context.Background(), packet))

	frame, err := transport.Recv(context.Background())
	require.NoError(t, err)

	return frame
}

func enter(t *testing.T, transport protocol.Transport) {
	t.Helper()

	frame := exchange(t, transport, protocol.CmdEnterBootloader, nil)
	require.Equal(t, byte(protocol.StatusSuccess), frame[1])
}

func TestDeviceRejectsCorruptPacketChecksum(t *testing.T) {
	_, transport := startTestDevice(t)

	packet := protocol.EncodePacket(protocol.CmdEnterBootloader, nil, protocol.SumChecksum)
	packet[len(packet)-2] ^= 0xFF

	require.NoError(t, transport.Send(context.Background(), packet))

	frame, err := transport.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.StatusInvalidChecksum), frame[1])
}

func TestDeviceRequiresBootloaderEntry(t *testing.T) {
	_, transport := startTestDevice(t)

	frame := exchange(t, transport, protocol.CmdGetFlashSize, []byte{0})
	assert.Equal(t, byte(protocol.StatusInvalidCommand), frame[1])
}

func TestDeviceProgramsAndVerifiesRow(t *testing.T) {
	device, transport := startTestDevice(t)
	enter(t, transport)

	chunk := []byte{0x01, 0x02, 0x03}
	frame := exchange(t, transport, protocol.CmdSendData, chunk)
	require.Equal(t, byte(protocol.StatusSuccess), frame[1])

	locator := []byte{0x00, 0x02, 0x00} // array 0, row 2
	frame = exchange(t, transport, protocol.CmdProgramRow, append(locator, 0x04))
	require.Equal(t, byte(protocol.StatusSuccess), frame[1])

	data, ok := device.RowData(0, 2)
	require.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, data)

	frame = exchange(t, transport, protocol.CmdVerifyRow, locator)
	require.Equal(t, byte(protocol.StatusSuccess), frame[1])
	assert.Equal(t, uint8(1+^uint8(0x01+0x02+0x03+0x04)), frame[4])
}

func TestDeviceRejectsRowOutsideArray(t *testing.T) {
	_, transport := startTestDevice(t)
	enter(t, transport)

	frame := exchange(t, transport, protocol.CmdProgramRow, []byte{0x00, 0x09, 0x00, 0xFF})
	assert.Equal(t, byte(protocol.StatusInvalidFlashRow), frame[1])

	frame = exchange(t, transport, protocol.CmdProgramRow, []byte{0x07, 0x01, 0x00, 0xFF})
	assert.Equal(t, byte(protocol.StatusInvalidArray), frame[1])
}

func TestDeviceReportsIdentity(t *testing.T) {
	_, transport := startTestDevice(t)

	frame := exchange(t, transport, protocol.CmdEnterBootloader, nil)
	require.Equal(t, byte(protocol.StatusSuccess), frame[1])

	payload := frame[4 : len(frame)-3]
	require.Len(t, payload, 8)
	assert.Equal(t, uint32(0x12345678), binary.LittleEndian.Uint32(payload[0:4]))
	assert.Equal(t, uint8(0x01), payload[4])
	assert.Equal(t, uint16(0x0100), binary.LittleEndian.Uint16(payload[5:7]))
}

func TestDeviceDropsResponses(t *testing.T) {
	device, transport := startTestDevice(t)
	device.DropResponses(protocol.CmdEnterBootloader, 1)

	packet := protocol.EncodePacket(protocol.CmdEnterBootloader, nil, protocol.SumChecksum)
	require.NoError(t, transport.Send(context.Background(), packet))

	_, err := transport.Recv(context.Background())
	assert.ErrorIs(t, err, protocol.ErrTimeout)

	// The next attempt goes through
	enter(t, transport)
}
