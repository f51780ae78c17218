package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// StartOfPacket begins every command and response frame.
	StartOfPacket = 0x01

	// EndOfPacket terminates every command and response frame.
	EndOfPacket = 0x17

	// FrameOverhead is the number of framing bytes around the payload: SOP,
	// command/status, 16-bit length, 16-bit checksum, EOP.
	FrameOverhead = 7
)

// Command is a bootloader command code.
type Command uint8

const (
	CmdVerifyChecksum  Command = 0x31
	CmdGetFlashSize    Command = 0x32
	CmdGetAppStatus    Command = 0x33
	CmdEraseRow        Command = 0x34
	CmdSyncBootloader  Command = 0x35
	CmdSetActiveApp    Command = 0x36
	CmdSendData        Command = 0x37
	CmdEnterBootloader Command = 0x38
	CmdProgramRow      Command = 0x39
	CmdVerifyRow       Command = 0x3A
	CmdExitBootloader  Command = 0x3B
	CmdGetMetadata     Command = 0x3C
)

// EncodePacket frames a command payload for transmission:
//
//	SOP (0x01) | command | payload length (LE) | payload | checksum (LE) | EOP (0x17)
//
// The checksum covers everything before the checksum field.
func EncodePacket(command Command, payload []byte, checksum ChecksumFunc) []byte {
	packet := make([]byte, 0, len(payload)+FrameOverhead)
	packet = append(packet, StartOfPacket, byte(command))
	packet = binary.LittleEndian.AppendUint16(packet, uint16(len(payload)))
	packet = append(packet, payload...)
	packet = binary.LittleEndian.AppendUint16(packet, checksum(packet))
	packet = append(packet, EndOfPacket)

	return packet
}

// DecodeResponse validates a response frame and returns its payload. The
// response layout mirrors the command layout, with a status byte in place of
// the command byte. A non-success status is returned as a *StatusError.
func DecodeResponse(frame []byte, checksum ChecksumFunc) ([]byte, error) {
	if len(frame) < FrameOverhead {
		return nil, fmt.Errorf("%w: frame is %d bytes, minimum is %d", ErrInvalidPacket, len(frame), FrameOverhead)
	}

	if frame[0] != StartOfPacket {
		return nil, fmt.Errorf("%w: expected start of packet 0x%02X, found 0x%02X", ErrInvalidPacket, StartOfPacket, frame[0])
	}

	length := binary.LittleEndian.Uint16(frame[2:4])
	if int(length) != len(frame)-FrameOverhead {
		return nil, fmt.Errorf("%w: expected payload length %d, actual %d", ErrInvalidPacket, length, len(frame)-FrameOverhead)
	}

	if end := frame[len(frame)-1]; end != EndOfPacket {
		return nil, fmt.Errorf("%w: expected end of packet 0x%02X, found 0x%02X", ErrInvalidPacket, EndOfPacket, end)
	}

	declared := binary.LittleEndian.Uint16(frame[len(frame)-3 : len(frame)-1])
	if computed := checksum(frame[:4+length]); declared != computed {
		return nil, fmt.Errorf("%w: packet checksum 0x%04X, expected 0x%04X", ErrInvalidPacket, declared, computed)
	}

	if status := Status(frame[1]); status != StatusSuccess {
		return nil, &StatusError{Status: status}
	}

	return frame[4 : 4+length], nil
}
