package protocol

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/davejbax/cyflash/internal/cyacd"
)

// DefaultChunkSize is the default maximum amount of row data carried by a
// single Send Data or Program Row command.
const DefaultChunkSize = 25

// BootloaderKeyLength is the length of the optional bootloader security key.
const BootloaderKeyLength = 6

// Transport delivers framed packets to the device and reads back complete
// response frames.
type Transport interface {
	Send(ctx context.Context, packet []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Session speaks the bootloader protocol over a Transport, using the packet
// checksum algorithm the target firmware was built with.
type Session struct {
	logger    *slog.Logger
	transport Transport
	checksum  ChecksumFunc
}

func NewSession(logger *slog.Logger, transport Transport, checksumType cyacd.ChecksumType) (*Session, error) {
	checksum, err := ChecksumForType(checksumType)
	if err != nil {
		return nil, err
	}

	return &Session{
		logger:    logger,
		transport: transport,
		checksum:  checksum,
	}, nil
}

// EnterBootloader starts a bootloader session on the device. The key must be
// empty, or exactly six bytes if the bootloader was built with a security key.
func (s *Session) EnterBootloader(ctx context.Context, key []byte) (*EnterBootloaderResponse, error) {
	if len(key) != 0 && len(key) != BootloaderKeyLength {
		return nil, fmt.Errorf("%w, got %d", errInvalidKeyLength, len(key))
	}

	payload, err := s.call(ctx, CmdEnterBootloader, key)
	if err != nil {
		return nil, err
	}

	response := &EnterBootloaderResponse{}
	if err := unpack(payload, response); err != nil {
		return nil, err
	}

	return response, nil
}

// ExitBootloader tells the device to verify the application and reset. The
// device reboots rather than acknowledging, so no response is read.
func (s *Session) ExitBootloader(ctx context.Context) error {
	return s.send(ctx, CmdExitBootloader, nil)
}

// Sync resets the bootloader's packet state machine, discarding any partially
// received command. The device does not acknowledge it.
func (s *Session) Sync(ctx context.Context) error {
	return s.send(ctx, CmdSyncBootloader, nil)
}

// GetFlashSize returns the valid row range of the given flash array.
func (s *Session) GetFlashSize(ctx context.Context, arrayID uint8) (*FlashSizeResponse, error) {
	payload, err := s.call(ctx, CmdGetFlashSize, []byte{arrayID})
	if err != nil {
		return nil, err
	}

	response := &FlashSizeResponse{}
	if err := unpack(payload, response); err != nil {
		return nil, err
	}

	return response, nil
}

// ApplicationStatus reports validity and active state of an application slot
// on dual-application bootloaders.
func (s *Session) ApplicationStatus(ctx context.Context, appID uint8) (*AppStatusResponse, error) {
	payload, err := s.call(ctx, CmdGetAppStatus, []byte{appID})
	if err != nil {
		return nil, err
	}

	response := &AppStatusResponse{}
	if err := unpack(payload, response); err != nil {
		return nil, err
	}

	return response, nil
}

// SetApplicationActive marks an application slot as the one to boot.
func (s *Session) SetApplicationActive(ctx context.Context, appID uint8) error {
	_, err := s.call(ctx, CmdSetActiveApp, []byte{appID})
	return err
}

// EraseRow erases a single flash row.
func (s *Session) EraseRow(ctx context.Context, arrayID uint8, row uint16) error {
	locator, err := pack(&rowLocator{ArrayID: arrayID, Row: row})
	if err != nil {
		return err
	}

	_, err = s.call(ctx, CmdEraseRow, locator)
	return err
}

// ProgramRow writes one flash row. Data beyond chunkSize is transferred ahead
// of time with Send Data commands; the final chunk rides on the Program Row
// command itself.
func (s *Session) ProgramRow(ctx context.Context, arrayID uint8, row uint16, data []byte, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	for len(data) > chunkSize {
		if err := s.sendData(ctx, data[:chunkSize]); err != nil {
			return fmt.Errorf("failed to send row data chunk: %w", err)
		}

		data = data[chunkSize:]
	}

	locator, err := pack(&rowLocator{ArrayID: arrayID, Row: row})
	if err != nil {
		return err
	}

	_, err = s.call(ctx, CmdProgramRow, append(locator, data...))
	return err
}

// VerifyRow returns the device's checksum of a programmed row.
func (s *Session) VerifyRow(ctx context.Context, arrayID uint8, row uint16) (uint8, error) {
	locator, err := pack(&rowLocator{ArrayID: arrayID, Row: row})
	if err != nil {
		return 0, err
	}

	payload, err := s.call(ctx, CmdVerifyRow, locator)
	if err != nil {
		return 0, err
	}

	response := &checksumResponse{}
	if err := unpack(payload, response); err != nil {
		return 0, err
	}

	return response.Checksum, nil
}

// VerifyChecksum asks the device to validate the whole application checksum.
func (s *Session) VerifyChecksum(ctx context.Context) (bool, error) {
	payload, err := s.call(ctx, CmdVerifyChecksum, nil)
	if err != nil {
		return false, err
	}

	response := &booleanResponse{}
	if err := unpack(payload, response); err != nil {
		return false, err
	}

	return response.Status != 0, nil
}

// Metadata reads the application metadata for the given application slot.
func (s *Session) Metadata(ctx context.Context, appID uint8, psoc5 bool) (DeviceMetadata, error) {
	payload, err := s.call(ctx, CmdGetMetadata, []byte{appID})
	if err != nil {
		return nil, err
	}

	return UnpackMetadata(payload, psoc5)
}

type rowLocator struct {
	ArrayID uint8
	Row     uint16
}

func (s *Session) sendData(ctx context.Context, chunk []byte) error {
	_, err := s.call(ctx, CmdSendData, chunk)
	return err
}

func (s *Session) send(ctx context.Context, command Command, payload []byte) error {
	packet := EncodePacket(command, payload, s.checksum)

	s.logger.Debug("sending bootloader command",
		"command", fmt.Sprintf("0x%02X", uint8(command)),
		"packet_length", len(packet),
	)

	if err := s.transport.Send(ctx, packet); err != nil {
		return fmt.Errorf("command 0x%02X: %w", uint8(command), err)
	}

	return nil
}

func (s *Session) call(ctx context.Context, command Command, payload []byte) ([]byte, error) {
	if err := s.send(ctx, command, payload); err != nil {
		return nil, err
	}

	frame, err := s.transport.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("command 0x%02X: %w", uint8(command), err)
	}

	response, err := DecodeResponse(frame, s.checksum)
	if err != nil {
		return nil, fmt.Errorf("command 0x%02X: %w", uint8(command), err)
	}

	return response, nil
}
