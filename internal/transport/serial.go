package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/davejbax/cyflash/internal/protocol"
	"go.bug.st/serial"
)

// SerialConfig describes the serial port the bootloader is attached to.
type SerialConfig struct {
	Port     string `mapstructure:"port"`
	BaudRate int    `mapstructure:"baud_rate" default:"115200"`
	Parity   string `mapstructure:"parity" default:"none"`
	StopBits string `mapstructure:"stop_bits" default:"1"`
	DTR      bool   `mapstructure:"dtr"`
	RTS      bool   `mapstructure:"rts"`
}

var (
	errUnknownParity   = errors.New("unknown parity, expected one of: none, even, odd, mark, space")
	errUnknownStopBits = errors.New("unknown stop bits, expected one of: 1, 1.5, 2")
)

// Serial frames bootloader packets over a serial port.
type Serial struct {
	logger *slog.Logger
	port   io.ReadWriter
	closer io.Closer
}

var _ Transport = &Serial{}

// OpenSerial opens and configures the serial port described by config. The
// read timeout bounds how long Recv waits for each part of a response frame.
func OpenSerial(logger *slog.Logger, config *SerialConfig, timeout time.Duration) (*Serial, error) {
	parity, err := parseParity(config.Parity)
	if err != nil {
		return nil, err
	}

	stopBits, err := parseStopBits(config.StopBits)
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: 8,
		Parity:   parity,
		StopBits: stopBits,
		InitialStatusBits: &serial.ModemOutputBits{
			DTR: config.DTR,
			RTS: config.RTS,
		},
	}

	port, err := serial.Open(config.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port '%s': %w", config.Port, err)
	}

	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set serial read timeout: %w", err)
	}

	// Clear any garbage off the port before talking to the bootloader
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to reset serial input buffer: %w", err)
	}

	if err := port.ResetOutputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to reset serial output buffer: %w", err)
	}

	logger.Debug("opened serial port",
		"port", config.Port,
		"baud_rate", config.BaudRate,
		"parity", config.Parity,
		"stop_bits", config.StopBits,
	)

	return &Serial{
		logger: logger,
		port:   port,
		closer: port,
	}, nil
}

func (s *Serial) Send(ctx context.Context, packet []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.logger.Debug("serial write", "data", fmt.Sprintf("% X", packet))

	if _, err := s.port.Write(packet); err != nil {
		return fmt.Errorf("serial write failed: %w", err)
	}

	return nil
}

// Recv reads one response frame: a 4-byte prefix carrying the payload length,
// then the payload and the 3-byte trailer.
func (s *Serial) Recv(ctx context.Context) ([]byte, error) {
	header := make([]byte, 4)
	if err := s.readFull(ctx, header); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint16(header[2:4])

	frame := make([]byte, 4+int(length)+3)
	copy(frame, header)

	if err := s.readFull(ctx, frame[4:]); err != nil {
		return nil, err
	}

	s.logger.Debug("serial read", "data", fmt.Sprintf("% X", frame))

	return frame, nil
}

func (s *Serial) Close() error {
	if s.closer == nil {
		return nil
	}

	return s.closer.Close()
}

func (s *Serial) readFull(ctx context.Context, buff []byte) error {
	read := 0
	for read < len(buff) {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := s.port.Read(buff[read:])
		read += n

		// go.bug.st/serial reports a read timeout as a zero-length read
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			return protocol.ErrTimeout
		}

		if err != nil {
			return fmt.Errorf("serial read failed: %w", err)
		}
	}

	return nil
}

func parseParity(value string) (serial.Parity, error) {
	switch value {
	case "none", "n", "":
		return serial.NoParity, nil
	case "even", "e":
		return serial.EvenParity, nil
	case "odd", "o":
		return serial.OddParity, nil
	case "mark":
		return serial.MarkParity, nil
	case "space":
		return serial.SpaceParity, nil
	default:
		return serial.NoParity, fmt.Errorf("%w: '%s'", errUnknownParity, value)
	}
}

func parseStopBits(value string) (serial.StopBits, error) {
	switch value {
	case "1", "":
		return serial.OneStopBit, nil
	case "1.5":
		return serial.OnePointFiveStopBits, nil
	case "2":
		return serial.TwoStopBits, nil
	default:
		return serial.OneStopBit, fmt.Errorf("%w: '%s'", errUnknownStopBits, value)
	}
}
