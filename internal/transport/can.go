package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/davejbax/cyflash/internal/protocol"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// CANConfig describes the SocketCAN interface and framing used to reach the
// bootloader.
type CANConfig struct {
	Interface string `mapstructure:"interface"`
	FrameID   uint32 `mapstructure:"frame_id"`

	// Echo keeps the host in sync by waiting for each sent frame to be
	// echoed back; SendWait is the fixed inter-frame delay used otherwise.
	Echo     bool          `mapstructure:"echo"`
	SendWait time.Duration `mapstructure:"send_wait" default:"5ms"`
}

const canFrameDataLength = 8

// frameBus is the raw CAN frame channel underneath the transport. A zero
// timeout polls without waiting.
type frameBus interface {
	SendFrame(ctx context.Context, frame can.Frame) error
	RecvFrame(ctx context.Context, timeout time.Duration) (can.Frame, error)
	Close() error
}

// CAN splits bootloader packets into 8-byte CAN frames with a fixed
// arbitration ID, and reassembles responses from the frames the device sends
// back.
type CAN struct {
	logger   *slog.Logger
	bus      frameBus
	frameID  uint32
	timeout  time.Duration
	echo     bool
	sendWait time.Duration
}

var _ Transport = &CAN{}

// DialCAN opens the SocketCAN interface described by config.
func DialCAN(ctx context.Context, logger *slog.Logger, config *CANConfig, timeout time.Duration) (*CAN, error) {
	conn, err := socketcan.DialContext(ctx, "can", config.Interface)
	if err != nil {
		return nil, fmt.Errorf("failed to open CAN interface '%s': %w", config.Interface, err)
	}

	logger.Debug("opened CAN interface",
		"interface", config.Interface,
		"frame_id", fmt.Sprintf("0x%X", config.FrameID),
		"echo", config.Echo,
	)

	return &CAN{
		logger: logger,
		bus: &socketCANBus{
			conn:        conn,
			receiver:    socketcan.NewReceiver(conn),
			transmitter: socketcan.NewTransmitter(conn),
		},
		frameID:  config.FrameID,
		timeout:  timeout,
		echo:     config.Echo,
		sendWait: config.SendWait,
	}, nil
}

func (c *CAN) Send(ctx context.Context, packet []byte) error {
	for start := 0; start < len(packet); start += canFrameDataLength {
		end := min(start+canFrameDataLength, len(packet))
		chunk := packet[start:end]

		frame := can.Frame{ID: c.frameID, Length: uint8(len(chunk))}
		copy(frame.Data[:], chunk)

		// Drain stale frames so echo matching and response reassembly
		// don't pick them up
		if err := c.flush(ctx); err != nil {
			return err
		}

		c.logger.Debug("CAN write", "data", fmt.Sprintf("% X", chunk))

		if err := c.bus.SendFrame(ctx, frame); err != nil {
			return fmt.Errorf("failed to send CAN frame: %w", err)
		}

		if c.echo {
			if err := c.awaitEcho(ctx, chunk); err != nil {
				return err
			}
		} else if c.sendWait > 0 {
			select {
			case <-time.After(c.sendWait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return nil
}

// Recv reassembles one response frame from the device's CAN frames. The first
// frame carries the packet prefix with the payload length; frames are
// collected until the full packet has arrived.
func (c *CAN) Recv(ctx context.Context) ([]byte, error) {
	var first can.Frame
	for {
		frame, err := c.bus.RecvFrame(ctx, c.timeout)
		if errors.Is(err, protocol.ErrTimeout) {
			return nil, fmt.Errorf("waiting for first response frame: %w", err)
		}

		if err != nil {
			return nil, err
		}

		if frame.ID != c.frameID {
			continue
		}

		if frame.Length < 4 {
			return nil, fmt.Errorf("%w: first response frame has %d bytes, minimum is 4", protocol.ErrInvalidPacket, frame.Length)
		}

		if frame.Data[0] != protocol.StartOfPacket {
			return nil, fmt.Errorf("%w: unexpected start of frame data 0x%02X, expected 0x%02X", protocol.ErrInvalidPacket, frame.Data[0], protocol.StartOfPacket)
		}

		first = frame
		break
	}

	data := append([]byte{}, first.Data[:first.Length]...)
	total := 4 + int(binary.LittleEndian.Uint16(data[2:4])) + 3

	for len(data) < total {
		frame, err := c.bus.RecvFrame(ctx, c.timeout)
		if errors.Is(err, protocol.ErrTimeout) {
			return nil, fmt.Errorf("waiting for response continuation frame: %w", err)
		}

		if err != nil {
			return nil, err
		}

		// In echo mode the bus carries our own frames and possibly other
		// hosts'; only the configured arbitration ID belongs to the device
		if c.echo && frame.ID != c.frameID {
			continue
		}

		data = append(data, frame.Data[:frame.Length]...)
	}

	c.logger.Debug("CAN read", "data", fmt.Sprintf("% X", data))

	return data, nil
}

func (c *CAN) Close() error {
	return c.bus.Close()
}

func (c *CAN) flush(ctx context.Context) error {
	for {
		_, err := c.bus.RecvFrame(ctx, 0)
		if errors.Is(err, protocol.ErrTimeout) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to drain CAN receive buffer: %w", err)
		}
	}
}

func (c *CAN) awaitEcho(ctx context.Context, chunk []byte) error {
	for {
		frame, err := c.bus.RecvFrame(ctx, c.timeout)
		if errors.Is(err, protocol.ErrTimeout) {
			return fmt.Errorf("no echo frame received within %s: %w", c.timeout, protocol.ErrTimeout)
		}

		if err != nil {
			return err
		}

		// Arbitration IDs vary between setups; match the echo on payload
		// alone
		if bytes.Equal(frame.Data[:frame.Length], chunk) {
			return nil
		}
	}
}

type socketCANBus struct {
	conn        net.Conn
	receiver    *socketcan.Receiver
	transmitter *socketcan.Transmitter
}

func (b *socketCANBus) SendFrame(ctx context.Context, frame can.Frame) error {
	return b.transmitter.TransmitFrame(ctx, frame)
}

func (b *socketCANBus) RecvFrame(ctx context.Context, timeout time.Duration) (can.Frame, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := b.conn.SetReadDeadline(deadline); err != nil {
		return can.Frame{}, fmt.Errorf("failed to set CAN read deadline: %w", err)
	}

	if !b.receiver.Receive() {
		err := b.receiver.Err()

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return can.Frame{}, protocol.ErrTimeout
		}

		if err == nil {
			err = io.EOF
		}

		return can.Frame{}, fmt.Errorf("CAN receive failed: %w", err)
	}

	return b.receiver.Frame(), nil
}

func (b *socketCANBus) Close() error {
	return b.conn.Close()
}
