package emu

import (
	"context"
	"errors"
	"time"

	"github.com/davejbax/cyflash/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// Serve runs the device command loop until the context is cancelled.
func (d *Device) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case packet := <-d.requests:
			response := d.handle(packet)
			if response == nil {
				continue
			}

			select {
			case d.responses <- response:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Start runs the device loop in the background. It returns a transport
// connected to the device and a stop function that shuts the loop down and
// reports any error it exited with.
func (d *Device) Start(ctx context.Context) (protocol.Transport, func() error) {
	ctx, cancel := context.WithCancel(ctx)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return d.Serve(ctx)
	})

	stop := func() error {
		cancel()

		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	}

	return d.Transport(), stop
}

// Transport returns the host side of the device's packet channels. Recv times
// out after the configured response timeout, mirroring a transport whose
// device stays silent.
func (d *Device) Transport() protocol.Transport {
	return &deviceTransport{device: d}
}

type deviceTransport struct {
	device *Device
}

func (t *deviceTransport) Send(ctx context.Context, packet []byte) error {
	select {
	case t.device.requests <- append([]byte(nil), packet...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *deviceTransport) Recv(ctx context.Context) ([]byte, error) {
	timeout := time.NewTimer(t.device.config.ResponseTimeout)
	defer timeout.Stop()

	select {
	case response := <-t.device.responses:
		return response, nil
	case <-timeout.C:
		return nil, protocol.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
