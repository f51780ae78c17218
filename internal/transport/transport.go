// Package transport implements the physical channels a Cypress bootloader can
// be reached over: a serial port or a SocketCAN bus.
package transport

import (
	"github.com/davejbax/cyflash/internal/protocol"
)

// Transport is a protocol transport that owns an underlying device handle.
type Transport interface {
	protocol.Transport

	Close() error
}
