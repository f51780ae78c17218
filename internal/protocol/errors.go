package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned (wrapped) by transports when the device does not
	// answer within the configured timeout.
	ErrTimeout = errors.New("timed out waiting for bootloader response")

	// ErrInvalidPacket is returned (wrapped) when a response frame is
	// malformed: bad framing bytes, length, or packet checksum.
	ErrInvalidPacket = errors.New("invalid packet")

	errUnsupportedChecksumType = errors.New("unsupported checksum type")
	errInvalidKeyLength        = errors.New("bootloader key must be exactly 6 bytes")
)

// Status is the status byte of a bootloader response.
type Status uint8

const (
	StatusSuccess            Status = 0x00
	StatusKeyError           Status = 0x01
	StatusVerificationFailed Status = 0x02
	StatusIncorrectLength    Status = 0x03
	StatusInvalidData        Status = 0x04
	StatusInvalidCommand     Status = 0x05
	StatusUnexpectedDevice   Status = 0x06
	StatusUnsupportedVersion Status = 0x07
	StatusInvalidChecksum    Status = 0x08
	StatusInvalidArray       Status = 0x09
	StatusInvalidFlashRow    Status = 0x0A
	StatusProtectedFlash     Status = 0x0B
	StatusInvalidApp         Status = 0x0C
	StatusAppActive          Status = 0x0D
	StatusCallbackResponse   Status = 0x0E
	StatusUnknown            Status = 0x0F
)

var statusMessages = map[Status]string{
	StatusKeyError:           "the provided security key was incorrect",
	StatusVerificationFailed: "the flash verification failed",
	StatusIncorrectLength:    "the amount of data available is outside the expected range",
	StatusInvalidData:        "the data is not of the proper form",
	StatusInvalidCommand:     "command unsupported on target device",
	StatusUnexpectedDevice:   "unexpected device",
	StatusUnsupportedVersion: "unsupported bootloader version",
	StatusInvalidChecksum:    "invalid packet checksum",
	StatusInvalidArray:       "invalid flash array ID",
	StatusInvalidFlashRow:    "invalid flash row number",
	StatusProtectedFlash:     "flash row is protected",
	StatusInvalidApp:         "no valid application",
	StatusAppActive:          "the application is currently marked as active or golden image",
	StatusCallbackResponse:   "callback response invalid",
	StatusUnknown:            "unknown bootloader error",
}

// StatusError is a non-success status reported by the device in an otherwise
// well-formed response.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	message, ok := statusMessages[e.Status]
	if !ok {
		return fmt.Sprintf("bootloader returned status 0x%02X", uint8(e.Status))
	}

	return fmt.Sprintf("bootloader error 0x%02X: %s", uint8(e.Status), message)
}
