package bootload

import (
	"errors"
	"fmt"
)

var (
	errNoInactiveApplication = errors.New("failed to find an inactive application to flash")
	errDowngradeRefused      = errors.New("refusing to downgrade device application")
	errNewApplicationRefused = errors.New("refusing to flash an image with a different application ID")
	errNoMetadataRow         = errors.New("image has no metadata row")
)

// SiliconMismatchError indicates the device is not the part the image was
// built for.
type SiliconMismatchError struct {
	// What is mismatched: "id" or "rev"
	What string

	Device uint32
	Image  uint32
}

func (e *SiliconMismatchError) Error() string {
	return fmt.Sprintf("silicon %s of device (0x%X) does not match firmware image (0x%X)", e.What, e.Device, e.Image)
}

// RowOutOfRangeError indicates the image contains a row outside the device's
// flash array bounds.
type RowOutOfRangeError struct {
	ArrayID uint8
	Row     uint16
	First   uint16
	Last    uint16
}

func (e *RowOutOfRangeError) Error() string {
	return fmt.Sprintf("row %d in array %d out of range: device rows are %d to %d", e.Row, e.ArrayID, e.First, e.Last)
}

// ChecksumMismatchError indicates a programmed row read back with the wrong
// checksum.
type ChecksumMismatchError struct {
	ArrayID  uint8
	Row      uint16
	Expected uint8
	Actual   uint8
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum does not match in array %d row %d: expected 0x%02X, got 0x%02X", e.ArrayID, e.Row, e.Expected, e.Actual)
}

// VerificationError indicates the device rejected the application checksum
// after programming.
type VerificationError struct{}

func (e *VerificationError) Error() string {
	return "flash checksum does not verify"
}

// UnsupportedBootloaderError indicates the device bootloader version does not
// satisfy the configured constraint.
type UnsupportedBootloaderError struct {
	Version    string
	Constraint string
}

func (e *UnsupportedBootloaderError) Error() string {
	return fmt.Sprintf("device bootloader version %s does not satisfy constraint '%s'", e.Version, e.Constraint)
}
