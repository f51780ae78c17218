package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"
)

// EnterBootloaderResponse is the device identification returned by the Enter
// Bootloader command.
type EnterBootloaderResponse struct {
	SiliconID  uint32
	SiliconRev uint8
	Version    uint16
	VersionExt uint8
}

// BootloaderVersion returns the full bootloader version number as reported by
// the device.
func (r *EnterBootloaderResponse) BootloaderVersion() uint32 {
	return uint32(r.Version) | uint32(r.VersionExt)<<16
}

// FlashSizeResponse is the valid row range of a flash array.
type FlashSizeResponse struct {
	FirstRow uint16
	LastRow  uint16
}

// AppStatusResponse reports whether an application slot holds a valid image
// and whether it is the active one.
type AppStatusResponse struct {
	Valid  uint8
	Active uint8
}

type checksumResponse struct {
	Checksum uint8
}

type booleanResponse struct {
	Status uint8
}

// DeviceMetadata is the subset of application metadata shared by the PSoC3/4
// and PSoC5 layouts that the host needs for compatibility checks.
type DeviceMetadata interface {
	ApplicationID() uint16
	ApplicationVersion() uint16
}

// Metadata is the PSoC3/4 application metadata layout.
type Metadata struct {
	Checksum          uint8
	BootloadableAddr  uint32
	BootloaderLastRow uint32
	BootloadableLen   uint32
	Pad1              []byte `struc:"[7]pad"`
	Active            uint8
	Verified          uint8
	AppVersion        uint16
	AppID             uint16
	CustomID          uint16
	Pad2              []byte `struc:"[28]pad"`
}

func (m *Metadata) ApplicationID() uint16      { return m.AppID }
func (m *Metadata) ApplicationVersion() uint16 { return m.AppVersion }

// PSoC5Metadata is the application metadata layout used by PSoC5 devices.
type PSoC5Metadata struct {
	Checksum          uint8
	BootloadableAddr  uint32
	BootloaderLastRow uint16
	Pad1              []byte `struc:"[2]pad"`
	BootloadableLen   uint32
	Pad2              []byte `struc:"[3]pad"`
	Active            uint8
	Verified          uint8
	BootloaderVersion uint16
	AppID             uint16
	AppVersion        uint16
	CustomID          uint32
	Pad3              []byte `struc:"[28]pad"`
}

func (m *PSoC5Metadata) ApplicationID() uint16      { return m.AppID }
func (m *PSoC5Metadata) ApplicationVersion() uint16 { return m.AppVersion }

// MetadataLength is the size of both metadata layouts on the wire and in the
// image's metadata row.
const MetadataLength = 56

// Offsets of the application metadata within the image's last flash row.
const (
	MetadataRowOffset      = 64
	PSoC5MetadataRowOffset = 192
)

func unpack(data []byte, v interface{}) error {
	if err := struc.UnpackWithOptions(bytes.NewReader(data), v, &struc.Options{Order: binary.LittleEndian}); err != nil {
		return fmt.Errorf("%w: cannot unpack payload %X: %v", ErrInvalidPacket, data, err)
	}

	return nil
}

func pack(v interface{}) ([]byte, error) {
	var buff bytes.Buffer
	if err := struc.PackWithOptions(&buff, v, &struc.Options{Order: binary.LittleEndian}); err != nil {
		return nil, fmt.Errorf("failed to pack command payload: %w", err)
	}

	return buff.Bytes(), nil
}

// UnpackMetadata decodes application metadata in the layout the device family
// uses: PSoC5 or PSoC3/4.
func UnpackMetadata(data []byte, psoc5 bool) (DeviceMetadata, error) {
	if psoc5 {
		metadata := &PSoC5Metadata{}
		if err := unpack(data, metadata); err != nil {
			return nil, err
		}

		return metadata, nil
	}

	metadata := &Metadata{}
	if err := unpack(data, metadata); err != nil {
		return nil, err
	}

	return metadata, nil
}
