// Package emu implements an in-memory device running the Cypress bootloader
// protocol. It answers the same command set a real target would, which makes
// it usable both as a test double for the flashing logic and as a way to dry
// run an image without hardware on the bench.
package emu

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/davejbax/cyflash/internal/cyacd"
	"github.com/davejbax/cyflash/internal/protocol"
)

const defaultResponseTimeout = 50 * time.Millisecond

// Array describes one emulated flash array and its valid row range.
type Array struct {
	ID       uint8
	FirstRow uint16
	LastRow  uint16
}

// Application describes one emulated application slot.
type Application struct {
	Valid  bool
	Active bool
}

// Config describes the emulated device.
type Config struct {
	SiliconID  uint32
	SiliconRev uint8

	// Version and VersionExt form the bootloader version reported on entry
	Version    uint16
	VersionExt uint8

	// ChecksumType selects the packet checksum the device expects
	ChecksumType cyacd.ChecksumType

	// Key, if non-empty, must be presented on Enter Bootloader
	Key []byte

	Arrays []Array

	// Applications configures the dual-application slots; leave empty for a
	// single-application device
	Applications []Application

	// Metadata is the 56-byte application metadata returned by Get Metadata;
	// nil makes the command fail as if no application were programmed
	Metadata []byte

	// FailChecksum makes Verify Application Checksum report an invalid image
	FailChecksum bool

	// ResponseTimeout bounds how long the transport waits for the device
	// loop to answer before reporting a timeout
	ResponseTimeout time.Duration
}

// Device is an emulated bootloader target. Run its command loop with Serve or
// Start, and talk to it through the Transport.
type Device struct {
	logger   *slog.Logger
	config   Config
	checksum protocol.ChecksumFunc

	requests  chan []byte
	responses chan []byte

	mu           sync.Mutex
	entered      bool
	exited       bool
	buffer       []byte
	rows         map[rowKey][]byte
	applications []Application
	drops        map[protocol.Command]int
}

type rowKey struct {
	arrayID uint8
	row     uint16
}

func New(logger *slog.Logger, config Config) (*Device, error) {
	checksum, err := protocol.ChecksumForType(config.ChecksumType)
	if err != nil {
		return nil, err
	}

	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = defaultResponseTimeout
	}

	return &Device{
		logger:       logger,
		config:       config,
		checksum:     checksum,
		requests:     make(chan []byte),
		responses:    make(chan []byte, 1),
		rows:         make(map[rowKey][]byte),
		applications: append([]Application(nil), config.Applications...),
		drops:        make(map[protocol.Command]int),
	}, nil
}

// DropResponses makes the device swallow its response to the next n
// occurrences of the given command, as if the reply were lost on the wire.
func (d *Device) DropResponses(command protocol.Command, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drops[command] += n
}

// RowData returns the data programmed into the given row.
func (d *Device) RowData(arrayID uint8, row uint16) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, ok := d.rows[rowKey{arrayID: arrayID, row: row}]
	return data, ok
}

// ProgrammedRows returns how many rows have been written.
func (d *Device) ProgrammedRows() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rows)
}

// ActiveApplication returns the slot marked active, if any.
func (d *Device) ActiveApplication() (uint8, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, app := range d.applications {
		if app.Active {
			return uint8(id), true
		}
	}

	return 0, false
}

// Exited reports whether the device received Exit Bootloader.
func (d *Device) Exited() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exited
}

// handle processes one command frame and returns the response frame, or nil
// for commands the device does not answer.
func (d *Device) handle(packet []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	command, payload, status := d.parse(packet)
	if status != protocol.StatusSuccess {
		return d.respond(status, nil)
	}

	if remaining, ok := d.drops[command]; ok && remaining > 0 {
		d.drops[command] = remaining - 1
		d.logger.Debug("dropping response", "command", fmt.Sprintf("0x%02X", uint8(command)))
		return nil
	}

	if !d.entered && command != protocol.CmdEnterBootloader && command != protocol.CmdSyncBootloader {
		return d.respond(protocol.StatusInvalidCommand, nil)
	}

	switch command {
	case protocol.CmdEnterBootloader:
		return d.enterBootloader(payload)
	case protocol.CmdExitBootloader:
		d.exited = true
		d.entered = false
		return nil
	case protocol.CmdSyncBootloader:
		d.buffer = nil
		return nil
	case protocol.CmdGetFlashSize:
		return d.getFlashSize(payload)
	case protocol.CmdGetAppStatus:
		return d.getAppStatus(payload)
	case protocol.CmdSetActiveApp:
		return d.setActiveApp(payload)
	case protocol.CmdEraseRow:
		return d.eraseRow(payload)
	case protocol.CmdSendData:
		d.buffer = append(d.buffer, payload...)
		return d.respond(protocol.StatusSuccess, nil)
	case protocol.CmdProgramRow:
		return d.programRow(payload)
	case protocol.CmdVerifyRow:
		return d.verifyRow(payload)
	case protocol.CmdVerifyChecksum:
		return d.verifyChecksum()
	case protocol.CmdGetMetadata:
		return d.getMetadata(payload)
	default:
		return d.respond(protocol.StatusInvalidCommand, nil)
	}
}

// parse validates the framing of a command packet.
func (d *Device) parse(packet []byte) (protocol.Command, []byte, protocol.Status) {
	if len(packet) < protocol.FrameOverhead || packet[0] != protocol.StartOfPacket || packet[len(packet)-1] != protocol.EndOfPacket {
		return 0, nil, protocol.StatusInvalidData
	}

	length := binary.LittleEndian.Uint16(packet[2:4])
	if int(length) != len(packet)-protocol.FrameOverhead {
		return 0, nil, protocol.StatusIncorrectLength
	}

	declared := binary.LittleEndian.Uint16(packet[len(packet)-3 : len(packet)-1])
	if declared != d.checksum(packet[:4+length]) {
		return 0, nil, protocol.StatusInvalidChecksum
	}

	return protocol.Command(packet[1]), packet[4 : 4+length], protocol.StatusSuccess
}

func (d *Device) respond(status protocol.Status, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+protocol.FrameOverhead)
	frame = append(frame, protocol.StartOfPacket, byte(status))
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint16(frame, d.checksum(frame))
	frame = append(frame, protocol.EndOfPacket)

	return frame
}

func (d *Device) enterBootloader(payload []byte) []byte {
	if len(d.config.Key) > 0 {
		if len(payload) != len(d.config.Key) {
			return d.respond(protocol.StatusIncorrectLength, nil)
		}

		for i, b := range d.config.Key {
			if payload[i] != b {
				return d.respond(protocol.StatusKeyError, nil)
			}
		}
	}

	d.entered = true
	d.exited = false

	response := make([]byte, 0, 8)
	response = binary.LittleEndian.AppendUint32(response, d.config.SiliconID)
	response = append(response, d.config.SiliconRev)
	response = binary.LittleEndian.AppendUint16(response, d.config.Version)
	response = append(response, d.config.VersionExt)

	return d.respond(protocol.StatusSuccess, response)
}

func (d *Device) getFlashSize(payload []byte) []byte {
	if len(payload) != 1 {
		return d.respond(protocol.StatusIncorrectLength, nil)
	}

	array, ok := d.array(payload[0])
	if !ok {
		return d.respond(protocol.StatusInvalidArray, nil)
	}

	response := make([]byte, 0, 4)
	response = binary.LittleEndian.AppendUint16(response, array.FirstRow)
	response = binary.LittleEndian.AppendUint16(response, array.LastRow)

	return d.respond(protocol.StatusSuccess, response)
}

func (d *Device) getAppStatus(payload []byte) []byte {
	if len(payload) != 1 {
		return d.respond(protocol.StatusIncorrectLength, nil)
	}

	if int(payload[0]) >= len(d.applications) {
		return d.respond(protocol.StatusInvalidApp, nil)
	}

	app := d.applications[payload[0]]

	return d.respond(protocol.StatusSuccess, []byte{boolByte(app.Valid), boolByte(app.Active)})
}

func (d *Device) setActiveApp(payload []byte) []byte {
	if len(payload) != 1 {
		return d.respond(protocol.StatusIncorrectLength, nil)
	}

	if int(payload[0]) >= len(d.applications) {
		return d.respond(protocol.StatusInvalidApp, nil)
	}

	for id := range d.applications {
		d.applications[id].Active = id == int(payload[0])
	}

	return d.respond(protocol.StatusSuccess, nil)
}

func (d *Device) eraseRow(payload []byte) []byte {
	key, status := d.locateRow(payload)
	if status != protocol.StatusSuccess {
		return d.respond(status, nil)
	}

	delete(d.rows, key)

	return d.respond(protocol.StatusSuccess, nil)
}

func (d *Device) programRow(payload []byte) []byte {
	if len(payload) < 3 {
		return d.respond(protocol.StatusIncorrectLength, nil)
	}

	key, status := d.locateRow(payload[:3])
	if status != protocol.StatusSuccess {
		d.buffer = nil
		return d.respond(status, nil)
	}

	data := append(d.buffer, payload[3:]...)
	d.buffer = nil

	d.rows[key] = append([]byte(nil), data...)

	return d.respond(protocol.StatusSuccess, nil)
}

func (d *Device) verifyRow(payload []byte) []byte {
	key, status := d.locateRow(payload)
	if status != protocol.StatusSuccess {
		return d.respond(status, nil)
	}

	var sum uint8
	for _, b := range d.rows[key] {
		sum += b
	}

	return d.respond(protocol.StatusSuccess, []byte{1 + ^sum})
}

func (d *Device) verifyChecksum() []byte {
	if d.config.FailChecksum {
		return d.respond(protocol.StatusSuccess, []byte{0})
	}

	return d.respond(protocol.StatusSuccess, []byte{1})
}

func (d *Device) getMetadata(payload []byte) []byte {
	if len(payload) != 1 {
		return d.respond(protocol.StatusIncorrectLength, nil)
	}

	if d.config.Metadata == nil {
		return d.respond(protocol.StatusInvalidApp, nil)
	}

	return d.respond(protocol.StatusSuccess, d.config.Metadata)
}

func (d *Device) locateRow(payload []byte) (rowKey, protocol.Status) {
	if len(payload) != 3 {
		return rowKey{}, protocol.StatusIncorrectLength
	}

	arrayID := payload[0]
	row := binary.LittleEndian.Uint16(payload[1:3])

	array, ok := d.array(arrayID)
	if !ok {
		return rowKey{}, protocol.StatusInvalidArray
	}

	if row < array.FirstRow || row > array.LastRow {
		return rowKey{}, protocol.StatusInvalidFlashRow
	}

	return rowKey{arrayID: arrayID, row: row}, protocol.StatusSuccess
}

func (d *Device) array(id uint8) (Array, bool) {
	for _, array := range d.config.Arrays {
		if array.ID == id {
			return array, true
		}
	}

	return Array{}, false
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}

	return 0
}
