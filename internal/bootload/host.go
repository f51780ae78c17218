// Package bootload orchestrates a complete firmware update of a device
// running the Cypress bootloader: entering the bootloader, validating the
// device against the image, programming and verifying every flash row, and
// rebooting into the new application.
package bootload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/davejbax/cyflash/internal/cyacd"
	"github.com/davejbax/cyflash/internal/protocol"
)

// DecisionFunc resolves a compatibility question the host cannot answer by
// itself, such as whether to downgrade. It receives the device's value and
// the image's value and returns whether to proceed.
type DecisionFunc func(device uint16, local uint16) bool

// Config carries the policy knobs for a bootload. The zero value is usable:
// single-application device, no key, default chunk size, and refusal of
// downgrades and application ID changes.
type Config struct {
	// ChunkSize is the maximum row data per transfer command
	ChunkSize int

	// Key is the bootloader security key, if the bootloader was built with
	// one
	Key []byte

	// DualApplication selects the inactive application slot, flashes it and
	// marks it active
	DualApplication bool

	// PSoC5 selects the PSoC5 metadata layout instead of PSoC3/4
	PSoC5 bool

	// AllowDowngrade decides whether to proceed when the device application
	// version is newer than the image's; nil refuses
	AllowDowngrade DecisionFunc

	// AllowNewApplication decides whether to proceed when the image carries
	// a different application ID than the device; nil refuses
	AllowNewApplication DecisionFunc

	// BootloaderConstraint, if set, must match the version reported by the
	// device on entry
	BootloaderConstraint *semver.Constraints

	// Progress receives cadence-throttled progress updates
	Progress        ProgressFunc
	ProgressCadence time.Duration

	Retry RetryConfig
}

// Host drives the bootload sequence for one firmware image over an
// established protocol session.
type Host struct {
	logger  *slog.Logger
	session *protocol.Session
	fw      *cyacd.Firmware
	config  Config

	rowRanges map[uint8]*protocol.FlashSizeResponse
}

func New(logger *slog.Logger, session *protocol.Session, fw *cyacd.Firmware, config *Config) *Host {
	cfg := Config{Retry: defaultRetryConfig()}
	if config != nil {
		cfg = *config
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = protocol.DefaultChunkSize
	}

	if cfg.ProgressCadence <= 0 {
		cfg.ProgressCadence = 100 * time.Millisecond
	}

	retryDefaults := defaultRetryConfig()
	if cfg.Retry.Attempts < 1 {
		cfg.Retry.Attempts = retryDefaults.Attempts
	}

	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = retryDefaults.InitialBackoff
	}

	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = retryDefaults.MaxBackoff
	}

	if cfg.Retry.Multiplier <= 0 {
		cfg.Retry.Multiplier = retryDefaults.Multiplier
	}

	return &Host{
		logger:    logger,
		session:   session,
		fw:        fw,
		config:    cfg,
		rowRanges: make(map[uint8]*protocol.FlashSizeResponse),
	}
}

// Bootload runs the full flashing sequence and leaves the device booting the
// new application.
func (h *Host) Bootload(ctx context.Context) error {
	progress := newReporter(h.config.Progress, h.config.ProgressCadence)
	progress.report(Progress{Phase: PhaseEntering, TotalRows: h.fw.TotalRows()})

	if err := h.enterBootloader(ctx); err != nil {
		return err
	}

	appToFlash := uint8(0)
	if h.config.DualApplication {
		app, err := h.inactiveApplication(ctx)
		if err != nil {
			return err
		}

		appToFlash = app
	}

	progress.report(Progress{Phase: PhaseValidating, TotalRows: h.fw.TotalRows()})

	if err := h.verifyRowRanges(ctx); err != nil {
		return err
	}

	if err := h.checkMetadata(ctx); err != nil {
		return err
	}

	if err := h.writeRows(ctx, progress); err != nil {
		return err
	}

	progress.report(Progress{
		Phase:      PhaseVerifying,
		CurrentRow: h.fw.TotalRows(),
		TotalRows:  h.fw.TotalRows(),
	})

	valid, err := h.session.VerifyChecksum(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify application checksum: %w", err)
	}

	if !valid {
		return &VerificationError{}
	}

	h.logger.Info("device checksum verifies OK")

	progress.report(Progress{
		Phase:      PhaseFinalizing,
		CurrentRow: h.fw.TotalRows(),
		TotalRows:  h.fw.TotalRows(),
	})

	if h.config.DualApplication {
		h.logger.Info("setting application as active", "application", appToFlash)

		if err := h.session.SetApplicationActive(ctx, appToFlash); err != nil {
			return fmt.Errorf("failed to set application %d active: %w", appToFlash, err)
		}
	}

	h.logger.Info("rebooting device")

	if err := h.session.ExitBootloader(ctx); err != nil {
		return fmt.Errorf("failed to exit bootloader: %w", err)
	}

	progress.report(Progress{
		Phase:      PhaseComplete,
		CurrentRow: h.fw.TotalRows(),
		TotalRows:  h.fw.TotalRows(),
	})

	return nil
}

// Verify enters the bootloader and checks the application checksum without
// programming anything, then reboots the device.
func (h *Host) Verify(ctx context.Context) error {
	if err := h.enterBootloader(ctx); err != nil {
		return err
	}

	valid, err := h.session.VerifyChecksum(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify application checksum: %w", err)
	}

	if !valid {
		return &VerificationError{}
	}

	if err := h.session.ExitBootloader(ctx); err != nil {
		return fmt.Errorf("failed to exit bootloader: %w", err)
	}

	return nil
}

func (h *Host) enterBootloader(ctx context.Context) error {
	h.logger.Info("initialising bootloader")

	info, err := h.session.EnterBootloader(ctx, h.config.Key)
	if err != nil {
		return fmt.Errorf("failed to enter bootloader: %w", err)
	}

	version := semver.New(
		uint64(info.Version>>8),
		uint64(info.Version&0xFF),
		uint64(info.VersionExt),
		"", "",
	)

	h.logger.Info("entered bootloader",
		"silicon_id", fmt.Sprintf("0x%08X", info.SiliconID),
		"silicon_rev", info.SiliconRev,
		"bootloader_version", version.String(),
	)

	if info.SiliconID != h.fw.SiliconID {
		return &SiliconMismatchError{What: "id", Device: info.SiliconID, Image: h.fw.SiliconID}
	}

	if info.SiliconRev != h.fw.SiliconRev {
		return &SiliconMismatchError{What: "rev", Device: uint32(info.SiliconRev), Image: uint32(h.fw.SiliconRev)}
	}

	if h.config.BootloaderConstraint != nil && !h.config.BootloaderConstraint.Check(version) {
		return &UnsupportedBootloaderError{
			Version:    version.String(),
			Constraint: h.config.BootloaderConstraint.String(),
		}
	}

	return nil
}

func (h *Host) inactiveApplication(ctx context.Context) (uint8, error) {
	h.logger.Info("getting application status")

	for _, app := range []uint8{0, 1} {
		status, err := h.session.ApplicationStatus(ctx, app)
		if err != nil {
			return 0, fmt.Errorf("failed to get status of application %d: %w", app, err)
		}

		h.logger.Debug("application status",
			"application", app,
			"valid", status.Valid,
			"active", status.Active,
		)

		if status.Active == 0 {
			return app, nil
		}
	}

	return 0, errNoInactiveApplication
}

func (h *Host) verifyRowRanges(ctx context.Context) error {
	for _, arrayID := range h.fw.ArrayIDs() {
		size, err := h.session.GetFlashSize(ctx, arrayID)
		if err != nil {
			return fmt.Errorf("failed to get flash size of array %d: %w", arrayID, err)
		}

		h.logger.Debug("flash array bounds",
			"array", arrayID,
			"first_row", size.FirstRow,
			"last_row", size.LastRow,
		)

		h.rowRanges[arrayID] = size

		for _, row := range h.fw.Arrays[arrayID].Rows {
			if row.Number < size.FirstRow || row.Number > size.LastRow {
				return &RowOutOfRangeError{
					ArrayID: arrayID,
					Row:     row.Number,
					First:   size.FirstRow,
					Last:    size.LastRow,
				}
			}
		}
	}

	return nil
}

func (h *Host) checkMetadata(ctx context.Context) error {
	device, err := h.session.Metadata(ctx, 0, h.config.PSoC5)
	if err != nil {
		var statusErr *protocol.StatusError
		switch {
		case errors.As(err, &statusErr) && statusErr.Status == protocol.StatusInvalidApp:
			h.logger.Warn("no valid application on device")
			return nil
		case errors.As(err, &statusErr) || errors.Is(err, protocol.ErrTimeout):
			h.logger.Warn("cannot read metadata from device", "error", err)
			return nil
		default:
			return fmt.Errorf("failed to read device metadata: %w", err)
		}
	}

	h.logger.Debug("device application metadata",
		"application_id", device.ApplicationID(),
		"application_version", fmt.Sprintf("v%d.%d", device.ApplicationVersion()>>8, device.ApplicationVersion()&0xFF),
	)

	local, err := h.localMetadata()
	if err != nil {
		h.logger.Warn("cannot read metadata from image", "error", err)
		return nil
	}

	if device.ApplicationVersion() > local.ApplicationVersion() {
		h.logger.Warn("device application version is newer than the image's",
			"device_version", fmt.Sprintf("v%d.%d", device.ApplicationVersion()>>8, device.ApplicationVersion()&0xFF),
			"image_version", fmt.Sprintf("v%d.%d", local.ApplicationVersion()>>8, local.ApplicationVersion()&0xFF),
		)

		if h.config.AllowDowngrade == nil || !h.config.AllowDowngrade(device.ApplicationVersion(), local.ApplicationVersion()) {
			return errDowngradeRefused
		}
	}

	if device.ApplicationID() != local.ApplicationID() {
		h.logger.Warn("device application ID differs from the image's",
			"device_id", device.ApplicationID(),
			"image_id", local.ApplicationID(),
		)

		if h.config.AllowNewApplication == nil || !h.config.AllowNewApplication(device.ApplicationID(), local.ApplicationID()) {
			return errNewApplicationRefused
		}
	}

	return nil
}

// localMetadata extracts the application metadata the image will program:
// it lives in the last row of the highest flash array, at a device-family
// specific offset.
func (h *Host) localMetadata() (protocol.DeviceMetadata, error) {
	arrayIDs := h.fw.ArrayIDs()
	lastArray := arrayIDs[len(arrayIDs)-1]

	size, ok := h.rowRanges[lastArray]
	if !ok {
		return nil, errNoMetadataRow
	}

	row, ok := h.fw.Arrays[lastArray].Row(size.LastRow)
	if !ok {
		return nil, errNoMetadataRow
	}

	offset := protocol.MetadataRowOffset
	if h.config.PSoC5 {
		offset = protocol.PSoC5MetadataRowOffset
	}

	if len(row.Data) < offset+protocol.MetadataLength {
		return nil, fmt.Errorf("%w: row %d is too short to hold metadata", errNoMetadataRow, row.Number)
	}

	return protocol.UnpackMetadata(row.Data[offset:offset+protocol.MetadataLength], h.config.PSoC5)
}

func (h *Host) writeRows(ctx context.Context, progress *reporter) error {
	total := h.fw.TotalRows()

	h.logger.Info("starting flash operation", "rows", total)

	done := 0
	bytesWritten := 0

	for _, arrayID := range h.fw.ArrayIDs() {
		for _, row := range h.fw.Arrays[arrayID].Rows {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := h.programRow(ctx, row); err != nil {
				return err
			}

			done++
			bytesWritten += len(row.Data)

			progress.report(Progress{
				Phase:        PhaseProgramming,
				CurrentRow:   done,
				TotalRows:    total,
				BytesWritten: bytesWritten,
			})
		}
	}

	return nil
}

// programRow programs and verifies one row, retrying recoverable transport
// failures after resynchronizing the bootloader.
func (h *Host) programRow(ctx context.Context, row *cyacd.Row) error {
	var lastErr error

	for attempt := 1; attempt <= h.config.Retry.Attempts; attempt++ {
		if attempt > 1 {
			h.logger.Warn("retrying row",
				"array", row.ArrayID,
				"row", row.Number,
				"attempt", attempt,
				"error", lastErr,
			)

			// Discard whatever half-received command the bootloader may be
			// sitting on before sending the row again
			if err := h.session.Sync(ctx); err != nil {
				return fmt.Errorf("failed to resynchronize bootloader: %w", err)
			}

			if err := h.config.Retry.wait(ctx, attempt-1); err != nil {
				return err
			}
		}

		lastErr = h.programRowOnce(ctx, row)
		if lastErr == nil {
			return nil
		}

		if !retryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("array %d row %d failed after %d attempts: %w", row.ArrayID, row.Number, h.config.Retry.Attempts, lastErr)
}

func (h *Host) programRowOnce(ctx context.Context, row *cyacd.Row) error {
	if err := h.session.ProgramRow(ctx, row.ArrayID, row.Number, row.Data, h.config.ChunkSize); err != nil {
		return fmt.Errorf("failed to program array %d row %d: %w", row.ArrayID, row.Number, err)
	}

	checksum, err := h.session.VerifyRow(ctx, row.ArrayID, row.Number)
	if err != nil {
		return fmt.Errorf("failed to verify array %d row %d: %w", row.ArrayID, row.Number, err)
	}

	if expected := row.DataChecksum(); checksum != expected {
		return &ChecksumMismatchError{
			ArrayID:  row.ArrayID,
			Row:      row.Number,
			Expected: expected,
			Actual:   checksum,
		}
	}

	return nil
}
