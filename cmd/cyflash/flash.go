package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/davejbax/cyflash/internal/bootload"
	"github.com/davejbax/cyflash/internal/cyacd"
	"github.com/davejbax/cyflash/internal/protocol"
	"github.com/spf13/cobra"
)

func newFlashCommand(opts *rootOptions) *cobra.Command {
	connection := &connectionFlags{}

	var (
		chunkSize   int
		keyHex      string
		dualApp     bool
		psoc5       bool
		downgrade   bool
		noDowngrade bool
		newApp      bool
		noNewApp    bool
		retries     int
		constraint  string
	)

	cmd := &cobra.Command{
		Use:   "flash <image.cyacd>",
		Short: "Program a .cyacd firmware image onto a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fw, err := cyacd.ReadFile(args[0])
			if err != nil {
				return err
			}

			opts.logger.Info("read firmware image", "image", fw.String())

			key, err := parseKey(keyHex)
			if err != nil {
				return err
			}

			config := &bootload.Config{
				ChunkSize:           chunkSize,
				Key:                 key,
				DualApplication:     dualApp,
				PSoC5:               psoc5,
				AllowDowngrade:      downgradeDecision(downgrade, noDowngrade),
				AllowNewApplication: newApplicationDecision(newApp, noNewApp),
				Progress:            renderProgress(os.Stdout),
				Retry:               bootload.RetryConfig{Attempts: retries},
			}

			if !cmd.Flags().Changed("chunk-size") {
				config.ChunkSize = opts.config.ChunkSize
			}

			if constraint != "" {
				c, err := semver.NewConstraint(constraint)
				if err != nil {
					return fmt.Errorf("invalid bootloader version constraint '%s': %w", constraint, err)
				}

				config.BootloaderConstraint = c
			}

			device, err := connection.open(cmd, opts)
			if err != nil {
				return err
			}
			defer device.Close()

			session, err := protocol.NewSession(opts.logger, device, fw.ChecksumType)
			if err != nil {
				return err
			}

			host := bootload.New(opts.logger, session, fw, config)

			started := time.Now()
			if err := host.Bootload(cmd.Context()); err != nil {
				return err
			}

			fmt.Printf("Device flashed in %s.\n", time.Since(started).Round(time.Millisecond))

			return nil
		},
	}

	connection.register(cmd)

	flags := cmd.Flags()
	flags.IntVar(&chunkSize, "chunk-size", protocol.DefaultChunkSize, "Maximum row data bytes per transfer command")
	flags.StringVar(&keyHex, "key", "", "Bootloader security key as 12 hex digits")
	flags.BoolVar(&dualApp, "dual-app", false, "Flash the inactive application slot of a dual-application bootloader")
	flags.BoolVar(&psoc5, "psoc5", false, "Use the PSoC5 application metadata layout")
	flags.BoolVar(&downgrade, "downgrade", false, "Downgrade the device application without asking")
	flags.BoolVar(&noDowngrade, "no-downgrade", false, "Refuse to downgrade the device application")
	flags.BoolVar(&newApp, "newapp", false, "Flash an image with a different application ID without asking")
	flags.BoolVar(&noNewApp, "no-newapp", false, "Refuse to flash an image with a different application ID")
	flags.IntVar(&retries, "retries", 1, "Attempts per flash row before giving up")
	flags.StringVar(&constraint, "require-bootloader", "", "Semver constraint the device bootloader version must satisfy (e.g. '>= 1.2')")

	cmd.MarkFlagsMutuallyExclusive("downgrade", "no-downgrade")
	cmd.MarkFlagsMutuallyExclusive("newapp", "no-newapp")

	return cmd
}

func parseKey(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}

	key, err := hex.DecodeString(strings.TrimPrefix(value, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid bootloader key '%s': %w", value, err)
	}

	return key, nil
}

func downgradeDecision(allow bool, refuse bool) bootload.DecisionFunc {
	switch {
	case allow:
		return func(uint16, uint16) bool { return true }
	case refuse:
		return nil
	default:
		return func(device uint16, local uint16) bool {
			return promptYesNo(fmt.Sprintf(
				"Device application version is v%d.%d, but the image carries v%d.%d. Flash anyway?",
				device>>8, device&0xFF, local>>8, local&0xFF,
			))
		}
	}
}

func newApplicationDecision(allow bool, refuse bool) bootload.DecisionFunc {
	switch {
	case allow:
		return func(uint16, uint16) bool { return true }
	case refuse:
		return nil
	default:
		return func(device uint16, local uint16) bool {
			return promptYesNo(fmt.Sprintf(
				"Device application ID is %d, but the image carries ID %d. Flash anyway?",
				device, local,
			))
		}
	}
}

func promptYesNo(question string) bool {
	fmt.Printf("%s [y/N] ", question)

	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}

	answer = strings.ToLower(strings.TrimSpace(answer))

	return answer == "y" || answer == "yes"
}

func renderProgress(out io.Writer) bootload.ProgressFunc {
	programming := false

	return func(progress bootload.Progress) {
		if programming && progress.Phase != bootload.PhaseProgramming {
			fmt.Fprintln(out)
			programming = false
		}

		switch progress.Phase {
		case bootload.PhaseEntering:
			fmt.Fprintln(out, "Entering bootloader...")
		case bootload.PhaseValidating:
			fmt.Fprintln(out, "Validating device against image...")
		case bootload.PhaseProgramming:
			programming = true

			percent := 0
			if progress.TotalRows > 0 {
				percent = progress.CurrentRow * 100 / progress.TotalRows
			}

			fmt.Fprintf(out, "\rProgramming row %d/%d (%3d%%)", progress.CurrentRow, progress.TotalRows, percent)
		case bootload.PhaseVerifying:
			fmt.Fprintln(out, "Verifying application checksum...")
		case bootload.PhaseFinalizing:
			fmt.Fprintln(out, "Rebooting device...")
		}
	}
}
