package main

import (
	"fmt"
	"os"

	"github.com/davejbax/cyflash/internal/bootload"
	"github.com/davejbax/cyflash/internal/cyacd"
	"github.com/davejbax/cyflash/internal/emu"
	"github.com/davejbax/cyflash/internal/protocol"
	"github.com/spf13/cobra"
)

func newEmulateCommand(opts *rootOptions) *cobra.Command {
	var (
		chunkSize int
		dualApp   bool
		psoc5     bool
	)

	cmd := &cobra.Command{
		Use:   "emulate <image.cyacd>",
		Short: "Dry-run a .cyacd image against an in-memory bootloader",
		Long: "Emulate flashes the image onto an emulated device whose silicon and\n" +
			"flash layout match the image, exercising the full protocol exchange\n" +
			"without any hardware attached.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fw, err := cyacd.ReadFile(args[0])
			if err != nil {
				return err
			}

			deviceConfig := emu.Config{
				SiliconID:    fw.SiliconID,
				SiliconRev:   fw.SiliconRev,
				Version:      0x0100,
				ChecksumType: fw.ChecksumType,
			}

			for _, id := range fw.ArrayIDs() {
				rows := fw.Arrays[id].Rows

				first, last := rows[0].Number, rows[0].Number
				for _, row := range rows {
					if row.Number < first {
						first = row.Number
					}

					if row.Number > last {
						last = row.Number
					}
				}

				deviceConfig.Arrays = append(deviceConfig.Arrays, emu.Array{
					ID:       id,
					FirstRow: first,
					LastRow:  last,
				})
			}

			if dualApp {
				deviceConfig.Applications = []emu.Application{
					{Valid: true, Active: true},
					{},
				}
			}

			device, err := emu.New(opts.logger, deviceConfig)
			if err != nil {
				return err
			}

			transport, stop := device.Start(cmd.Context())

			session, err := protocol.NewSession(opts.logger, transport, fw.ChecksumType)
			if err != nil {
				_ = stop()
				return err
			}

			host := bootload.New(opts.logger, session, fw, &bootload.Config{
				ChunkSize:       chunkSize,
				DualApplication: dualApp,
				PSoC5:           psoc5,
				Progress:        renderProgress(os.Stdout),
			})

			if err := host.Bootload(cmd.Context()); err != nil {
				_ = stop()
				return err
			}

			if err := stop(); err != nil {
				return err
			}

			fmt.Printf("Image flashes cleanly: %d rows programmed.\n", device.ProgrammedRows())

			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&chunkSize, "chunk-size", protocol.DefaultChunkSize, "Maximum row data bytes per transfer command")
	flags.BoolVar(&dualApp, "dual-app", false, "Emulate a dual-application bootloader")
	flags.BoolVar(&psoc5, "psoc5", false, "Use the PSoC5 application metadata layout")

	return cmd
}
