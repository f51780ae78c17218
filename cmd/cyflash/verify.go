package main

import (
	"fmt"

	"github.com/davejbax/cyflash/internal/bootload"
	"github.com/davejbax/cyflash/internal/cyacd"
	"github.com/davejbax/cyflash/internal/protocol"
	"github.com/spf13/cobra"
)

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	connection := &connectionFlags{}
	keyHex := ""

	cmd := &cobra.Command{
		Use:   "verify <image.cyacd>",
		Short: "Check the application checksum of a flashed device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fw, err := cyacd.ReadFile(args[0])
			if err != nil {
				return err
			}

			key, err := parseKey(keyHex)
			if err != nil {
				return err
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

			host := bootload.New(opts.logger, session, fw, &bootload.Config{Key: key})

			if err := host.Verify(cmd.Context()); err != nil {
				return err
			}

			fmt.Println("Application checksum verifies OK.")

			return nil
		},
	}

	connection.register(cmd)
	cmd.Flags().StringVar(&keyHex, "key", "", "Bootloader security key as 12 hex digits")

	return cmd
}
