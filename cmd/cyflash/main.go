package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	config *config
	logger *slog.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	configPath := ""
	verbose := false

	cmd := &cobra.Command{
		Use:           "cyflash",
		Short:         "Flash firmware images to devices running the Cypress bootloader",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}

			opts.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			}))

			config, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			opts.config = config

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to an optional config file")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(
		newFlashCommand(opts),
		newVerifyCommand(opts),
		newEmulateCommand(opts),
		newInfoCommand(),
	)

	return cmd
}
