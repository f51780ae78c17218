package main

import (
	"time"

	"github.com/davejbax/cyflash/internal/transport"
	"github.com/spf13/cobra"
)

// connectionFlags are shared by every command that talks to a device. Values
// from the config file apply unless the corresponding flag was set on the
// command line.
type connectionFlags struct {
	serialPort string
	baudRate   int
	parity     string
	stopBits   string
	dtr        bool
	rts        bool

	canInterface string
	canFrameID   uint32
	canEcho      bool
	canSendWait  time.Duration

	timeout time.Duration
}

func (f *connectionFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()

	flags.StringVar(&f.serialPort, "serial", "", "Serial port the device is attached to (e.g. /dev/ttyACM0)")
	flags.IntVar(&f.baudRate, "baud", 115200, "Serial baud rate")
	flags.StringVar(&f.parity, "parity", "none", "Serial parity (none, even, odd, mark, space)")
	flags.StringVar(&f.stopBits, "stop-bits", "1", "Serial stop bits (1, 1.5, 2)")
	flags.BoolVar(&f.dtr, "dtr", false, "Assert DTR when opening the serial port")
	flags.BoolVar(&f.rts, "rts", false, "Assert RTS when opening the serial port")

	flags.StringVar(&f.canInterface, "canbus", "", "SocketCAN interface the device is attached to (e.g. can0)")
	flags.Uint32Var(&f.canFrameID, "canbus-id", 0, "CAN arbitration ID used for bootloader frames")
	flags.BoolVar(&f.canEcho, "canbus-echo", false, "Wait for each sent CAN frame to be echoed back")
	flags.DurationVar(&f.canSendWait, "canbus-wait", 5*time.Millisecond, "Delay between CAN frames when not waiting for echoes")

	flags.DurationVar(&f.timeout, "timeout", 5*time.Second, "Time to wait for each bootloader response")

	cmd.MarkFlagsOneRequired("serial", "canbus")
	cmd.MarkFlagsMutuallyExclusive("serial", "canbus")
}

func (f *connectionFlags) open(cmd *cobra.Command, opts *rootOptions) (transport.Transport, error) {
	flags := cmd.Flags()

	timeout := opts.config.Timeout
	if flags.Changed("timeout") {
		timeout = f.timeout
	}

	if f.serialPort != "" {
		config := opts.config.Serial
		config.Port = f.serialPort

		if flags.Changed("baud") {
			config.BaudRate = f.baudRate
		}

		if flags.Changed("parity") {
			config.Parity = f.parity
		}

		if flags.Changed("stop-bits") {
			config.StopBits = f.stopBits
		}

		if flags.Changed("dtr") {
			config.DTR = f.dtr
		}

		if flags.Changed("rts") {
			config.RTS = f.rts
		}

		return transport.OpenSerial(opts.logger, &config, timeout)
	}

	config := opts.config.CAN
	config.Interface = f.canInterface

	if flags.Changed("canbus-id") {
		config.FrameID = f.canFrameID
	}

	if flags.Changed("canbus-echo") {
		config.Echo = f.canEcho
	}

	if flags.Changed("canbus-wait") {
		config.SendWait = f.canSendWait
	}

	return transport.DialCAN(cmd.Context(), opts.logger, &config, timeout)
}
