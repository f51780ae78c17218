package main

import (
	"fmt"

	"github.com/davejbax/cyflash/internal/cyacd"
	"github.com/spf13/cobra"
)

func newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <image.cyacd>",
		Short: "Describe a .cyacd firmware image",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			fw, err := cyacd.ReadFile(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Silicon ID:    0x%08X\n", fw.SiliconID)
			fmt.Printf("Silicon rev:   0x%02X\n", fw.SiliconRev)
			fmt.Printf("Checksum type: %s\n", fw.ChecksumType)
			fmt.Printf("Total rows:    %d\n", fw.TotalRows())

			for _, id := range fw.ArrayIDs() {
				array := fw.Arrays[id]

				first, last := array.Rows[0].Number, array.Rows[0].Number
				bytes := 0
				for _, row := range array.Rows {
					if row.Number < first {
						first = row.Number
					}

					if row.Number > last {
						last = row.Number
					}

					bytes += len(row.Data)
				}

				fmt.Printf("Array %d:       %d rows (%d to %d), %d bytes\n", id, len(array.Rows), first, last, bytes)
			}

			return nil
		},
	}
}
