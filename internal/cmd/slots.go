package cmd

import (
	"fmt"
	"time"

	"github.com/dsnet/golib/unitconv"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/plcforge/edgevault/pkg/flash"
	"github.com/plcforge/edgevault/pkg/slot"
)

func newSlotsCmd() *cobra.Command {
	var imagePath string
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Inspect both agent banks of a flash image",
		Long: `Slots reads a flash image file directly and prints each bank's trailer
plus which bank the boot scan would select. Run it against a copy of the
image, not one an active daemon is writing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSlotsCmd(imagePath)
		},
	}
	cmd.Flags().StringVarP(&imagePath, "image-path", "p", "", "Path to the flash image file.")
	cmd.MarkFlagRequired("image-path")
	return cmd
}

func runSlotsCmd(imagePath string) error {
	dev, err := flash.Open(afero.NewOsFs(), imagePath)
	if err != nil {
		return err
	}
	defer flash.Close(dev)

	active := slot.Scan(dev)

	t := table.NewWriter()
	t.AppendHeader(table.Row{"Bank", "State", "Version", "Sequence", "Payload", "CRC32", "Written", "Active"})
	for _, bank := range []flash.Bank{flash.BankA, flash.BankB} {
		row := bankRow(dev, bank)
		if active.OK && active.Bank == bank {
			row = append(row, "yes")
		} else {
			row = append(row, "")
		}
		t.AppendRow(row)
	}
	fmt.Println(t.Render())
	if !active.OK {
		fmt.Println("No valid bank: a device booting this image holds actuation at the safe default.")
	}
	return nil
}

func bankRow(dev flash.Device, bank flash.Bank) table.Row {
	buf := make([]byte, slot.MetadataLen)
	if err := dev.ReadRegion(bank, flash.RegionSize-slot.MetadataLen, buf); err != nil {
		return table.Row{bank.String(), "unreadable: " + err.Error(), "", "", "", "", ""}
	}
	if !slot.IsSerializedMetadata(buf) {
		return table.Row{bank.String(), "empty", "", "", "", "", ""}
	}
	var meta slot.Metadata
	if err := meta.Deserialize(buf); err != nil {
		return table.Row{bank.String(), "corrupt trailer", "", "", "", "", ""}
	}
	return table.Row{
		bank.String(),
		"written",
		meta.Version.String(),
		meta.Sequence,
		fmt.Sprintf("%sB", unitconv.FormatPrefix(float64(meta.PayloadSize), unitconv.IEC, 1)),
		fmt.Sprintf("%08x", meta.CRC32),
		time.Unix(meta.Timestamp, 0).UTC().Format(time.RFC3339),
	}
}
