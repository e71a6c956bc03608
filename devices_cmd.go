package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Tutortoise/smart-vision/capture"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List local V4L2 cameras",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := capture.ListDevices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(os.Stderr, "no cameras found")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tFORMATS\tSIZES")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.Path, strings.Join(d.Formats, ", "), strings.Join(d.Sizes, ", "))
			}
			return w.Flush()
		},
	}
}
