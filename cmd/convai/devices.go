package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wei/elevenlabs-packages-sub002/internal/device"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the WAV devices under device_dir",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := loadConfig()
		if err != nil {
			return err
		}
		defer closer.Close()

		provider := &device.WAVProvider{
			Dir:           cfg.DeviceDir,
			DefaultInput:  cfg.InputDevice,
			DefaultOutput: cfg.OutputDevice,
		}
		infos, err := provider.Devices(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tID\tRATE\tDEFAULT")
		for _, d := range infos {
			fmt.Fprintf(w, "%s\t%s\t%d\t%v\n", d.Kind, d.ID, d.SampleRate, d.Default)
		}
		return w.Flush()
	},
}
