package cmd

import (
	"github.com/spf13/cobra"

	"github.com/daschewie/armdbg/pkg/probe"
)

var listSerial bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected debug probes",
	Long: `Enumerate the CMSIS-DAP and ST-Link debug adapters connected to this
host. The unique ID shown is the value to pass with --probe when more
than one adapter is connected.

Example:
  armdbg list
  armdbg list --serial`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listProbes()
	},
}

func init() {
	listCmd.Flags().BoolVar(&listSerial, "serial", false, "Also list serial ports (virtual COM ports)")
	rootCmd.AddCommand(listCmd)
}

func listProbes() error {
	probes, err := probe.ListProbes()
	if err != nil && len(probes) == 0 {
		return err
	}

	if len(probes) == 0 {
		printInfo("No debug probes connected.\n")
	}
	for i, p := range probes {
		printInfo("#%d: %s %s [%s]\n", i, p.VendorName(), p.ProductName(), p.UniqueID())
	}

	if listSerial {
		ports, err := probe.ListVCPPorts()
		if err != nil {
			return err
		}
		printInfo("\nSerial ports:\n")
		for _, port := range ports {
			printInfo("  %s\n", port)
		}
	}
	return nil
}
