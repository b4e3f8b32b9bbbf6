package cmd

import (
	"github.com/spf13/cobra"

	"github.com/daschewie/armdbg/pkg/coresight"
	"github.com/daschewie/armdbg/pkg/probe/stlink"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Connect and report target identification",
	Long: `Connect to the target and report the debug port identification, the
discovered access ports, the CoreSight ROM table contents, and the core
type.

Example:
  armdbg info`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return showInfo()
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func showInfo() error {
	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	p := sess.Probe()
	printInfo("Probe:  %s %s [%s]\n", p.VendorName(), p.ProductName(), p.UniqueID())
	printInfo("Wire:   %s\n", p.WireProtocol())

	if st, ok := p.(*stlink.Probe); ok {
		if v, err := st.TargetVoltage(); err == nil {
			printInfo("VTarget: %.2f V\n", v)
		}
	}

	board := sess.Board()
	dp := board.DP()
	printInfo("DPIDR:  0x%08x (version %d, mindp=%v)\n", dp.DPIDR(), dp.Version(), dp.IsMinDP())

	for apsel, ap := range board.APs() {
		printInfo("AP#%d:   IDR=0x%08x page=%d", apsel, ap.IDR(), ap.PageSize())
		if ap.HasRomTable() {
			printInfo(" rom=0x%08x", ap.RomTableAddr())
		}
		printInfo("\n")
	}

	for _, core := range board.Cores() {
		printInfo("Core %d: %s (CPUID 0x%08x", core.CoreNumber(), core.Name(), core.CPUID())
		if core.HasFPU() {
			printInfo(", FPU")
		}
		printInfo(")\n")
		printInfo("        %d hw breakpoints, %d watchpoints\n",
			core.FPB().CodeComparators(), core.DWT().ComparatorCount())
	}

	for _, cmp := range board.Components() {
		printComponent(cmp)
	}
	return nil
}

func printComponent(cmp *coresight.ComponentID) {
	printInfo("  @%08x: %s (cidr=%08x pidr=%010x class=%d)\n",
		cmp.Address, cmp.Type, cmp.CIDR, cmp.PIDR, cmp.Class)
}
