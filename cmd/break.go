package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/daschewie/armdbg/pkg/breakpoints"
	"github.com/daschewie/armdbg/pkg/cortexm"
	"github.com/daschewie/armdbg/pkg/util"
)

var (
	breakType    string
	breakTimeout int
	watchSize    int
	watchKind    string
)

var breakCmd = &cobra.Command{
	Use:   "break <address>",
	Short: "Run to a breakpoint",
	Long: `Set a breakpoint at the address, resume the core, and wait for the
halt. The breakpoint type is chosen automatically per the address's
memory region unless --type forces one. The breakpoint is removed before
the command returns.

Example:
  armdbg break 0x08000100 --type hw`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToBreakpoint(args[0])
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <address>",
	Short: "Run to a watchpoint",
	Long: `Set a watchpoint covering the address, resume the core, and wait for
the halt. The watchpoint is removed before the command returns.

Example:
  armdbg watch 0x20000400 --size 4 --kind w`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToWatchpoint(args[0])
	},
}

func init() {
	breakCmd.Flags().StringVar(&breakType, "type", "auto", "Breakpoint type (auto, hw, sw, flash)")
	breakCmd.Flags().IntVar(&breakTimeout, "timeout", 30, "Seconds to wait for the halt")
	watchCmd.Flags().IntVar(&watchSize, "size", 4, "Watched range size in bytes (power of two)")
	watchCmd.Flags().StringVar(&watchKind, "kind", "rw", "Access kind (r, w, rw)")
	watchCmd.Flags().IntVar(&breakTimeout, "timeout", 30, "Seconds to wait for the halt")

	rootCmd.AddCommand(breakCmd)
	rootCmd.AddCommand(watchCmd)
}

func parseBreakType(s string) (breakpoints.Type, error) {
	switch s {
	case "", "auto":
		return breakpoints.TypeAuto, nil
	case "hw":
		return breakpoints.TypeHW, nil
	case "sw":
		return breakpoints.TypeSW, nil
	case "flash":
		return breakpoints.TypeFlash, nil
	default:
		return 0, fmt.Errorf("unknown breakpoint type %q", s)
	}
}

// waitForHalt polls the core state until it leaves the running states.
func waitForHalt(core *cortexm.CortexM, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		state, err := core.GetState()
		if err != nil {
			return err
		}
		if state == cortexm.StateHalted || state == cortexm.StateLockup {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("target did not halt within %s", timeout)
}

func runToBreakpoint(addrStr string) error {
	addr, err := util.ParseAddress(addrStr)
	if err != nil {
		return err
	}
	typ, err := parseBreakType(breakType)
	if err != nil {
		return err
	}

	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	core, err := sess.Board().Core(0)
	if err != nil {
		return err
	}

	if err := core.SetBreakpoint(addr, typ); err != nil {
		return fmt.Errorf("failed to set breakpoint: %w", err)
	}
	defer func() {
		core.RemoveBreakpoint(addr)
		_ = core.FlushBreakpoints()
	}()

	// Resume commits the breakpoint before the core runs.
	if err := core.Resume(); err != nil {
		return fmt.Errorf("failed to resume: %w", err)
	}

	if err := waitForHalt(core, time.Duration(breakTimeout)*time.Second); err != nil {
		return err
	}

	reason, err := core.GetHaltReason()
	if err != nil {
		return err
	}
	pc, err := core.ReadCoreRegisterRaw(15)
	if err != nil {
		return err
	}
	printInfo("Halted (%s) at pc=0x%08x\n", reason, pc)
	return nil
}

func parseWatchKind(s string) (cortexm.WatchType, error) {
	switch s {
	case "r":
		return cortexm.WatchRead, nil
	case "w":
		return cortexm.WatchWrite, nil
	case "rw":
		return cortexm.WatchReadWrite, nil
	default:
		return 0, fmt.Errorf("unknown watchpoint kind %q", s)
	}
}

func runToWatchpoint(addrStr string) error {
	addr, err := util.ParseAddress(addrStr)
	if err != nil {
		return err
	}
	kind, err := parseWatchKind(watchKind)
	if err != nil {
		return err
	}

	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	core, err := sess.Board().Core(0)
	if err != nil {
		return err
	}

	if err := core.SetWatchpoint(addr, uint32(watchSize), kind); err != nil {
		return fmt.Errorf("failed to set watchpoint: %w", err)
	}
	defer core.RemoveWatchpoint(addr, uint32(watchSize), kind)

	if err := core.Resume(); err != nil {
		return fmt.Errorf("failed to resume: %w", err)
	}

	if err := waitForHalt(core, time.Duration(breakTimeout)*time.Second); err != nil {
		return err
	}

	reason, err := core.GetHaltReason()
	if err != nil {
		return err
	}
	printInfo("Halted (%s)\n", reason)
	return nil
}
