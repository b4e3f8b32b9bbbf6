package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daschewie/armdbg/pkg/cortexm"
)

var (
	stepCount      int
	stepNoDisable  bool
	resetHalt      bool
	resetTypeFlag  string
)

// haltCmd represents the CPU halt command
var haltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Halt the core",
	Long: `Halt the core and report the halt reason.

Example:
  armdbg halt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return haltCore()
	},
}

// resumeCmd represents the CPU resume command
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume execution of a halted core",
	Long: `Resume execution. Pending breakpoint changes are committed to the
target before the core runs.

Example:
  armdbg resume`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return resumeCore()
	},
}

// stepCmd represents the single-step command
var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Single-step a halted core",
	Long: `Execute one instruction (or --count instructions) on a halted core.
Interrupts are masked during the step unless --no-disable-interrupts is
given.

Example:
  armdbg step --count 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return stepCore()
	},
}

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the target",
	Long: `Reset the target. The mechanism is selected with --type: hw drives the
adapter's reset line, sysresetreq and vectreset write AIRCR, emulated
rewrites core state, and sw picks the core default. With --halt the core
stops at the reset vector.

Example:
  armdbg reset --type sysresetreq --halt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return resetCore()
	},
}

func init() {
	stepCmd.Flags().IntVar(&stepCount, "count", 1, "Number of instructions to step")
	stepCmd.Flags().BoolVar(&stepNoDisable, "no-disable-interrupts", false, "Leave interrupts enabled while stepping")
	resetCmd.Flags().BoolVar(&resetHalt, "halt", false, "Halt the core at the reset vector")
	resetCmd.Flags().StringVar(&resetTypeFlag, "type", "", "Reset type (hw, sw, sysresetreq, vectreset, emulated)")

	rootCmd.AddCommand(haltCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stepCmd)
	rootCmd.AddCommand(resetCmd)
}

func haltCore() error {
	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	core, err := sess.Board().Core(0)
	if err != nil {
		return err
	}
	if err := core.Halt(); err != nil {
		return fmt.Errorf("failed to halt: %w", err)
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

func resumeCore() error {
	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	core, err := sess.Board().Core(0)
	if err != nil {
		return err
	}
	if err := core.Resume(); err != nil {
		return fmt.Errorf("failed to resume: %w", err)
	}
	printInfo("Running.\n")
	return nil
}

func stepCore() error {
	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	core, err := sess.Board().Core(0)
	if err != nil {
		return err
	}
	for i := 0; i < stepCount; i++ {
		if err := core.Step(!stepNoDisable, 0, 0); err != nil {
			return fmt.Errorf("failed to step: %w", err)
		}
	}

	pc, err := core.ReadCoreRegisterRaw(15)
	if err != nil {
		return err
	}
	printInfo("Stepped %d instruction(s), pc=0x%08x\n", stepCount, pc)
	return nil
}

func parseResetType(s string) (cortexm.ResetType, error) {
	switch s {
	case "", "sw", "default":
		return cortexm.ResetSW, nil
	case "hw":
		return cortexm.ResetHW, nil
	case "sysresetreq":
		return cortexm.ResetSWSysResetReq, nil
	case "vectreset":
		return cortexm.ResetSWVectReset, nil
	case "emulated":
		return cortexm.ResetSWEmulated, nil
	default:
		return 0, fmt.Errorf("unknown reset type %q", s)
	}
}

func resetCore() error {
	resetType, err := parseResetType(resetTypeFlag)
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

	if resetHalt {
		if err := core.ResetAndHalt(resetType); err != nil {
			return fmt.Errorf("failed to reset and halt: %w", err)
		}
		pc, err := core.ReadCoreRegisterRaw(15)
		if err != nil {
			return err
		}
		printInfo("Reset; halted at pc=0x%08x\n", pc)
		return nil
	}

	if err := core.Reset(resetType); err != nil {
		return fmt.Errorf("failed to reset: %w", err)
	}
	printInfo("Reset complete.\n")
	return nil
}
