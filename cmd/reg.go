package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daschewie/armdbg/pkg/util"
)

var regCmd = &cobra.Command{
	Use:   "reg [name] [value]",
	Short: "Read or write core registers",
	Long: `With no arguments, dump the general registers of a halted core. With a
name, read that register. With a name and a value, write it.

Register names follow the ARM convention: r0-r12, sp, lr, pc, xpsr, msp,
psp, primask, control, and on v7-M basepri and faultmask. Cores with an
FPU add s0-s31, d0-d15, and fpscr.

Example:
  armdbg reg
  armdbg reg pc
  armdbg reg r0 0x1234`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch len(args) {
		case 0:
			return dumpRegisters()
		case 1:
			return readRegister(args[0])
		default:
			return writeRegister(args[0], args[1])
		}
	},
}

func init() {
	rootCmd.AddCommand(regCmd)
}

func dumpRegisters() error {
	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	core, err := sess.Board().Core(0)
	if err != nil {
		return err
	}

	names := []string{"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
		"r8", "r9", "r10", "r11", "r12", "sp", "lr", "pc", "xpsr"}
	for _, name := range names {
		value, err := core.ReadCoreRegister(name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		printInfo("%-9s 0x%08x\n", name, value)
	}
	return nil
}

func readRegister(name string) error {
	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	core, err := sess.Board().Core(0)
	if err != nil {
		return err
	}
	value, err := core.ReadCoreRegister(name)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}

	switch v := value.(type) {
	case float32, float64:
		printInfo("%-9s %v\n", name, v)
	default:
		printInfo("%-9s 0x%08x\n", name, v)
	}
	return nil
}

func writeRegister(name, valueStr string) error {
	value, err := util.ParseValue(valueStr)
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
	if err := core.WriteCoreRegister(name, value); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	printInfo("%s <- 0x%08x\n", name, value)
	return nil
}
