package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/daschewie/armdbg/pkg/util"
)

var (
	dumpCount  int
	writeSize  int
	readSize   int
)

var dumpCmd = &cobra.Command{
	Use:   "dump <address>",
	Short: "Read and display memory from the specified address",
	Long: `Read a block of memory from the target and display it in hex dump
format. The address may be unaligned; the transfer is decomposed into
byte, halfword, and word accesses as needed.

Example:
  armdbg dump 0x20000000 --count 256`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dumpMemory(args[0])
	},
}

var readCmd = &cobra.Command{
	Use:   "read <address>",
	Short: "Read one memory location",
	Long: `Read a single 8-, 16-, or 32-bit value.

Example:
  armdbg read 0xe000ed00 --size 32`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return readMemory(args[0])
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <address> <value>",
	Short: "Write one memory location",
	Long: `Write a single 8-, 16-, or 32-bit value.

Example:
  armdbg write 0x20000000 0xdeadbeef --size 32`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeMemory(args[0], args[1])
	},
}

func init() {
	dumpCmd.Flags().IntVar(&dumpCount, "count", 64, "Number of bytes to read")
	readCmd.Flags().IntVar(&readSize, "size", 32, "Transfer size in bits (8, 16, or 32)")
	writeCmd.Flags().IntVar(&writeSize, "size", 32, "Transfer size in bits (8, 16, or 32)")

	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
}

func dumpMemory(addrStr string) error {
	addr, err := util.ParseAddress(addrStr)
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
	data, err := core.ReadBlock8(addr, dumpCount)
	if err != nil {
		return fmt.Errorf("failed to read memory: %w", err)
	}

	util.DumpWords(os.Stdout, data, addr)
	return nil
}

func readMemory(addrStr string) error {
	addr, err := util.ParseAddress(addrStr)
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
	value, err := core.ReadMemory(addr, uint32(readSize))
	if err != nil {
		return fmt.Errorf("failed to read memory: %w", err)
	}

	printInfo("0x%08x: 0x%0*x\n", addr, readSize/4, value)
	return nil
}

func writeMemory(addrStr, valueStr string) error {
	addr, err := util.ParseAddress(addrStr)
	if err != nil {
		return err
	}
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
	if err := core.WriteMemory(addr, value, uint32(writeSize)); err != nil {
		return fmt.Errorf("failed to write memory: %w", err)
	}

	printInfo("0x%08x <- 0x%0*x\n", addr, writeSize/4, value)
	return nil
}
