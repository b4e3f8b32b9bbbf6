// ArmDbg - Command-line debug transport for ARM Cortex-M microcontrollers
//
// This tool speaks ADIv5 through a USB debug adapter (CMSIS-DAP or ST-Link),
// discovers CoreSight components, and controls Cortex-M cores: halting,
// stepping, resetting, and reading or writing memory and core registers.
package main

import (
	"fmt"
	"os"

	"github.com/daschewie/armdbg/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
