package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/daschewie/armdbg/pkg/probe"
)

var monitorBaud int

var monitorCmd = &cobra.Command{
	Use:   "monitor [port]",
	Short: "Stream the target console from the adapter's virtual COM port",
	Long: `Open the debug adapter's CDC-ACM virtual COM port and stream the
target's console output until interrupted. The port may also be set with
monitor_port in armdbg.ini.

Example:
  armdbg monitor /dev/ttyACM0 --baud 115200`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port := cfg.MonitorPort
		if len(args) > 0 {
			port = args[0]
		}
		if port == "" {
			return fmt.Errorf("no serial port specified (argument or monitor_port in armdbg.ini)")
		}
		return monitorConsole(port)
	},
}

func init() {
	monitorCmd.Flags().IntVar(&monitorBaud, "baud", 0, "Baud rate (default from armdbg.ini, 115200)")
	rootCmd.AddCommand(monitorCmd)
}

func monitorConsole(port string) error {
	baud := cfg.MonitorBaud
	if monitorBaud != 0 {
		baud = monitorBaud
	}

	vcp, err := probe.OpenVCP(port, baud)
	if err != nil {
		return err
	}
	defer vcp.Close()

	printInfo("Monitoring %s at %d baud (ctrl-c to stop)...\n", port, baud)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	buf := make([]byte, 4096)
	for {
		select {
		case <-interrupt:
			printInfo("\nStopped.\n")
			return nil
		default:
		}

		n, err := vcp.Read(buf)
		if err != nil {
			return fmt.Errorf("console read: %w", err)
		}
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
	}
}
