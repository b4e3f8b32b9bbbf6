// Package cmd implements all CLI commands for ArmDbg
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/daschewie/armdbg/pkg/config"
	"github.com/daschewie/armdbg/pkg/probe"
	"github.com/daschewie/armdbg/pkg/session"
)

var (
	// Global configuration instance
	cfg *config.Config

	// Global flags
	probeFlag     string
	frequencyFlag int
	quietFlag     bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "armdbg",
	Short: "ArmDbg - Debug ARM Cortex-M microcontrollers through a USB adapter",
	Long: `ArmDbg is a command-line debug transport for ARM Cortex-M
microcontrollers. It speaks ADIv5 through a CMSIS-DAP or ST-Link USB
adapter, discovers CoreSight components, and controls the core: halting,
stepping, resetting, and reading or writing memory and core registers.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load configuration
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// Override config from flags if specified
		if probeFlag != "" {
			cfg.ProbeID = probeFlag
		}
		if frequencyFlag != 0 {
			cfg.Frequency = frequencyFlag
		}

		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&probeFlag, "probe", "", "Probe unique ID (serial number)")
	rootCmd.PersistentFlags().IntVar(&frequencyFlag, "frequency", 0, "SWD/JTAG clock frequency in Hz")
	rootCmd.PersistentFlags().BoolVar(&quietFlag, "quiet", false, "Suppress informational output")

	// Disable default completion command
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// selectProbe finds the configured probe, or the only connected one when
// no ID is configured.
func selectProbe() (probe.DebugProbe, error) {
	if cfg.ProbeID != "" {
		return probe.FindProbe(cfg.ProbeID)
	}
	probes, err := probe.ListProbes()
	if err != nil && len(probes) == 0 {
		return nil, err
	}
	switch len(probes) {
	case 0:
		return nil, fmt.Errorf("no debug probe connected")
	case 1:
		return probes[0], nil
	default:
		return nil, fmt.Errorf("%d probes connected; select one with --probe", len(probes))
	}
}

// openSession builds and opens a session on the selected probe. The
// caller must Close it.
func openSession() (*session.Session, error) {
	p, err := selectProbe()
	if err != nil {
		return nil, err
	}
	sess := session.New(p, cfg.SessionOptions())
	if err := sess.Open(); err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	return sess, nil
}

// Helper function for printing output (respects quiet mode)
func printInfo(format string, args ...interface{}) {
	if !quietFlag {
		fmt.Printf(format, args...)
	}
}

// Helper function for printing errors (always shown)
func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}
