// Package config provides configuration management for ArmDbg.
// It reads settings from armdbg.ini using multiple search paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"

	"github.com/daschewie/armdbg/pkg/session"
)

// Config holds all configuration settings for ArmDbg
type Config struct {
	// Probe selection
	ProbeID string

	// SWD/JTAG clock frequency in Hz
	Frequency int

	// Wire protocol: swd, jtag, or default
	Protocol string

	// Reset type: hw, sw, sysresetreq, vectreset, emulated
	ResetType string

	// Halt the core when the session connects
	HaltOnConnect bool

	// Resume a halted core when the session disconnects
	ResumeOnDisconnect bool

	// Virtual COM port settings for the monitor command
	MonitorPort string
	MonitorBaud int
}

// searchPaths returns the armdbg.ini locations in priority order:
// 1. Current directory (./armdbg.ini)
// 2. $ARMDBG directory ($ARMDBG/armdbg.ini)
// 3. Home directory (~/armdbg.ini)
func searchPaths() []string {
	paths := []string{filepath.Join(".", "armdbg.ini")}

	if dir := os.Getenv("ARMDBG"); dir != "" {
		paths = append(paths, filepath.Join(dir, "armdbg.ini"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "armdbg.ini"))
	}
	return paths
}

// Load reads configuration from the first armdbg.ini found on the search
// path. A missing file is not an error; defaults apply.
func Load() (*Config, error) {
	cfg := &Config{
		Frequency:          1000000,
		Protocol:           "default",
		ResetType:          "default",
		HaltOnConnect:      true,
		ResumeOnDisconnect: true,
		MonitorBaud:        115200,
	}

	var iniFile *ini.File
	for _, path := range searchPaths() {
		if _, statErr := os.Stat(path); statErr == nil {
			f, err := ini.Load(path)
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
			iniFile = f
			break
		}
	}
	if iniFile == nil {
		return cfg, nil
	}

	section := iniFile.Section("DEFAULT")
	cfg.ProbeID = section.Key("probe").MustString(cfg.ProbeID)
	cfg.Frequency = section.Key("frequency").MustInt(cfg.Frequency)
	cfg.Protocol = section.Key("protocol").MustString(cfg.Protocol)
	cfg.ResetType = section.Key("reset_type").MustString(cfg.ResetType)
	cfg.HaltOnConnect = section.Key("halt_on_connect").MustBool(cfg.HaltOnConnect)
	cfg.ResumeOnDisconnect = section.Key("resume_on_disconnect").MustBool(cfg.ResumeOnDisconnect)
	cfg.MonitorPort = section.Key("monitor_port").MustString(cfg.MonitorPort)
	cfg.MonitorBaud = section.Key("monitor_baud").MustInt(cfg.MonitorBaud)

	return cfg, nil
}

// ConfigPath returns the path of the config file that would be loaded
func ConfigPath() (string, error) {
	for _, path := range searchPaths() {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no armdbg.ini file found")
}

// SessionOptions converts the configuration into the session option bag
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		session.OptionFrequency:          c.Frequency,
		session.OptionConnectProtocol:    c.Protocol,
		session.OptionResetType:          c.ResetType,
		session.OptionHaltOnConnect:      c.HaltOnConnect,
		session.OptionResumeOnDisconnect: c.ResumeOnDisconnect,
	}
}
