package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	BaseDirName     = ".config/locsim"
	ConfigFileName  = "config.hcl"
	SocketName      = "agent.sock"
	PidFileName     = "agent.pid"
	JournalFileName = "events.db"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete locsim configuration
type Configuration struct {
	ConfigPath string // Directory containing config file, socket and journal
	Verbose    int    // Verbosity level

	Helper     HelperSettings
	Tunnel     TunnelSettings
	Simulation SimulationSettings
	Journal    JournalSettings

	Devices map[string]*DeviceConfig // Device overrides keyed by UDID
}

// HelperSettings controls how the helper binary is located and invoked
type HelperSettings struct {
	Path       string   // Absolute helper path; empty means auto-discover
	SearchDirs []string // Extra directories searched before the defaults
}

// TunnelSettings controls the tunnel daemon readiness gate
type TunnelSettings struct {
	PollInterval time.Duration // Delay between liveness probes after launch
	PollAttempts int           // Give up after this many probes
}

// SimulationSettings controls the simulation subprocess lifecycle
type SimulationSettings struct {
	WarmUp      time.Duration // Wait after spawn before the liveness re-check
	GracePeriod time.Duration // Delay between SIGTERM and the SIGINT escalation
}

// JournalSettings controls the lifecycle event journal
type JournalSettings struct {
	Enabled bool
	Path    string // Defaults to <config_path>/events.db
}

// DeviceConfig carries per-device overrides
type DeviceConfig struct {
	UDID        string
	DisplayName string
	Legacy      bool // Force the legacy (pre-tunnel) simulation mechanism
}

func GetSocketPath() string {
	return filepath.Join(Config.ConfigPath, SocketName)
}

func GetPIDFilePath() string {
	return filepath.Join(Config.ConfigPath, PidFileName)
}

func GetConfigFilePath() string {
	return filepath.Join(Config.ConfigPath, ConfigFileName)
}

// HCL parsing structs

type hclConfig struct {
	Verbose    int            `hcl:"verbose,optional"`
	Helper     *hclHelper     `hcl:"helper,block"`
	Tunnel     *hclTunnel     `hcl:"tunnel,block"`
	Simulation *hclSimulation `hcl:"simulation,block"`
	Journal    *hclJournal    `hcl:"journal,block"`
	Devices    []hclDevice    `hcl:"device,block"`
}

type hclHelper struct {
	Path       string   `hcl:"path,optional"`
	SearchDirs []string `hcl:"search_dirs,optional"`
}

type hclTunnel struct {
	PollInterval string `hcl:"poll_interval,optional"`
	PollAttempts int    `hcl:"poll_attempts,optional"`
}

type hclSimulation struct {
	WarmUp      string `hcl:"warm_up,optional"`
	GracePeriod string `hcl:"grace_period,optional"`
}

type hclJournal struct {
	Enabled *bool  `hcl:"enabled,optional"`
	Path    string `hcl:"path,optional"`
}

type hclDevice struct {
	UDID        string `hcl:"udid,label"`
	DisplayName string `hcl:"display_name,optional"`
	Legacy      bool   `hcl:"legacy,optional"`
}

// DefaultConfiguration returns a Configuration with all defaults applied
func DefaultConfiguration(configPath string) *Configuration {
	return &Configuration{
		ConfigPath: configPath,
		Helper:     HelperSettings{},
		Tunnel: TunnelSettings{
			PollInterval: 500 * time.Millisecond,
			PollAttempts: 30,
		},
		Simulation: SimulationSettings{
			WarmUp:      2 * time.Second,
			GracePeriod: 1 * time.Second,
		},
		Journal: JournalSettings{
			Enabled: true,
			Path:    filepath.Join(configPath, JournalFileName),
		},
		Devices: make(map[string]*DeviceConfig),
	}
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct.
// A missing config file is not an error - defaults are returned.
func LoadConfig(configPath string) (*Configuration, error) {
	cfg := DefaultConfiguration(configPath)

	filename := filepath.Join(configPath, ConfigFileName)
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return cfg, nil
	}

	var hclCfg hclConfig
	if err := hclsimple.DecodeFile(filename, nil, &hclCfg); err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg.Verbose = hclCfg.Verbose

	if hclCfg.Helper != nil {
		cfg.Helper.Path = hclCfg.Helper.Path
		cfg.Helper.SearchDirs = hclCfg.Helper.SearchDirs
	}

	if hclCfg.Tunnel != nil {
		if hclCfg.Tunnel.PollInterval != "" {
			d, err := time.ParseDuration(hclCfg.Tunnel.PollInterval)
			if err != nil {
				return nil, fmt.Errorf("invalid tunnel.poll_interval: %w", err)
			}
			cfg.Tunnel.PollInterval = d
		}
		if hclCfg.Tunnel.PollAttempts > 0 {
			cfg.Tunnel.PollAttempts = hclCfg.Tunnel.PollAttempts
		}
	}

	if hclCfg.Simulation != nil {
		if hclCfg.Simulation.WarmUp != "" {
			d, err := time.ParseDuration(hclCfg.Simulation.WarmUp)
			if err != nil {
				return nil, fmt.Errorf("invalid simulation.warm_up: %w", err)
			}
			cfg.Simulation.WarmUp = d
		}
		if hclCfg.Simulation.GracePeriod != "" {
			d, err := time.ParseDuration(hclCfg.Simulation.GracePeriod)
			if err != nil {
				return nil, fmt.Errorf("invalid simulation.grace_period: %w", err)
			}
			cfg.Simulation.GracePeriod = d
		}
	}

	if hclCfg.Journal != nil {
		if hclCfg.Journal.Enabled != nil {
			cfg.Journal.Enabled = *hclCfg.Journal.Enabled
		}
		if hclCfg.Journal.Path != "" {
			cfg.Journal.Path = expandPath(hclCfg.Journal.Path)
		}
	}

	for i := range hclCfg.Devices {
		d := hclCfg.Devices[i]
		cfg.Devices[d.UDID] = &DeviceConfig{
			UDID:        d.UDID,
			DisplayName: d.DisplayName,
			Legacy:      d.Legacy,
		}
	}

	return cfg, nil
}

// InitializeConfig loads the configuration from the given path and installs it
// as the global Config. The config directory is created if missing.
func InitializeConfig(configPath string) error {
	if err := os.MkdirAll(configPath, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	Config = cfg
	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 1 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home + path[1:]
	}
	return path
}
