// Package config loads a node's bootstrap configuration: data directory,
// listen/bind addresses, discovery settings, and the package-graph
// manifest path. Values come from a YAML file, overridden by cobra flags
// in cmd/buildnetd.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/buildnet/buildnet/pkg/buildnetErrors"
	"github.com/buildnet/buildnet/pkg/types"
	"gopkg.in/yaml.v3"
)

// DiscoveryConfig controls which of the three discovery mechanisms are
// enabled for this node. Any combination may run simultaneously.
type DiscoveryConfig struct {
	LocalBroadcast  *LocalBroadcastConfig  `yaml:"local_broadcast,omitempty"`
	Bootstrap       []string               `yaml:"bootstrap,omitempty"`
	CentralRegistry *CentralRegistryConfig `yaml:"central_registry,omitempty"`
}

// LocalBroadcastConfig mirrors pkg/network.LocalBroadcastConfig in YAML form.
type LocalBroadcastConfig struct {
	Port     int           `yaml:"port"`
	Interval time.Duration `yaml:"interval"`
}

// CentralRegistryConfig mirrors pkg/network.CentralRegistryConfig in YAML form.
type CentralRegistryConfig struct {
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
}

// SchedulerConfig controls build concurrency and lock/timeout behavior.
type SchedulerConfig struct {
	MaxConcurrentBuilds int64         `yaml:"max_concurrent_builds"`
	LockTTL             time.Duration `yaml:"lock_ttl"`
	BuildTimeout        time.Duration `yaml:"build_timeout"`
	ForwardToLeader     bool          `yaml:"forward_to_leader"`
}

// ReconcilerConfig controls the reconciliation loop's cadence and the
// ledger retention window it enforces.
type ReconcilerConfig struct {
	Interval        time.Duration `yaml:"interval"`
	PeerTimeout     time.Duration `yaml:"peer_timeout"`
	LedgerRetention time.Duration `yaml:"ledger_retention"`
}

// LogConfig controls pkg/log's global logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is a node's complete bootstrap configuration, as loaded from a
// YAML file and then overridden by cobra flags in cmd/buildnetd.
type Config struct {
	NodeID       string `yaml:"node_id"`
	Name         string `yaml:"name,omitempty"`
	DataDir      string `yaml:"data_dir"`
	ListenAddr   string `yaml:"listen_addr"`
	PackagesFile string `yaml:"packages_file"`
	MetricsAddr  string `yaml:"metrics_addr"`

	// Capabilities are the advertised tags (e.g. "linux/amd64", "docker",
	// "gpu") this node offers the cluster. Election priority ranks nodes
	// primarily by capability count, so a node with more of these is
	// preferred as coordinator.
	Capabilities []string `yaml:"capabilities,omitempty"`

	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Log        LogConfig        `yaml:"log"`
}

// Default returns a Config with every interval and path set to a sane
// single-node default; callers override whichever fields their
// deployment needs.
func Default() Config {
	return Config{
		DataDir:     "./data",
		ListenAddr:  "0.0.0.0:7946",
		MetricsAddr: "0.0.0.0:9090",
		Scheduler: SchedulerConfig{
			MaxConcurrentBuilds: 0, // 0 means "use runtime.NumCPU()", pkg/scheduler.DefaultConfig's behavior
			LockTTL:             10 * time.Minute,
		},
		Reconciler: ReconcilerConfig{
			Interval:        10 * time.Second,
			PeerTimeout:     45 * time.Second,
			LedgerRetention: 30 * 24 * time.Hour,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads and parses a YAML config file at path, layering it over
// Default() so omitted fields keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the fields a node cannot safely start without.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required: %w", buildnetErrors.ErrInvalidConfig)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required: %w", buildnetErrors.ErrInvalidConfig)
	}
	return nil
}

// manifest is the YAML shape of a packages_file: a flat list of packages
// with their dependency edges.
type manifest struct {
	Packages []types.Package `yaml:"packages"`
}

// LoadPackages reads the package-graph manifest named by PackagesFile.
func LoadPackages(path string) ([]types.Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read packages file %s: %w", path, err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse packages file %s: %w", path, err)
	}
	if len(m.Packages) == 0 {
		return nil, fmt.Errorf("config: %s declares no packages: %w", path, buildnetErrors.ErrInvalidConfig)
	}
	return m.Packages, nil
}
