package shell

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"kimberlite.dev/core/ledger"
)

// Config is one replica's operator-facing configuration, spec.md
// §6.4's environment knobs plus the ambient fields (bind address, data
// directory, log level) every deployed replica needs regardless of
// what the consensus core itself requires.
type Config struct {
	ReplicaID uint64   `yaml:"replica_id"`
	Network   string   `yaml:"network"`
	DataDir   string   `yaml:"data_dir"`
	BindAddr  string   `yaml:"bind_addr"`
	LogLevel  string   `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	Replicas []ReplicaAddr `yaml:"cluster_replicas"`
	Standbys []ReplicaAddr `yaml:"cluster_standbys"`

	DurabilityMode string `yaml:"durability_mode"`
	Fsync          *bool  `yaml:"fsync,omitempty"`

	HeartbeatIntervalMs   int `yaml:"heartbeat_interval_ms"`
	ViewChangeTimeoutMs   int `yaml:"view_change_timeout_ms"`
	ClockOffsetToleranceMs int `yaml:"clock_offset_tolerance_ms"`

	RepairBudgetInflight int `yaml:"repair_budget_inflight"`
	RepairExpiryMs       int `yaml:"repair_expiry_ms"`
	ScrubIOPS            int `yaml:"scrub_iops"`

	MaxSessions       int `yaml:"max_sessions"`
	MaxLogTailEntries int `yaml:"max_log_tail_entries"`
}

// ReplicaAddr names one cluster member by VSR replica ID and dial
// address, used both for the active set and for standbys.
type ReplicaAddr struct {
	ID   uint64 `yaml:"id"`
	Addr string `yaml:"addr"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

var allowedDurabilityModes = map[string]struct{}{
	ledger.DurabilityEveryRecord.String(): {},
	ledger.DurabilityEveryBatch.String():  {},
	ledger.DurabilityGroupCommit.String(): {},
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".kimberlite"
	}
	return filepath.Join(home, ".kimberlite")
}

// DefaultConfig returns spec.md §6.4's documented defaults for every
// knob that has one.
func DefaultConfig(replicaID uint64) Config {
	return Config{
		ReplicaID:   replicaID,
		Network:     "devnet",
		DataDir:     DefaultDataDir(),
		BindAddr:    "0.0.0.0:7701",
		MetricsAddr: "127.0.0.1:9701",
		LogLevel:    "info",

		DurabilityMode: ledger.DurabilityEveryRecord.String(),

		HeartbeatIntervalMs:    500,
		ViewChangeTimeoutMs:    1000,
		ClockOffsetToleranceMs: 500,

		RepairBudgetInflight: 2,
		RepairExpiryMs:       500,
		ScrubIOPS:            10,

		MaxSessions:       100000,
		MaxLogTailEntries: 10000,
	}
}

// ValidateConfig returns the first violated invariant it finds, wrapped
// with enough context to fix the config file, mirroring the teacher's
// validate-in-declaration-order convention.
func ValidateConfig(cfg Config) error {
	if cfg.ReplicaID == 0 {
		return errors.New("replica_id is required and must be nonzero")
	}
	if strings.TrimSpace(cfg.Network) == "" {
		return errors.New("network is required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if err := validateAddr(cfg.BindAddr); err != nil {
		return fmt.Errorf("invalid bind_addr: %w", err)
	}
	if cfg.MetricsAddr != "" {
		if err := validateAddr(cfg.MetricsAddr); err != nil {
			return fmt.Errorf("invalid metrics_addr: %w", err)
		}
	}
	if len(cfg.Replicas) == 0 {
		return errors.New("cluster_replicas must name at least one replica")
	}
	seen := make(map[uint64]bool, len(cfg.Replicas))
	foundSelf := false
	for _, r := range cfg.Replicas {
		if err := validateAddr(r.Addr); err != nil {
			return fmt.Errorf("invalid cluster_replicas address for id %d: %w", r.ID, err)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate replica id %d in cluster_replicas", r.ID)
		}
		seen[r.ID] = true
		if r.ID == cfg.ReplicaID {
			foundSelf = true
		}
	}
	if !foundSelf {
		return fmt.Errorf("replica_id %d is not present in cluster_replicas", cfg.ReplicaID)
	}
	for _, s := range cfg.Standbys {
		if err := validateAddr(s.Addr); err != nil {
			return fmt.Errorf("invalid cluster_standbys address for id %d: %w", s.ID, err)
		}
		if seen[s.ID] {
			return fmt.Errorf("standby id %d collides with an active replica id", s.ID)
		}
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if _, ok := allowedDurabilityModes[cfg.DurabilityMode]; !ok {
		return fmt.Errorf("invalid durability_mode %q", cfg.DurabilityMode)
	}
	if cfg.HeartbeatIntervalMs <= 0 {
		return errors.New("heartbeat_interval_ms must be > 0")
	}
	if cfg.ViewChangeTimeoutMs <= cfg.HeartbeatIntervalMs {
		return errors.New("view_change_timeout_ms must exceed heartbeat_interval_ms")
	}
	if cfg.ClockOffsetToleranceMs <= 0 {
		return errors.New("clock_offset_tolerance_ms must be > 0")
	}
	if cfg.RepairBudgetInflight <= 0 {
		return errors.New("repair_budget_inflight must be > 0")
	}
	if cfg.RepairExpiryMs <= 0 {
		return errors.New("repair_expiry_ms must be > 0")
	}
	if cfg.ScrubIOPS <= 0 {
		return errors.New("scrub_iops must be > 0")
	}
	if cfg.MaxSessions <= 0 {
		return errors.New("max_sessions must be > 0")
	}
	if cfg.MaxLogTailEntries <= 0 {
		return errors.New("max_log_tail_entries must be > 0")
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}

// LoadConfig reads and validates a replica's YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("shell: read config %s: %w", path, err)
	}
	cfg := DefaultConfig(0)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("shell: parse config %s: %w", path, err)
	}
	if err := ValidateConfig(cfg); err != nil {
		return Config{}, fmt.Errorf("shell: invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as YAML, creating the parent directory
// if needed.
func SaveConfig(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("shell: encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("shell: create config dir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("shell: write config %s: %w", path, err)
	}
	return nil
}
