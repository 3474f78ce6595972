package shell

import (
	"path/filepath"
	"testing"
)

func validTestConfig() Config {
	cfg := DefaultConfig(1)
	cfg.Replicas = []ReplicaAddr{
		{ID: 1, Addr: "127.0.0.1:7701"},
		{ID: 2, Addr: "127.0.0.1:7702"},
		{ID: 3, Addr: "127.0.0.1:7703"},
	}
	return cfg
}

func TestValidateConfigAcceptsDefaults(t *testing.T) {
	if err := ValidateConfig(validTestConfig()); err != nil {
		t.Fatalf("ValidateConfig: %v", err)
	}
}

func TestValidateConfigRejectsSelfNotInReplicaSet(t *testing.T) {
	cfg := validTestConfig()
	cfg.ReplicaID = 99
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected error when replica_id is absent from cluster_replicas")
	}
}

func TestValidateConfigRejectsDuplicateReplicaID(t *testing.T) {
	cfg := validTestConfig()
	cfg.Replicas = append(cfg.Replicas, ReplicaAddr{ID: 1, Addr: "127.0.0.1:7704"})
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected error on duplicate replica id")
	}
}

func TestValidateConfigRejectsViewChangeBelowHeartbeat(t *testing.T) {
	cfg := validTestConfig()
	cfg.ViewChangeTimeoutMs = cfg.HeartbeatIntervalMs
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected error when view_change_timeout_ms does not exceed heartbeat_interval_ms")
	}
}

func TestValidateConfigRejectsUnknownDurabilityMode(t *testing.T) {
	cfg := validTestConfig()
	cfg.DurabilityMode = "Instant"
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected error on unknown durability_mode")
	}
}

func TestSaveAndLoadConfigRoundtrips(t *testing.T) {
	cfg := validTestConfig()
	path := filepath.Join(t.TempDir(), "kimberlite.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.ReplicaID != cfg.ReplicaID || len(loaded.Replicas) != len(cfg.Replicas) {
		t.Fatalf("loaded = %+v, want %+v", loaded, cfg)
	}
}
