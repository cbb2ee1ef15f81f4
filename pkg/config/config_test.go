package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxHostedIdentities != defaultMaxHostedIdentities {
		t.Fatalf("expected default max hosted identities, got %d", cfg.MaxHostedIdentities)
	}
	if cfg.ServerInterface != "any" {
		t.Fatalf("expected default server interface, got %q", cfg.ServerInterface)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profileserver.yaml")
	yaml := "primary_interface_port: 9001\nmax_hosted_identities: 5\ncan_endpoint: \"can.example:7000\"\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PrimaryInterfacePort != 9001 {
		t.Fatalf("expected overridden primary port, got %d", cfg.PrimaryInterfacePort)
	}
	if cfg.MaxHostedIdentities != 5 {
		t.Fatalf("expected overridden cap, got %d", cfg.MaxHostedIdentities)
	}
	if cfg.CANEndpoint != "can.example:7000" {
		t.Fatalf("expected can_endpoint override, got %q", cfg.CANEndpoint)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/path/profileserver.yaml"); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
