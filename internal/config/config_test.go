package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"siope-etl/internal/errors"
)

// TestDefaultIsValid ensures the shipped defaults pass validation
func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pipeline.BatchSize != 50000 {
		t.Errorf("expected batch size 50000, got %d", cfg.Pipeline.BatchSize)
	}
	if cfg.Pipeline.Partitions != 4 {
		t.Errorf("expected 4 partitions, got %d", cfg.Pipeline.Partitions)
	}
	if got := cfg.Store.ConnectionURI(); got != "mongodb://localhost:27017" {
		t.Errorf("expected mongodb://localhost:27017, got %s", got)
	}
	if cfg.History.Dir == "" {
		t.Error("expected run history enabled by default")
	}
}

// TestLoadMissingFileYieldsDefaults mirrors the behaviour of running without a config file
func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Database != "siope" {
		t.Errorf("expected database siope, got %s", cfg.Store.Database)
	}
	if len(cfg.Source.Archives) != len(DefaultArchives) {
		t.Errorf("expected %d archives, got %d", len(DefaultArchives), len(cfg.Source.Archives))
	}
}

// TestLoadYAMLAndEnvOverride checks file values and SIOPE_* overrides
func TestLoadYAMLAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "siope.yaml")
	content := `
store:
  host: mongo.internal
  port: 27018
pipeline:
  batch_size: 1000
  reference_miss: fatal
  stages: [denormalize, fold]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SIOPE_PIPELINE_PARTITIONS", "8")
	t.Setenv("SIOPE_STORE_CONNECT_TIMEOUT", "3s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Store.ConnectionURI() != "mongodb://mongo.internal:27018" {
		t.Errorf("unexpected uri %s", cfg.Store.ConnectionURI())
	}
	if cfg.Pipeline.BatchSize != 1000 {
		t.Errorf("expected batch size 1000, got %d", cfg.Pipeline.BatchSize)
	}
	if cfg.Pipeline.Partitions != 8 {
		t.Errorf("expected env override of partitions to 8, got %d", cfg.Pipeline.Partitions)
	}
	if cfg.Store.ConnectTimeout != 3*time.Second {
		t.Errorf("expected 3s timeout, got %s", cfg.Store.ConnectTimeout)
	}
	if cfg.Pipeline.ReferenceMiss != ReferenceMissFatal {
		t.Errorf("expected fatal policy, got %s", cfg.Pipeline.ReferenceMiss)
	}
	if cfg.Pipeline.RunsStage(StageLoad) {
		t.Error("load stage should not be selected")
	}
	if !cfg.Pipeline.RunsStage(StageFold) {
		t.Error("fold stage should be selected")
	}
	// untouched values keep their defaults
	if cfg.Source.Attempts != 10 {
		t.Errorf("expected default attempts 10, got %d", cfg.Source.Attempts)
	}
}

// TestValidateRejects covers every validation rule
func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.Pipeline.BatchSize = 0 }},
		{"zero partitions", func(c *Config) { c.Pipeline.Partitions = 0 }},
		{"unknown policy", func(c *Config) { c.Pipeline.ReferenceMiss = "ignore" }},
		{"unknown stage", func(c *Config) { c.Pipeline.Stages = []string{"load", "export"} }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }},
		{"no attempts", func(c *Config) { c.Source.Attempts = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.IsType(err, errors.TypeConfig) {
				t.Errorf("expected CONFIG_ERROR, got %v", err)
			}
		})
	}
}

// TestSaveRoundTrip writes and reloads a configuration
func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "siope.json")
	cfg := Default()
	cfg.Source.AllYears = true
	cfg.Pipeline.Resume = true

	if err := cfg.Save(path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !loaded.Source.AllYears || !loaded.Pipeline.Resume {
		t.Errorf("expected saved flags to survive, got %+v / %+v", loaded.Source, loaded.Pipeline)
	}
}
