package main

import (
	"testing"

	"github.com/23skdu/longbow-gemmbench/internal/config"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig()
	if err != nil {
		t.Fatalf("parseConfig with default flags: %v", err)
	}
	want := config.Default()
	if cfg.Backend != want.Backend || cfg.Tolerance != want.Tolerance || cfg.MinDuration != want.MinDuration {
		t.Errorf("cfg = %+v", cfg)
	}
	if config.FormatSizes(cfg.CheckSizes) != config.FormatSizes(want.CheckSizes) {
		t.Errorf("check sizes = %v", cfg.CheckSizes)
	}
	if cfg.KernelDir != "" || cfg.Demo || cfg.Seed != 0 {
		t.Errorf("unexpected non-default fields: %+v", cfg)
	}
}

func TestParseConfigRejectsBadSizes(t *testing.T) {
	old := *checkSizes
	defer func() { *checkSizes = old }()

	*checkSizes = "8,abc"
	if _, err := parseConfig(); err == nil {
		t.Error("expected error for bad size list")
	}
}

func TestParseConfigKeepsToleranceExact(t *testing.T) {
	old := *tolerance
	defer func() { *tolerance = old }()

	*tolerance = 2.5e-4
	cfg, err := parseConfig()
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.Tolerance != 2.5e-4 {
		t.Errorf("tolerance = %v, want 2.5e-4", cfg.Tolerance)
	}
}
