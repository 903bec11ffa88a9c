package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadVariables(t *testing.T) {
	path := writeFile(t, "vars.yaml", `
variables:
  - id: rainfall
    name: Rainfall
    description: mm of rain per month
  - id: crop_yield
    name: Crop yield
`)
	vars, err := loadVariables(path)
	if err != nil {
		t.Fatalf("loadVariables failed: %v", err)
	}
	if len(vars) != 2 {
		t.Fatalf("got %d variables, want 2", len(vars))
	}
	if vars[0].ID != "rainfall" || vars[0].Description != "mm of rain per month" {
		t.Fatalf("first variable = %+v", vars[0])
	}
}

func TestLoadVariablesRejectsMissingID(t *testing.T) {
	path := writeFile(t, "vars.yaml", `
variables:
  - name: Rainfall
  - id: crop_yield
    name: Crop yield
`)
	if _, err := loadVariables(path); err == nil {
		t.Fatal("expected error for variable without id")
	}
}

func TestLoadVariablesRequiresTwo(t *testing.T) {
	path := writeFile(t, "vars.yaml", `
variables:
  - id: rainfall
    name: Rainfall
`)
	if _, err := loadVariables(path); err == nil {
		t.Fatal("expected error for a single variable")
	}
}

func TestShowTelemetryParsesArtifact(t *testing.T) {
	path := writeFile(t, "run.json", `{
  "summary": {
    "run_start_utc": "2026-08-29T10:00:00Z",
    "total_run_seconds": 12.5,
    "stage_durations_seconds": {"pairwise": 4.2},
    "variables": {"raw_discovered": 3, "after_canonicalization": 3, "added_to_engine": 3},
    "llm_calls": {"total": 9, "by_model": {"gemini-2.5-flash": 9}},
    "pywhyllm_pairwise": {"total_pairs": 3},
    "edge_dropout": {"pywhyllm_proposed": 3, "final_edges_in_graph": 1},
    "verification": {"edges_submitted": 2, "grounded": 1, "rejected": 1},
    "var_id_resolve_misses": [],
    "evidence_cache_size": 2
  },
  "pywhyllm_raw_outputs": [],
  "events": []
}`)
	if err := showTelemetry(telemetryCmd, []string{path}); err != nil {
		t.Fatalf("showTelemetry failed: %v", err)
	}
}

func TestShowTelemetryBadFile(t *testing.T) {
	if err := showTelemetry(telemetryCmd, []string{filepath.Join(t.TempDir(), "missing.json")}); err == nil {
		t.Fatal("expected error for missing artifact")
	}
}
