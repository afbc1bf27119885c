package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gopyo3/pyo3"
	"github.com/gopyo3/pyo3/ffi/sim"
)

func TestMain(m *testing.M) {
	if err := pyo3.Prepare(sim.New()); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func TestLoadScenarios(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	data := `
scenarios:
  - name: drops
    kind: offlock-drop
    objects: 100
    workers: 4
  - kind: pool-churn
    objects: 10
    iterations: 3
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := loadScenarios(path)
	if err != nil {
		t.Fatalf("loadScenarios: %v", err)
	}
	want := []Scenario{
		{Name: "drops", Kind: kindOffLockDrop, Objects: 100, Workers: 4, Iterations: 1},
		{Name: kindPoolChurn, Kind: kindPoolChurn, Objects: 10, Workers: 1, Iterations: 3},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("scenarios mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadScenariosErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		data string
	}{
		{"empty", "scenarios: []\n"},
		{"unknown kind", "scenarios:\n  - kind: explode\n"},
		{"negative objects", "scenarios:\n  - kind: pool-churn\n    objects: -1\n"},
		{"not yaml", "scenarios: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			if err := os.WriteFile(path, []byte(tt.data), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := loadScenarios(path); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestDefaultScenarios(t *testing.T) {
	ctx := context.Background()
	for _, s := range defaultScenarios {
		t.Run(s.Name, func(t *testing.T) {
			s.Objects = min(s.Objects, 500)
			for range s.Iterations {
				if err := s.run(ctx); err != nil {
					t.Fatal(err)
				}
			}
		})
	}
	if err := checkBalance(pyo3.ReadStats()); err != nil {
		t.Error(err)
	}
}

func TestCheckBalance(t *testing.T) {
	if err := checkBalance(pyo3.Stats{DeferredDecRefs: 4, Drained: 4}); err != nil {
		t.Errorf("balanced stats: %v", err)
	}
	if err := checkBalance(pyo3.Stats{DeferredDecRefs: 4, Drained: 3, Pending: 1}); err == nil {
		t.Error("pending decrements not reported")
	}
	if err := checkBalance(pyo3.Stats{Leaked: 1}); err == nil {
		t.Error("leak not reported")
	}
}
