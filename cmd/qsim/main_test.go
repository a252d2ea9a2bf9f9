package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/qsimhost/qsim/internal/emulator"
	"github.com/qsimhost/qsim/internal/qconfig"
)

// resetFlags clears the package-level flag variables loadConfig reads from,
// so tests don't leak state into each other through cobra's shared globals.
func resetFlags(t *testing.T) {
	t.Helper()
	configPath = ""
	ncpusFlag = 0
	ramMBFlag = 0
	kernelFlag = ""
	backend = ""
	scriptFlag = ""
	debugFlag = false
	t.Cleanup(func() {
		configPath, ncpusFlag, ramMBFlag, kernelFlag, backend, scriptFlag, debugFlag = "", 0, 0, "", "", "", false
	})
}

func TestLoadConfigAppliesFlagOverridesOntoFileConfig(t *testing.T) {
	resetFlags(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "qsim.yaml")
	if err := os.WriteFile(path, []byte("ncpus: 1\nram_mb: 64\nkernel: /boot/bzImage\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	configPath = path
	ncpusFlag = 4
	backend = "fake"

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.NCPUs != 4 {
		t.Errorf("NCPUs = %d, want 4 (flag override)", cfg.NCPUs)
	}
	if cfg.RAMMB != 64 {
		t.Errorf("RAMMB = %d, want 64 (from file, untouched by flags)", cfg.RAMMB)
	}
	if cfg.Backend != qconfig.BackendFake {
		t.Errorf("Backend = %v, want %v", cfg.Backend, qconfig.BackendFake)
	}
}

func TestLoadConfigRejectsInvalidResult(t *testing.T) {
	resetFlags(t)
	// No config file, no --kernel flag: Validate() must reject the missing
	// kernel/checkpoint.
	if _, err := loadConfig(); err == nil {
		t.Fatal("loadConfig with no kernel or checkpoint: expected error, got nil")
	}
}

func TestFactoryForDispatchesOnBackend(t *testing.T) {
	f, err := factoryFor(qconfig.Config{Backend: qconfig.BackendFake})
	if err != nil {
		t.Fatalf("factoryFor(fake): %v", err)
	}
	if _, ok := f.(interface {
		NewMaster(int, string, uint) (emulator.Adapter, error)
	}); !ok {
		t.Errorf("factoryFor(fake) did not return a usable Factory: %T", f)
	}
}

func TestFactoryForDefaultsToDLLBackend(t *testing.T) {
	if _, err := factoryFor(qconfig.Config{Backend: ""}); err != nil {
		t.Errorf("factoryFor(\"\"): %v, want nil (defaults to dll)", err)
	}
}

func TestFactoryForRejectsUnknownBackend(t *testing.T) {
	if _, err := factoryFor(qconfig.Config{Backend: qconfig.Backend("quantum")}); err == nil {
		t.Fatal("factoryFor(quantum): expected error, got nil")
	}
}
