package qconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultNeedsKernelOrCheckpointToBoot(t *testing.T) {
	cfg := Default()
	if cfg.NCPUs != 1 {
		t.Errorf("NCPUs = %d, want 1", cfg.NCPUs)
	}
	if cfg.Backend != BackendDLL {
		t.Errorf("Backend = %v, want %v", cfg.Backend, BackendDLL)
	}
	if cfg.Kernel == "" && cfg.Checkpoint == "" {
		// Default() alone is not bootable without a kernel or checkpoint;
		// Validate should say so.
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() on bare Default() = nil, want error (no kernel or checkpoint)")
		}
	}
}

func TestLoadMissingPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg != Default() {
		t.Errorf("Load(\"\") = %+v, want Default() = %+v", cfg, Default())
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("Load of a nonexistent file: expected error, got nil")
	}
}

func TestLoadParsesYAMLOverDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qsim.yaml")
	yaml := "ncpus: 4\nram_mb: 512\nkernel: /boot/bzImage\nbackend: unicorn\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NCPUs != 4 {
		t.Errorf("NCPUs = %d, want 4", cfg.NCPUs)
	}
	if cfg.RAMMB != 512 {
		t.Errorf("RAMMB = %d, want 512", cfg.RAMMB)
	}
	if cfg.Kernel != "/boot/bzImage" {
		t.Errorf("Kernel = %q, want /boot/bzImage", cfg.Kernel)
	}
	if cfg.Backend != BackendUnicorn {
		t.Errorf("Backend = %v, want %v", cfg.Backend, BackendUnicorn)
	}
	// Debug was left unset in the YAML; it should keep Default()'s zero value.
	if cfg.Debug != false {
		t.Errorf("Debug = %v, want false (unset)", cfg.Debug)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qsim.yaml")
	if err := os.WriteFile(path, []byte("ncpus: [this is not a scalar"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load of malformed YAML: expected error, got nil")
	}
}

func TestValidateRejectsZeroCPUs(t *testing.T) {
	cfg := Default()
	cfg.NCPUs = 0
	cfg.Kernel = "/boot/bzImage"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with NCPUs=0: expected error, got nil")
	}
}

func TestValidateRequiresKernelOrCheckpoint(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with neither kernel nor checkpoint: expected error, got nil")
	}

	cfg.Kernel = "/boot/bzImage"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with kernel set: %v, want nil", err)
	}

	cfg.Kernel = ""
	cfg.Checkpoint = "/tmp/snap.qck"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with checkpoint set: %v, want nil", err)
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.Kernel = "/boot/bzImage"
	cfg.Backend = Backend("quantum")
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with unknown backend: expected error, got nil")
	}
}

func TestValidateAcceptsEachKnownBackend(t *testing.T) {
	for _, b := range []Backend{BackendDLL, BackendUnicorn, BackendFake} {
		cfg := Default()
		cfg.Kernel = "/boot/bzImage"
		cfg.Backend = b
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() with backend %v: %v, want nil", b, err)
		}
	}
}

func u16(v uint16) *uint16 { return &v }
func u(v uint) *uint       { return &v }
func s(v string) *string   { return &v }
func b(v bool) *bool       { return &v }

func TestApplyOverridesAllFields(t *testing.T) {
	cfg := Default()
	got := cfg.Apply(Overrides{
		NCPUs:      u16(8),
		RAMMB:      u(2048),
		Kernel:     s("/boot/bzImage"),
		Checkpoint: s("/tmp/snap.qck"),
		Backend:    s("fake"),
		Script:     s("boot.lua"),
		Debug:      b(true),
	})

	want := Config{
		NCPUs:      8,
		RAMMB:      2048,
		Kernel:     "/boot/bzImage",
		Checkpoint: "/tmp/snap.qck",
		Backend:    BackendFake,
		Script:     "boot.lua",
		Debug:      true,
	}
	if got != want {
		t.Errorf("Apply() = %+v, want %+v", got, want)
	}
}

func TestApplyNilOverridesLeavesConfigUnchanged(t *testing.T) {
	cfg := Default()
	cfg.Kernel = "/boot/bzImage"

	got := cfg.Apply(Overrides{})
	if got != cfg {
		t.Errorf("Apply(Overrides{}) = %+v, want unchanged %+v", got, cfg)
	}
}

func TestApplyPartialOverridesOnlyTouchesSetFields(t *testing.T) {
	cfg := Default()
	cfg.Kernel = "/boot/bzImage"
	cfg.RAMMB = 128

	got := cfg.Apply(Overrides{NCPUs: u16(2)})
	if got.NCPUs != 2 {
		t.Errorf("NCPUs = %d, want 2", got.NCPUs)
	}
	if got.RAMMB != 128 {
		t.Errorf("RAMMB = %d, want unchanged 128", got.RAMMB)
	}
	if got.Kernel != "/boot/bzImage" {
		t.Errorf("Kernel = %q, want unchanged", got.Kernel)
	}
}
