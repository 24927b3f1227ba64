package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	if got := GetEnv("AS_TEST_UNSET", "default"); got != "default" {
		t.Errorf("Expected 'default', got %q", got)
	}
	t.Setenv("AS_TEST_PLATFORM", "mn5")
	if got := GetEnv("AS_TEST_PLATFORM", "local"); got != "mn5" {
		t.Errorf("Expected 'mn5', got %q", got)
	}
}

func TestGetIntEnv(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"unset", "", 42},
		{"valid", "123", 123},
		{"padded", " 7 ", 7},
		{"invalid", "ten", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("AS_TEST_INT", tt.raw)
			if got := GetIntEnv("AS_TEST_INT", 42); got != tt.want {
				t.Errorf("GetIntEnv(%q) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}

func TestGetDurationEnv(t *testing.T) {
	def := 5 * time.Second
	tests := []struct {
		name string
		raw  string
		want time.Duration
	}{
		{"unset", "", def},
		{"seconds", "30s", 30 * time.Second},
		{"milliseconds", "100ms", 100 * time.Millisecond},
		{"bare number", "10", def},
		{"invalid", "soon", def},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("AS_TEST_DURATION", tt.raw)
			if got := GetDurationEnv("AS_TEST_DURATION", def); got != tt.want {
				t.Errorf("GetDurationEnv(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestGetBoolEnv(t *testing.T) {
	if !GetBoolEnv("AS_TEST_UNSET_BOOL", true) {
		t.Error("Expected default true")
	}
	t.Setenv("AS_TEST_BOOL", "false")
	if GetBoolEnv("AS_TEST_BOOL", true) {
		t.Error("Expected false from environment")
	}
	t.Setenv("AS_TEST_BOOL", "maybe")
	if !GetBoolEnv("AS_TEST_BOOL", true) {
		t.Error("Expected default for invalid bool")
	}
}

func TestGetSecretFile(t *testing.T) {
	if got := GetSecretFile(""); got != "" {
		t.Errorf("Expected empty secret for empty path, got %q", got)
	}
	if got := GetSecretFile(filepath.Join(t.TempDir(), "missing")); got != "" {
		t.Errorf("Expected empty secret for missing file, got %q", got)
	}

	path := filepath.Join(t.TempDir(), "status_api_key")
	if err := os.WriteFile(path, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := GetSecretFile(path); got != "s3cret" {
		t.Errorf("Expected trimmed secret, got %q", got)
	}
}

func TestRunnerConfig_Validate(t *testing.T) {
	cfg := &RunnerConfig{Root: "/srv/as", ExpID: "a000", Storage: StorageJSON, MaxRetries: 10}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.ExperimentFile != "/srv/as/a000/conf/experiment.toml" {
		t.Errorf("Unexpected experiment file %q", cfg.ExperimentFile)
	}
	if cfg.BackupSlots != 1 || cfg.RetrievalWorkers != 1 {
		t.Errorf("Expected zero values to be corrected, got %d/%d", cfg.BackupSlots, cfg.RetrievalWorkers)
	}

	bad := []*RunnerConfig{
		{Storage: StorageJSON, MaxRetries: 1},
		{ExpID: "a/b", Storage: StorageJSON, MaxRetries: 1},
		{ExpID: "a000", Storage: "pickle", MaxRetries: 1},
		{ExpID: "a000", Storage: StorageSQLite},
	}
	for _, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("Expected error for %+v", c)
		}
	}
}
