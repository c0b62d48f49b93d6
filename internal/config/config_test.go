package config

import (
	"flag"
	"testing"
)

func TestLoadFromArgsFlagsOverrideEnv(t *testing.T) {
	env := map[string]string{
		"BIGDIFF_WORKERS":         "2",
		"BIGDIFF_IGNORE_OCCURRENCES": "true",
	}
	getenv := func(k string) string { return env[k] }

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := LoadFromArgs(fs, getenv, []string{"-a=left.txt", "-b=right.txt", "-workers=8"})

	if cfg.PathA != "left.txt" || cfg.PathB != "right.txt" {
		t.Errorf("PathA/PathB = %q/%q", cfg.PathA, cfg.PathB)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8 (flag should override env)", cfg.Workers)
	}
	if !cfg.IgnoreOccurrences {
		t.Errorf("IgnoreOccurrences = false, want true from env")
	}
}

func TestLoadFromArgsDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := LoadFromArgs(fs, func(string) string { return "" }, nil)

	if cfg.UseExternalSort || cfg.IgnoreOccurrences || cfg.UseSingleThread || cfg.IgnoreLineNumber {
		t.Errorf("expected all bool options to default false, got %+v", cfg)
	}
	if cfg.ChunkSizeBytes != 16<<20 {
		t.Errorf("ChunkSizeBytes = %d, want %d", cfg.ChunkSizeBytes, 16<<20)
	}
	if cfg.BatchRecords != 4_000_000 {
		t.Errorf("BatchRecords = %d, want 4000000", cfg.BatchRecords)
	}
}
