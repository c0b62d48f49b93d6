// Package config centralizes engine configuration. It follows the same
// flags-with-environment-fallback pattern used elsewhere in this codebase:
// all tunables live outside the code, flags are defined first so -help
// documents every knob, and environment variables seed flag defaults so
// explicit flags always win.
//
// Typical usage:
//
//	cfg := config.Load() // reads os.Args and os.Environ
//
// For tests, prefer LoadFromArgs to keep them hermetic:
//
//	fs := flag.NewFlagSet("test", flag.ContinueOnError)
//	getenv := func(k string) string { return testEnv[k] }
//	cfg := config.LoadFromArgs(fs, getenv, []string{"-a=left.txt", "-b=right.txt"})
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
)

// Config holds the options of a single comparison run, sourced from CLI
// flags with environment-variable fallbacks.
type Config struct {
	PathA string // Path to the first input file.
	PathB string // Path to the second input file.

	UseExternalSort   bool   // Spill to disk instead of sorting fully in memory.
	IgnoreOccurrences bool   // Ignore line multiplicity; one match cancels all.
	UseSingleThread   bool   // Disable intra-file parallel hashing/sorting.
	IgnoreLineNumber  bool   // Suppress line numbers on reported unique lines.
	PrimaryKeyRegex   string // Forwarded to callers unvalidated; engine does not interpret it.

	ChunkSizeBytes  int // Hashing window size per worker.
	BatchRecords    int // External-sort batch size, in records.
	Workers         int // Parallel worker count when UseSingleThread is false.
}

// LoadFromArgs builds a Config by defining flags on fs, wiring each flag to
// an environment-variable fallback via getenv, and then parsing args.
//
// Precedence:
//  1. Environment values seed each flag's default.
//  2. Explicit CLI flags (in args) override the seeded defaults.
func LoadFromArgs(fs *flag.FlagSet, getenv func(string) string, args []string) *Config {
	cfg := &Config{}

	envOrDefaultFn := func(k, d string) string {
		if v := getenv(k); v != "" {
			return v
		}
		return d
	}
	intEnvOrDefaultFn := func(k string, d int) int {
		if v := getenv(k); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				return i
			}
		}
		return d
	}
	boolEnvOrDefaultFn := func(k string, d bool) bool {
		if v := strings.ToLower(getenv(k)); v != "" {
			switch v {
			case "1", "true", "yes", "on":
				return true
			case "0", "false", "no", "off":
				return false
			}
		}
		return d
	}

	fs.StringVar(&cfg.PathA, "a", envOrDefaultFn("BIGDIFF_A", ""), "path to the first file")
	fs.StringVar(&cfg.PathB, "b", envOrDefaultFn("BIGDIFF_B", ""), "path to the second file")

	fs.BoolVar(&cfg.UseExternalSort, "external_sort", boolEnvOrDefaultFn("BIGDIFF_EXTERNAL_SORT", false), "spill sort runs to disk instead of sorting fully in memory")
	fs.BoolVar(&cfg.IgnoreOccurrences, "ignore_occurrences", boolEnvOrDefaultFn("BIGDIFF_IGNORE_OCCURRENCES", false), "ignore line multiplicity; one match on a hash cancels all")
	fs.BoolVar(&cfg.UseSingleThread, "single_thread", boolEnvOrDefaultFn("BIGDIFF_SINGLE_THREAD", false), "disable intra-file parallelism")
	fs.BoolVar(&cfg.IgnoreLineNumber, "ignore_line_number", boolEnvOrDefaultFn("BIGDIFF_IGNORE_LINE_NUMBER", false), "suppress line numbers on reported unique lines")
	fs.StringVar(&cfg.PrimaryKeyRegex, "primary_key_regex", envOrDefaultFn("BIGDIFF_PRIMARY_KEY_REGEX", ""), "opaque regex forwarded to the caller, not interpreted by the engine")

	fs.IntVar(&cfg.ChunkSizeBytes, "chunk_bytes", intEnvOrDefaultFn("BIGDIFF_CHUNK_BYTES", 16<<20), "hashing window size per worker, in bytes")
	fs.IntVar(&cfg.BatchRecords, "batch_records", intEnvOrDefaultFn("BIGDIFF_BATCH_RECORDS", 4_000_000), "external-sort batch size, in records")
	fs.IntVar(&cfg.Workers, "workers", intEnvOrDefaultFn("BIGDIFF_WORKERS", 0), "parallel worker count (0 = runtime.GOMAXPROCS(0))")

	if args == nil {
		args = []string{}
	}
	_ = fs.Parse(args)
	return cfg
}

// LoadFrom is a compatibility wrapper around LoadFromArgs for call sites
// that don't need to pass args explicitly.
func LoadFrom(fs *flag.FlagSet, getenv func(string) string) *Config {
	return LoadFromArgs(fs, getenv, nil)
}

// Load is the production entry point: it wires the loader to the process
// flag set, reads environment variables via os.Getenv, and parses
// os.Args[1:].
func Load() *Config {
	return LoadFromArgs(flag.CommandLine, os.Getenv, os.Args[1:])
}
