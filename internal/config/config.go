package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config carries the environment-driven settings shared by the CLI and the
// API server. Flags override these values where a command exposes them.
type Config struct {
	DBPath       string
	Addr         string
	FetchTimeout time.Duration
}

// Load reads configuration from the environment, falling back to defaults.
func Load() Config {
	home, _ := os.UserHomeDir()
	defaultDB := filepath.Join(home, ".soulfra", "lineage.db")

	return Config{
		DBPath:       getenv("LINEAGE_DB", defaultDB),
		Addr:         getenv("LINEAGE_ADDR", ":8080"),
		FetchTimeout: getDuration("LINEAGE_FETCH_TIMEOUT", 30*time.Second),
	}
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
