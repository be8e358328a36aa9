// Package base holds configuration and debug plumbing shared by the
// provider adapters.
package base

import (
	"os"

	"github.com/joho/godotenv"
)

func init() {
	// Auto-load .env file if it exists (silent fail)
	_ = godotenv.Load()
}

// LoadEnv loads environment variables from specified .env files.
// If no files are specified, it loads from .env in the current directory.
func LoadEnv(filenames ...string) error {
	return godotenv.Load(filenames...)
}

// Config contains common configuration for all provider adapters.
type Config struct {
	APIKey  string
	BaseURL string

	// DebugPath writes JSONL debug records (request/chunk/event) when set.
	DebugPath string

	// Generation options
	MaxOutputTokens *int
	Temperature     *float64

	// ExtraHeaders are added to every request.
	ExtraHeaders map[string]string
}

// ApplyEnvDefaults applies environment variable defaults if config values
// are empty.
func ApplyEnvDefaults(cfg *Config, apiKeyEnv, baseURLEnv string) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(apiKeyEnv)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv(baseURLEnv)
	}
}
