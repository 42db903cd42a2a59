// Package config loads server settings from the environment, after reading
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/billing-engine/logging"
)

type Config struct {
	Port            int
	DatabasePath    string
	AllowedOrigins  []string
	RemovalCooldown time.Duration

	// RecoveryInterval is how often stuck approvals are re-applied; 0 disables.
	RecoveryInterval time.Duration

	Log logging.Config
}

// DefaultEnvFile is read when Load gets no files. It may be absent.
const DefaultEnvFile = ".env"

// Load reads dotenv files and then the environment. A missing default
// .env is fine; any other file that cannot be read is an error.
func Load(files ...string) (Config, error) {
	if err := loadEnvFiles(files); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:           8080,
		DatabasePath:   "billing.db",
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
		Log:            logging.DefaultConfig(),
	}
	cfg.RemovalCooldown = 24 * time.Hour

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("OWNER_REMOVAL_COOLDOWN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid OWNER_REMOVAL_COOLDOWN %q: %w", v, err)
		}
		// Cooldowns are stored in whole hours.
		if d < time.Hour || d%time.Hour != 0 {
			return cfg, fmt.Errorf("invalid OWNER_REMOVAL_COOLDOWN %q: must be a whole number of hours, at least 1h", v)
		}
		cfg.RemovalCooldown = d
	}
	if v := os.Getenv("APPROVAL_RECOVERY_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid APPROVAL_RECOVERY_INTERVAL %q: %w", v, err)
		}
		cfg.RecoveryInterval = d
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("LOG_OUTPUT"); v != "" {
		cfg.Log.Output = v
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		files = []string{DefaultEnvFile}
	}
	for _, f := range files {
		err := godotenv.Load(f)
		if err == nil {
			continue
		}
		if f == DefaultEnvFile && errors.Is(err, os.ErrNotExist) {
			continue
		}
		return fmt.Errorf("failed to load env file %s: %w", f, err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
