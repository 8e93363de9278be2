package config

import (
	"os"
	"strconv"
)

// LoadFromEnv overlays environment variables on a loaded config.
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("BULWARK_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if logLevel := os.Getenv("BULWARK_LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}

	if dsn := os.Getenv("BULWARK_PRIMARY_DSN"); dsn != "" {
		cfg.Primary.ConnectionString = dsn
	}

	if rules := os.Getenv("BULWARK_RULES_FILE"); rules != "" {
		cfg.Failover.RulesFile = rules
	}

	if plans := os.Getenv("BULWARK_PLANS_FILE"); plans != "" {
		cfg.Failover.PlansFile = plans
	}
}

// GetEnvOrDefault returns an environment variable or a fallback.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
