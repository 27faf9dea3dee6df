package config

import (
	"os"
	"strconv"
)

// LoadFromEnv applies environment overrides. This is the only place the
// process environment is consulted; the engine itself sees explicit
// paths.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CALIBRA_INSTRUMENT"); v != "" {
		cfg.Instrument = v
	}
	if v := os.Getenv("CALIBRA_CAL_DIR"); v != "" {
		cfg.Paths.CalDir = v
	}
	if v := os.Getenv("CALIBRA_OUT_DIR"); v != "" {
		cfg.Paths.OutDir = v
	}
	if v := os.Getenv("CALIBRA_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("CALIBRA_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("CALIBRA_TAU_SYSTEM"); v != "" {
		cfg.Tau.System = v
	}
}
