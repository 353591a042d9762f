package flagkit

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrParsingConfig indicates the environment could not be parsed into the
// Config struct.
var ErrParsingConfig = errors.New("failed to parse flagkit configuration")

// Config holds the engine settings. All fields are environment-driven with
// production-ready defaults.
type Config struct {
	// Environment scopes flags and tests; one System serves one environment.
	Environment string `env:"FLAGKIT_ENVIRONMENT" envDefault:"production"`
	// FlagSyncInterval is the flag/test definition refresh cadence.
	FlagSyncInterval time.Duration `env:"FLAGKIT_SYNC_INTERVAL" envDefault:"30s"`
	// ResultsInterval is the experiment result recalculation cadence.
	ResultsInterval time.Duration `env:"FLAGKIT_RESULTS_INTERVAL" envDefault:"5m"`
	// EventBuffer is the per-subscriber lifecycle event channel buffer.
	EventBuffer int `env:"FLAGKIT_EVENT_BUFFER" envDefault:"64"`
}

// LoadConfig reads the configuration from the environment, loading a .env
// file first when one exists.
func LoadConfig() (Config, error) {
	// The .env file is optional.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	return cfg, nil
}
