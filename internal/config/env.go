package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvBaseURL          = "PIPEWATCH_BASE_URL"
	EnvStatusPath       = "PIPEWATCH_STATUS_PATH"
	EnvAPIToken         = "PIPEWATCH_API_TOKEN"
	EnvLogLevel         = "PIPEWATCH_LOG_LEVEL"
	EnvReconnectDelayMS = "PIPEWATCH_RECONNECT_DELAY_MS"
	EnvAutoReconnect    = "PIPEWATCH_AUTO_RECONNECT"
)

// ApplyEnv loads envFile (if it exists) into the process environment without
// overriding variables that are already set, then applies PIPEWATCH_* overrides to cfg.
func ApplyEnv(cfg *AppConfig, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	return applyEnvLookup(cfg, os.LookupEnv)
}

func applyEnvLookup(cfg *AppConfig, lookup func(string) (string, bool)) error {
	if v, ok := lookupTrimmed(lookup, EnvBaseURL); ok {
		cfg.Server.BaseURL = strings.TrimRight(v, "/")
	}
	if v, ok := lookupTrimmed(lookup, EnvStatusPath); ok {
		cfg.Server.StatusPath = v
	}
	if v, ok := lookupTrimmed(lookup, EnvAPIToken); ok {
		cfg.Server.APIToken = v
	}
	if v, ok := lookupTrimmed(lookup, EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := lookupTrimmed(lookup, EnvReconnectDelayMS); ok {
		delay, err := strconv.Atoi(v)
		if err != nil || delay <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %q", EnvReconnectDelayMS, v)
		}
		cfg.Channel.ReconnectDelayMS = delay
	}
	if v, ok := lookupTrimmed(lookup, EnvAutoReconnect); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s must be a boolean, got %q", EnvAutoReconnect, v)
		}
		cfg.Channel.AutoReconnect = enabled
	}

	return nil
}

func lookupTrimmed(lookup func(string) (string, bool), key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)

	return v, v != ""
}
