// Package config resolves metertun settings. Runtime knobs come from
// METERTUN_* environment variables with flag overrides on top; account seed
// data comes from YAML files.
package config

import (
	"os"
	"strconv"
	"time"
)

// GetStringEnv returns the variable's value, or fallback when unset or empty.
func GetStringEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// GetBoolEnv parses the variable with strconv.ParseBool, falling back on
// absence or a value like "maybe".
func GetBoolEnv(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(v)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// GetIntEnv parses the variable as a decimal integer, falling back on
// absence or a non-numeric value.
func GetIntEnv(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(v)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// GetDurationEnv parses the variable in time.ParseDuration form ("10s",
// "1m30s"), falling back on absence or a malformed value.
func GetDurationEnv(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}
