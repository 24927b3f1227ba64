package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the environment variable value or a default.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetIntEnv returns an integer environment variable or a default.
func GetIntEnv(key string, defaultValue int) int {
	return parseEnv(key, defaultValue, strconv.Atoi)
}

// GetDurationEnv returns a duration environment variable or a default.
func GetDurationEnv(key string, defaultValue time.Duration) time.Duration {
	return parseEnv(key, defaultValue, time.ParseDuration)
}

// GetBoolEnv returns a boolean environment variable or a default.
func GetBoolEnv(key string, defaultValue bool) bool {
	return parseEnv(key, defaultValue, strconv.ParseBool)
}

// parseEnv falls back to defaultValue when key is unset or does not parse.
// A value that does not parse is logged so a typo does not go unnoticed.
func parseEnv[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := parse(strings.TrimSpace(raw))
	if err != nil {
		slog.Warn("Ignoring invalid environment value", "key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}

// GetSecretFile reads a secret from a mounted file (Docker or K8s secrets).
// An empty path yields an empty secret; an unreadable one is logged.
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Secret file unreadable", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}
