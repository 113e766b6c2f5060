package main

import (
	"os"
	"strconv"
	"strings"
)

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool accepts "true", "1", "yes" and "on" (case-insensitive) as true.
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvUint16(key string, defaultValue uint16) uint16 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	n, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return defaultValue
	}
	return uint16(n)
}
