package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Every configuration variable shares one prefix; the helpers take bare keys.
const envPrefix = "SOULSYNC_"

func envValue(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

// EnvString reads a prefixed string env var with a default.
func EnvString(key, def string) string {
	v := envValue(key)
	if v == "" {
		return def
	}
	return v
}

// EnvInt reads a prefixed positive int env var with a default.
func EnvInt(key string, def int) int {
	v := envValue(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// EnvInt32 reads a prefixed non-negative int32 env var with a default.
func EnvInt32(key string, def int32) int32 {
	v := envValue(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

// EnvDuration reads a prefixed duration env var with a default.
func EnvDuration(key string, def time.Duration) time.Duration {
	v := envValue(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
