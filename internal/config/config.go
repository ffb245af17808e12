package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"kvgate/internal/server"
)

// AppConfig holds runtime configuration for the listeners and supporting
// services.
type AppConfig struct {
	Addr            string
	WSAddr          string
	MetricsAddr     string
	ShutdownTimeout time.Duration
	Server          server.Config
}

// Load reads environment variables and constructs an AppConfig with sane
// defaults. Invalid values are logged and replaced by the default.
func Load() AppConfig {
	cfg := AppConfig{
		Addr:            firstNonEmpty(os.Getenv("KVGATE_ADDR"), ":8899"),
		WSAddr:          os.Getenv("KVGATE_WS_ADDR"),
		MetricsAddr:     os.Getenv("KVGATE_METRICS_ADDR"),
		ShutdownTimeout: parseDurationEnv("KVGATE_SHUTDOWN_TIMEOUT", 10*time.Second, true),
		Server: server.Config{
			MaxConnsPerAddr: parseIntEnv("KVGATE_MAX_CONNS_PER_ADDR", 1),
			MaxConns:        parseIntEnv("KVGATE_MAX_CONNS", 10),
			MaxRequestBytes: parseIntEnv("KVGATE_MAX_REQUEST_BYTES", 64*1024),
			AllowedOrigins:  parseCSV(os.Getenv("KVGATE_ALLOWED_ORIGINS")),
			HandshakeTimeout: parseDurationEnv(
				"KVGATE_HANDSHAKE_TIMEOUT", 5*time.Second, true,
			),
		},
	}

	cfg.Server.Valkey = buildValkeyConfig()
	return cfg
}

func parseDurationEnv(key string, fallback time.Duration, allowZero bool) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s value %q: %v", key, raw, err)
		return fallback
	}
	if dur <= 0 && !allowZero {
		log.Printf("non-positive %s value %q, using default", key, raw)
		return fallback
	}
	return dur
}

func parseIntEnv(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s value %q: %v", key, raw, err)
		return fallback
	}
	if v < 0 {
		log.Printf("negative %s value %q, using default", key, raw)
		return fallback
	}
	return v
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func buildValkeyConfig() *server.ValkeyConfig {
	addr := os.Getenv("KVGATE_VALKEY_ADDR")
	if addr == "" {
		return nil
	}

	cfg := &server.ValkeyConfig{Addr: addr}

	if user := os.Getenv("KVGATE_VALKEY_USERNAME"); user != "" {
		cfg.Username = user
	}
	if pass := os.Getenv("KVGATE_VALKEY_PASSWORD"); pass != "" {
		cfg.Password = pass
	}
	if dbRaw := os.Getenv("KVGATE_VALKEY_DB"); dbRaw != "" {
		if db, err := strconv.Atoi(dbRaw); err == nil {
			cfg.DB = db
		} else {
			log.Printf("invalid KVGATE_VALKEY_DB value %q: %v", dbRaw, err)
		}
	}
	if key := os.Getenv("KVGATE_VALKEY_REGISTRY_KEY"); key != "" {
		cfg.RegistryKey = key
	}
	if timeoutRaw := os.Getenv("KVGATE_VALKEY_TIMEOUT"); timeoutRaw != "" {
		if dur, err := time.ParseDuration(timeoutRaw); err == nil {
			cfg.OperationTimeout = dur
		} else {
			log.Printf("invalid KVGATE_VALKEY_TIMEOUT value %q: %v", timeoutRaw, err)
		}
	}

	return cfg
}
