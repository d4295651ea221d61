package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultHTTPAddr         = ":3000"
	defaultDBPath           = "/data/pi_podcast.db"
	defaultFrontendDist     = "/app/frontend/dist"
	defaultBluetoothctl     = "bluetoothctl"
	defaultCommandTimeout   = 5 * time.Second
	defaultScanTimeout      = 2 * time.Second
	defaultPairTimeout      = 20 * time.Second
	defaultOfflineThreshold = 5 * time.Minute
	defaultSweepInterval    = 30 * time.Second
)

// Config stores runtime settings loaded from environment variables.
type Config struct {
	HTTPAddr           string
	DBPath             string
	FrontendDist       string
	BluetoothctlPath   string
	VendorPatternsPath string
	CommandTimeout     time.Duration
	ScanTimeout        time.Duration
	PairTimeout        time.Duration
	OfflineThreshold   time.Duration
	SweepInterval      time.Duration
	LogLevel           slog.Level
}

// Load builds Config from environment variables using stable defaults.
func Load() Config {
	return Config{
		HTTPAddr:           getenv("HTTP_ADDR", defaultHTTPAddr),
		DBPath:             getenv("DB_PATH", defaultDBPath),
		FrontendDist:       getenv("FRONTEND_DIST", defaultFrontendDist),
		BluetoothctlPath:   getenv("BLUETOOTHCTL_PATH", defaultBluetoothctl),
		VendorPatternsPath: getenv("VENDOR_PATTERNS_PATH", ""),
		CommandTimeout:     parseDuration("BT_COMMAND_TIMEOUT", defaultCommandTimeout),
		ScanTimeout:        parseDuration("BT_SCAN_TIMEOUT", defaultScanTimeout),
		PairTimeout:        parseDuration("BT_PAIR_TIMEOUT", defaultPairTimeout),
		OfflineThreshold:   parseDuration("BT_OFFLINE_THRESHOLD", defaultOfflineThreshold),
		SweepInterval:      parseDuration("BT_SWEEP_INTERVAL", defaultSweepInterval),
		LogLevel:           parseLogLevel(getenv("LOG_LEVEL", "info")),
	}
}

// DBDir returns the target directory for DBPath.
func (c Config) DBDir() string {
	return filepath.Dir(c.DBPath)
}

func getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
