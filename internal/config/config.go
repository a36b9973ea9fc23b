// Package config provides configuration loading from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Capture engine defaults. These mirror the tuning the capture pipeline was
// shipped with; all of them can be overridden via environment variables.
const (
	DefaultMaxRecords        = 1500
	DefaultSnapshotRecords   = 120
	DefaultMergeCandidateCap = 20
	DefaultRelaxedScanDepth  = 100
)

// Config holds all process configuration for the tracecap daemon.
type Config struct {
	ListenAddr string // TRACECAP_LISTEN_ADDR, default "127.0.0.1:8340"
	DataDir    string // TRACECAP_DATA_DIR, default "./tracecap-data"
	OutputDir  string // TRACECAP_OUTPUT_DIR, default "./tracecap-out" (realtime record files)
	SnapshotDB string // TRACECAP_SNAPSHOT_DB, default "<DataDir>/snapshot.db"

	// Record store bounds
	MaxRecords        int // TRACECAP_MAX_RECORDS, default 1500
	SnapshotRecords   int // TRACECAP_SNAPSHOT_RECORDS, default 120
	MergeCandidateCap int // TRACECAP_MERGE_CANDIDATE_CAP, default 20
	RelaxedScanDepth  int // TRACECAP_RELAXED_SCAN_DEPTH, default 100

	// Timing knobs
	RealtimeSaveDelay time.Duration // TRACECAP_REALTIME_SAVE_DELAY_MS, default 2500ms
	MergeMaxWait      time.Duration // TRACECAP_MERGE_MAX_WAIT_MS, default 8000ms
	RelaxedScanWindow time.Duration // TRACECAP_RELAXED_SCAN_WINDOW_MS, default 10000ms
	PersistDebounce   time.Duration // TRACECAP_PERSIST_DEBOUNCE_MS, default 2000ms

	// Regex compile cache
	RegexCacheSize int // TRACECAP_REGEX_CACHE_SIZE, default 256

	// Logging configuration
	LogLevel      string // LOG_LEVEL, default "info"
	LogFile       string // LOG_FILE, default "" (stderr only)
	LogMaxSizeMB  int    // LOG_MAX_SIZE_MB, default 10
	LogMaxBackups int    // LOG_MAX_BACKUPS, default 5
	LogMaxAgeDays int    // LOG_MAX_AGE_DAYS, default 28
	LogCompress   bool   // LOG_COMPRESS, default true
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	cfg := &Config{
		ListenAddr: getEnvString("TRACECAP_LISTEN_ADDR", "127.0.0.1:8340"),
		DataDir:    getEnvString("TRACECAP_DATA_DIR", "./tracecap-data"),
		OutputDir:  getEnvString("TRACECAP_OUTPUT_DIR", "./tracecap-out"),

		MaxRecords:        getEnvInt("TRACECAP_MAX_RECORDS", DefaultMaxRecords),
		SnapshotRecords:   getEnvInt("TRACECAP_SNAPSHOT_RECORDS", DefaultSnapshotRecords),
		MergeCandidateCap: getEnvInt("TRACECAP_MERGE_CANDIDATE_CAP", DefaultMergeCandidateCap),
		RelaxedScanDepth:  getEnvInt("TRACECAP_RELAXED_SCAN_DEPTH", DefaultRelaxedScanDepth),

		RealtimeSaveDelay: getEnvDurationMs("TRACECAP_REALTIME_SAVE_DELAY_MS", 2500),
		MergeMaxWait:      getEnvDurationMs("TRACECAP_MERGE_MAX_WAIT_MS", 8000),
		RelaxedScanWindow: getEnvDurationMs("TRACECAP_RELAXED_SCAN_WINDOW_MS", 10000),
		PersistDebounce:   getEnvDurationMs("TRACECAP_PERSIST_DEBOUNCE_MS", 2000),

		RegexCacheSize: getEnvInt("TRACECAP_REGEX_CACHE_SIZE", 256),

		LogLevel:      getEnvString("LOG_LEVEL", "info"),
		LogFile:       getEnvString("LOG_FILE", ""),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 10),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 28),
		LogCompress:   getEnvBool("LOG_COMPRESS", true),
	}
	cfg.SnapshotDB = getEnvString("TRACECAP_SNAPSHOT_DB", cfg.DataDir+"/snapshot.db")
	return cfg
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		switch v {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return defaultVal
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDurationMs(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}
