package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/slidecore/orchestrator/internal/platform/logger"
)

// LoadFromEnv overlays Defaults() with any recognised environment
// variables. A missing variable keeps the default silently; an
// unparseable numeric or boolean value keeps the default and is logged
// at debug level.
func LoadFromEnv(log *logger.Logger) Config {
	cfg := Defaults()

	cfg.ConcurrencyTotal = getEnvInt("CONCURRENCY_TOTAL", cfg.ConcurrencyTotal, log)
	cfg.MaxConcurrentJobs = getEnvInt("MAX_CONCURRENT_JOBS", cfg.MaxConcurrentJobs, log)
	cfg.CacheMemoryBytes = getEnvInt64("CACHE_MEMORY_BYTES", cfg.CacheMemoryBytes, log)
	cfg.ScratchDiskThresholdBytes = getEnvInt64("SCRATCH_DISK_THRESHOLD_BYTES", cfg.ScratchDiskThresholdBytes, log)

	cfg.TileSize = getEnvInt("TILE_SIZE", cfg.TileSize, log)
	cfg.TileOverlap = getEnvInt("TILE_OVERLAP", cfg.TileOverlap, log)
	cfg.JPEGQuality = getEnvInt("JPEG_QUALITY", cfg.JPEGQuality, log)

	cfg.ICCEnabled = getEnvBool("ICC_ENABLED", cfg.ICCEnabled, log)
	cfg.ICCIntermediateFormat = ICCIntermediateFormat(getEnvString("ICC_INTERMEDIATE_FORMAT", string(cfg.ICCIntermediateFormat), log))
	cfg.ICCCompression = ICCCompression(getEnvString("ICC_COMPRESSION", string(cfg.ICCCompression), log))
	cfg.ICCQuality = getEnvInt("ICC_QUALITY", cfg.ICCQuality, log)

	cfg.AutoDeleteSourceOnSuccess = getEnvBool("AUTO_DELETE_SOURCE_ON_SUCCESS", cfg.AutoDeleteSourceOnSuccess, log)

	cfg.StabilitySampleInterval = getEnvMillisDuration("STABILITY_SAMPLE_INTERVAL_MS", cfg.StabilitySampleInterval, log)
	cfg.StabilityCooldown = getEnvMillisDuration("STABILITY_COOLDOWN_MS", cfg.StabilityCooldown, log)
	cfg.ProgressDebounce = getEnvMillisDuration("PROGRESS_DEBOUNCE_MS", cfg.ProgressDebounce, log)

	cfg.SweepInterval = getEnvMillisDuration("SWEEP_INTERVAL_MS", cfg.SweepInterval, log)
	cfg.OrphanStagingMaxAge = getEnvMillisDuration("ORPHAN_STAGING_MAX_AGE_MS", cfg.OrphanStagingMaxAge, log)

	cfg.ToolBinary = getEnvString("TOOL_BINARY", cfg.ToolBinary, log)
	cfg.MetadataProbeTimeout = getEnvMillisDuration("METADATA_PROBE_TIMEOUT_MS", cfg.MetadataProbeTimeout, log)
	cfg.ToolProgressStallTimeout = getEnvMillisDuration("TOOL_PROGRESS_STALL_TIMEOUT_MS", cfg.ToolProgressStallTimeout, log)

	cfg.SlidesRoot = getEnvString("SLIDES_ROOT", cfg.SlidesRoot, log)
	cfg.DZIRoot = getEnvString("DZI_ROOT", cfg.DZIRoot, log)

	cfg.HeartbeatInterval = getEnvMillisDuration("HEARTBEAT_INTERVAL_MS", cfg.HeartbeatInterval, log)
	cfg.MaxQueueDepth = getEnvInt("MAX_QUEUE_DEPTH", cfg.MaxQueueDepth, log)
	cfg.MaxAttempts = getEnvInt("MAX_ATTEMPTS", cfg.MaxAttempts, log)

	return cfg
}

func getEnvString(key, def string, log *logger.Logger) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return strings.TrimSpace(v)
}

func getEnvInt(key string, def int, log *logger.Logger) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		if log != nil {
			log.Debug("invalid int env var, using default", "env_var", key, "value", v, "default", def)
		}
		return def
	}
	return n
}

func getEnvInt64(key string, def int64, log *logger.Logger) int64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		if log != nil {
			log.Debug("invalid int64 env var, using default", "env_var", key, "value", v, "default", def)
		}
		return def
	}
	return n
}

func getEnvBool(key string, def bool, log *logger.Logger) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		if log != nil {
			log.Debug("invalid bool env var, using default", "env_var", key, "value", v, "default", def)
		}
		return def
	}
	return b
}

func getEnvMillisDuration(key string, def time.Duration, log *logger.Logger) time.Duration {
	ms := getEnvInt(key, int(def/time.Millisecond), log)
	return time.Duration(ms) * time.Millisecond
}
