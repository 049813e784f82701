// Package config enumerates the orchestrator's configuration surface as
// a single validated struct. Populating it from the environment is
// handled by LoadFromEnv.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
)

// ICCIntermediateFormat is the output format for the ICC-transform phase's
// intermediate file, trading I/O volume against CPU cost.
type ICCIntermediateFormat string

const (
	ICCIntermediateNative         ICCIntermediateFormat = "native"
	ICCIntermediateCompressedTIFF ICCIntermediateFormat = "compressed_tiff"
)

// ICCCompression names the compression codec used when
// ICCIntermediateFormat is compressed_tiff.
type ICCCompression string

const (
	ICCCompressionLZW     ICCCompression = "lzw"
	ICCCompressionDeflate ICCCompression = "deflate"
	ICCCompressionNone    ICCCompression = "none"
)

// Config is the orchestrator's recognised, fixed set of options. Every
// tunable the conversion pipeline depends on is exposed here rather than
// hardcoded, since deployments vary widely in available cores, disk, and
// tolerance for intermediate file sizes.
type Config struct {
	ConcurrencyTotal  int `validate:"min=1"`
	MaxConcurrentJobs int `validate:"min=1"`

	CacheMemoryBytes        int64 `validate:"min=0"`
	ScratchDiskThresholdBytes int64 `validate:"min=0"`

	TileSize    int `validate:"min=1"`
	TileOverlap int `validate:"min=0"`
	JPEGQuality int `validate:"min=1,max=100"`

	ICCEnabled            bool
	ICCIntermediateFormat ICCIntermediateFormat `validate:"oneof=native compressed_tiff"`
	ICCCompression        ICCCompression        `validate:"oneof=lzw deflate none"`
	ICCQuality            int                   `validate:"min=1,max=100"`

	AutoDeleteSourceOnSuccess bool

	StabilitySampleInterval time.Duration `validate:"min=1000000000"`
	StabilityCooldown       time.Duration
	ProgressDebounce        time.Duration `validate:"min=0"`

	SweepInterval        time.Duration `validate:"min=1000000000"`
	OrphanStagingMaxAge  time.Duration `validate:"min=1000000000"`

	// ToolBinary is the path or name of the external image tool (vips).
	ToolBinary string `validate:"required"`
	// MetadataProbeTimeout bounds each metadata probe invocation.
	MetadataProbeTimeout time.Duration `validate:"min=1000000000"`
	// ToolProgressStallTimeout is the wall-clock window with no progress
	// line and no exit before a running tool invocation is treated as
	// timed out.
	ToolProgressStallTimeout time.Duration `validate:"min=1000000000"`

	SlidesRoot string `validate:"required"`
	DZIRoot    string `validate:"required"`

	// HeartbeatInterval is the keep-alive cadence for long-lived event
	// subscribers.
	HeartbeatInterval time.Duration `validate:"min=1000000000"`

	// MaxQueueDepth is the operator-configurable hard submission limit
	// beyond which new submissions are rejected.
	MaxQueueDepth int `validate:"min=1"`

	// MaxAttempts bounds the total number of times a job's tool phases
	// are run, including the first attempt. A tool failure or stall
	// timeout re-queues the job (emitting a retry event) until this many
	// attempts have been made; 1 disables retries.
	MaxAttempts int `validate:"min=1"`
}

// Defaults returns the documented baseline: max_concurrent_jobs =
// min(cores, 8), tile_size=256, tile_overlap=1, jpeg_quality=92,
// progress_debounce_ms=500, orphan_staging_max_age_ms=3_600_000, etc.
func Defaults() Config {
	cores := runtime.NumCPU()
	maxJobs := cores
	if maxJobs > 8 {
		maxJobs = 8
	}
	if maxJobs < 1 {
		maxJobs = 1
	}
	return Config{
		ConcurrencyTotal:          cores,
		MaxConcurrentJobs:         maxJobs,
		CacheMemoryBytes:          1 << 30, // 1 GiB
		ScratchDiskThresholdBytes: 1 << 33, // 8 GiB, set high to keep in RAM
		TileSize:                  256,
		TileOverlap:               1,
		JPEGQuality:               92,
		ICCEnabled:                true,
		ICCIntermediateFormat:     ICCIntermediateNative,
		ICCCompression:            ICCCompressionLZW,
		ICCQuality:                90,
		AutoDeleteSourceOnSuccess: false,
		StabilitySampleInterval:   3 * time.Second,
		StabilityCooldown:         2 * time.Second,
		ProgressDebounce:          500 * time.Millisecond,
		SweepInterval:             5 * time.Minute,
		OrphanStagingMaxAge:       time.Hour,
		ToolBinary:                "vips",
		MetadataProbeTimeout:      60 * time.Second,
		ToolProgressStallTimeout:  30 * time.Minute,
		SlidesRoot:                "./slides",
		DZIRoot:                   "./dzi",
		HeartbeatInterval:         10 * time.Second,
		MaxQueueDepth:             4096,
		MaxAttempts:               1,
	}
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ToolConcurrency partitions the configured global thread budget across
// activeJobs parallel tool invocations: each of N jobs gets
// max(1, floor(global/N)) threads, except when N=1 the full global
// concurrency is passed.
func (c Config) ToolConcurrency(activeJobs int) int {
	if activeJobs <= 1 {
		return c.ConcurrencyTotal
	}
	per := c.ConcurrencyTotal / activeJobs
	if per < 1 {
		per = 1
	}
	return per
}
