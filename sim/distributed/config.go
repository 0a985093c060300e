package distributed

import (
	"fmt"
	"time"

	"github.com/inference-sim/distsim/sim/trace"
)

// Config groups the tunables of the distributed engine.
type Config struct {
	// SchedulerTune scales the null-message interval: a bundle sends a null
	// message every SchedulerTune × lookahead ticks. Must be in (0, 1].
	SchedulerTune float64 `yaml:"scheduler_tune"`
	// BufferSize is the fixed capacity of send and receive buffers (bytes).
	BufferSize int `yaml:"buffer_size"`
	// DrainTimeout bounds how long Disable waits for pending sends.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	// TraceLevel enables synchronization tracing.
	TraceLevel trace.TraceLevel `yaml:"trace_level"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		SchedulerTune: 1.0,
		BufferSize:    DefaultBufferSize,
		DrainTimeout:  time.Second,
		TraceLevel:    trace.TraceLevelNone,
	}
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if !(c.SchedulerTune > 0 && c.SchedulerTune <= 1) {
		return fmt.Errorf("scheduler_tune must be in (0, 1], got %v", c.SchedulerTune)
	}
	if c.BufferSize <= HeaderSize {
		return fmt.Errorf("buffer_size must be > %d, got %d", HeaderSize, c.BufferSize)
	}
	if c.DrainTimeout < 0 {
		return fmt.Errorf("drain_timeout must be non-negative, got %v", c.DrainTimeout)
	}
	if !trace.IsValidTraceLevel(string(c.TraceLevel)) {
		return fmt.Errorf("unknown trace level %q", c.TraceLevel)
	}
	return nil
}

// MaxPayload returns the largest payload that fits a buffer.
func (c Config) MaxPayload() int {
	return c.BufferSize - HeaderSize
}
