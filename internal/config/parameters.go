package config

import (
	"fmt"
	"time"

	"DagBFT/internal/logger"
)

// Duration is a time.Duration written as a Go duration string in files.
type Duration struct {
	time.Duration
}

// MarshalText encodes the duration as "250ms", "1s", ...
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q:\n%w", text, err)
	}

	d.Duration = v

	return nil
}

// Parameters tune the primary and the workers of a node.
type Parameters struct {
	HeaderSize      int      `toml:"header_size"`       // HeaderSize is the payload bytes that trigger a proposal
	MaxHeaderDelay  Duration `toml:"max_header_delay"`  // MaxHeaderDelay bounds the wait for a full payload
	TimeoutDelay    Duration `toml:"timeout_delay"`     // TimeoutDelay is the round timer
	Timeouts        bool     `toml:"timeouts"`          // Timeouts enables the timeout certificate path
	BroadcastVotes  bool     `toml:"broadcast_votes"`   // BroadcastVotes sends votes to every primary
	GCDepth         uint64   `toml:"gc_depth"`          // GCDepth is the number of rounds kept by workers
	SyncRetryDelay  Duration `toml:"sync_retry_delay"`  // SyncRetryDelay is the wait before re-requesting batches
	SyncRetryNodes  int      `toml:"sync_retry_nodes"`  // SyncRetryNodes is the fan-out of batch re-requests
	BatchSize       int      `toml:"batch_size"`        // BatchSize is the bytes that seal a batch
	MaxBatchDelay   Duration `toml:"max_batch_delay"`   // MaxBatchDelay bounds the wait for a full batch
	ChannelCapacity int      `toml:"channel_capacity"`  // ChannelCapacity bounds every internal channel
}

// DefaultParameters returns the parameters used when no file is given.
func DefaultParameters() Parameters {
	return Parameters{
		HeaderSize:      1_000,
		MaxHeaderDelay:  Duration{100 * time.Millisecond},
		TimeoutDelay:    Duration{5 * time.Second},
		Timeouts:        true,
		BroadcastVotes:  false,
		GCDepth:         50,
		SyncRetryDelay:  Duration{5 * time.Second},
		SyncRetryNodes:  3,
		BatchSize:       500_000,
		MaxBatchDelay:   Duration{100 * time.Millisecond},
		ChannelCapacity: 1_000,
	}
}

// Validate rejects parameter sets the node cannot run with.
func (p Parameters) Validate() error {
	switch {
	case p.HeaderSize <= 0:
		return fmt.Errorf("header_size must be positive")
	case p.BatchSize <= 0:
		return fmt.Errorf("batch_size must be positive")
	case p.MaxHeaderDelay.Duration <= 0:
		return fmt.Errorf("max_header_delay must be positive")
	case p.MaxBatchDelay.Duration <= 0:
		return fmt.Errorf("max_batch_delay must be positive")
	case p.TimeoutDelay.Duration <= 0:
		return fmt.Errorf("timeout_delay must be positive")
	case p.SyncRetryDelay.Duration <= 0:
		return fmt.Errorf("sync_retry_delay must be positive")
	case p.ChannelCapacity <= 0:
		return fmt.Errorf("channel_capacity must be positive")
	case p.GCDepth == 0:
		return fmt.Errorf("gc_depth must be positive")
	}

	return nil
}

// Log prints the parameters in the format parsed by the benchmark scripts.
func (p Parameters) Log() {
	logger.Info(fmt.Sprintf("Header size set to %d B", p.HeaderSize))
	logger.Info(fmt.Sprintf("Max header delay set to %d ms", p.MaxHeaderDelay.Milliseconds()))
	logger.Info(fmt.Sprintf("Timeout delay set to %d ms", p.TimeoutDelay.Milliseconds()))
	logger.Info(fmt.Sprintf("Garbage collection depth set to %d rounds", p.GCDepth))
	logger.Info(fmt.Sprintf("Sync retry delay set to %d ms", p.SyncRetryDelay.Milliseconds()))
	logger.Info(fmt.Sprintf("Sync retry nodes set to %d nodes", p.SyncRetryNodes))
	logger.Info(fmt.Sprintf("Batch size set to %d B", p.BatchSize))
	logger.Info(fmt.Sprintf("Max batch delay set to %d ms", p.MaxBatchDelay.Milliseconds()))
}
