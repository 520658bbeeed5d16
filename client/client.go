// Package client implements the benchmark load generator that feeds
// transactions to one worker at a fixed rate.
package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"

	"DagBFT/internal/logger"
)

const (
	// precision is the number of bursts sent per second.
	precision = 20

	// burstDuration is the interval between two bursts.
	burstDuration = time.Second / precision

	// sampleMarker and standardMarker tag the first byte of a transaction.
	sampleMarker   = 0
	standardMarker = 1

	// minSize leaves room for the marker and the 8-byte counter.
	minSize = 9
)

// ErrInvalidConfig is returned when the client settings cannot work.
var ErrInvalidConfig = errors.New("invalid client configuration")

// Sender delivers one transaction to an address.
type Sender interface {
	Send(address string, data []byte)
}

// Config holds the load settings.
type Config struct {
	Target string // Target is the worker transactions address
	Size   int    // Size is the transaction size in bytes
	Rate   uint64 // Rate is the number of transactions per second
}

// Client sends transactions of a fixed size at a fixed rate. One
// transaction per burst is a sample carrying a counter the benchmark
// scripts use to measure latency.
type Client struct {
	cfg    Config
	sender Sender
	clock  clockwork.Clock
	rng    *rand.Rand
}

// New creates a client.
func New(cfg Config, sender Sender, clock clockwork.Clock) (*Client, error) {
	if cfg.Size < minSize {
		return nil, fmt.Errorf("%w: transaction size must be at least %d bytes", ErrInvalidConfig, minSize)
	}

	if cfg.Rate < precision {
		return nil, fmt.Errorf("%w: rate must be at least %d tx/s", ErrInvalidConfig, precision)
	}

	if cfg.Target == "" {
		return nil, fmt.Errorf("%w: missing target", ErrInvalidConfig)
	}

	return &Client{
		cfg:    cfg,
		sender: sender,
		clock:  clock,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}, nil
}

// Run sends bursts until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	burst := c.cfg.Rate / precision

	logger.Info(fmt.Sprintf("Node address: %s", c.cfg.Target))
	logger.Info(fmt.Sprintf("Transactions size: %d B", c.cfg.Size))
	logger.Info(fmt.Sprintf("Transactions rate: %d tx/s", c.cfg.Rate))
	logger.Info("Start sending transactions")

	ticker := c.clock.NewTicker(burstDuration)
	defer ticker.Stop()

	var counter uint64

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}

		start := c.clock.Now()

		c.burst(counter, burst)
		counter++

		if c.clock.Since(start) > burstDuration {
			logger.Warn("Transaction rate too high for this client")
		}
	}
}

// burst sends one sample transaction followed by n-1 standard ones.
func (c *Client) burst(counter, n uint64) {
	logger.Info(fmt.Sprintf("Sending sample transaction %d", counter))

	for i := uint64(0); i < n; i++ {
		if i == 0 {
			c.sender.Send(c.cfg.Target, SampleTransaction(counter, c.cfg.Size))
		} else {
			c.sender.Send(c.cfg.Target, StandardTransaction(c.rng.Uint64(), c.cfg.Size))
		}
	}
}

// SampleTransaction builds a tracked transaction carrying id.
func SampleTransaction(id uint64, size int) []byte {
	return transaction(sampleMarker, id, size)
}

// StandardTransaction builds an untracked transaction. The nonce keeps
// transactions distinct.
func StandardTransaction(nonce uint64, size int) []byte {
	return transaction(standardMarker, nonce, size)
}

func transaction(marker byte, value uint64, size int) []byte {
	tx := make([]byte, size)
	tx[0] = marker
	binary.BigEndian.PutUint64(tx[1:minSize], value)

	return tx
}

// SampleID returns the id of a sample transaction.
func SampleID(tx []byte) (uint64, bool) {
	if len(tx) < minSize || tx[0] != sampleMarker {
		return 0, false
	}

	return binary.BigEndian.Uint64(tx[1:minSize]), true
}
