package network

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/zeebo/blake3"
)

// DefaultDedupTTL is how long a primary receiver remembers a message.
const DefaultDedupTTL = 1 * time.Second

// Dedup remembers message hashes for at least one TTL so that retransmissions
// by reliable senders reach the receiver's handler once.
//
// Hashes live in two generations. When the current generation is older than
// the TTL it becomes the previous one and the old previous one is dropped,
// so an entry survives between one and two TTLs without a sweeper goroutine.
type Dedup struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	ttl      time.Duration
	current  map[[32]byte]struct{}
	previous map[[32]byte]struct{}
	rotated  time.Time
}

// NewDedup creates a deduplication window of ttl.
func NewDedup(ttl time.Duration, clock clockwork.Clock) *Dedup {
	return &Dedup{
		clock:    clock,
		ttl:      ttl,
		current:  make(map[[32]byte]struct{}),
		previous: make(map[[32]byte]struct{}),
		rotated:  clock.Now(),
	}
}

// Check records data and reports whether it is new.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.rotate()

	if _, ok := d.current[hash]; ok {
		return false
	}

	if _, ok := d.previous[hash]; ok {
		d.current[hash] = struct{}{}
		return false
	}

	d.current[hash] = struct{}{}

	return true
}

// Len returns the number of remembered hashes.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.current) + len(d.previous)
}

func (d *Dedup) rotate() {
	elapsed := d.clock.Since(d.rotated)
	if elapsed < d.ttl {
		return
	}

	if elapsed >= 2*d.ttl {
		d.previous = make(map[[32]byte]struct{})
	} else {
		d.previous = d.current
	}

	d.current = make(map[[32]byte]struct{})
	d.rotated = d.clock.Now()
}
