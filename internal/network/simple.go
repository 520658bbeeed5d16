package network

import (
	"context"
	"crypto/ed25519"
	"math/rand"
	"sync"
	"time"

	"DagBFT/internal/logger"
)

const (
	// simpleQueueSize is the number of messages buffered per destination.
	simpleQueueSize = 1_000

	// sendTimeout bounds writing one best-effort message.
	sendTimeout = 5 * time.Second
)

// SimpleSender delivers messages best-effort: each destination has a bounded
// queue drained by one goroutine, and messages that cannot be delivered
// (queue full, peer unreachable) are dropped.
type SimpleSender struct {
	pool   *connPool
	mu     sync.Mutex
	queues map[string]chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSimpleSender creates a best-effort sender.
func NewSimpleSender(key ed25519.PrivateKey) (*SimpleSender, error) {
	tlsConfig, err := newTLSConfig(key)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &SimpleSender{
		pool:   newConnPool(tlsConfig),
		queues: make(map[string]chan []byte),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Send queues data for address without waiting.
func (s *SimpleSender) Send(address string, data []byte) {
	queue := s.queue(address)
	if queue == nil {
		return
	}

	select {
	case queue <- data:
	default:
		logger.Debug("send queue full, dropping message", "address", address)
	}
}

// Broadcast sends data to every address.
func (s *SimpleSender) Broadcast(addresses []string, data []byte) {
	for _, address := range addresses {
		s.Send(address, data)
	}
}

// LuckyBroadcast sends data to n addresses picked at random.
func (s *SimpleSender) LuckyBroadcast(addresses []string, data []byte, n int) {
	s.Broadcast(pickRandom(addresses, n), data)
}

// Close stops every delivery goroutine and closes connections.
func (s *SimpleSender) Close() {
	s.cancel()
	s.wg.Wait()
	s.pool.close()
}

// queue returns the queue for address, starting its goroutine on first use.
func (s *SimpleSender) queue(address string) chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return nil
	}

	if q, ok := s.queues[address]; ok {
		return q
	}

	q := make(chan []byte, simpleQueueSize)
	s.queues[address] = q

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliverLoop(address, q)
	}()

	return q
}

// deliverLoop writes queued messages to address one at a time.
func (s *SimpleSender) deliverLoop(address string, queue chan []byte) {
	var retryAt time.Time

	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-queue:
			if time.Now().Before(retryAt) {
				continue
			}

			if err := s.deliver(address, data); err != nil {
				logger.Debug("best-effort send failed", "address", address, "error", err)
				retryAt = time.Now().Add(initialRetryDelay)
			}
		}
	}
}

// deliver writes data on a fresh unidirectional stream.
func (s *SimpleSender) deliver(address string, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
	defer cancel()

	conn, err := s.pool.get(ctx, address)
	if err != nil {
		return err
	}

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		s.pool.drop(address, conn)
		return err
	}

	stream.SetWriteDeadline(time.Now().Add(sendTimeout))

	if err := writeMessage(stream, data); err != nil {
		stream.CancelWrite(0)
		s.pool.drop(address, conn)
		return err
	}

	return stream.Close()
}

// pickRandom returns up to n addresses chosen uniformly at random.
func pickRandom(addresses []string, n int) []string {
	if n >= len(addresses) {
		return addresses
	}

	if n <= 0 {
		return nil
	}

	picked := make([]string, n)
	for i, idx := range rand.Perm(len(addresses))[:n] {
		picked[i] = addresses[idx]
	}

	return picked
}
