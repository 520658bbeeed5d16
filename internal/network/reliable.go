package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"DagBFT/internal/logger"
)

const (
	// ackTimeout bounds the wait for one acknowledgement.
	ackTimeout = 10 * time.Second
)

// ErrCancelled is returned by CancelHandler.Wait when the send was cancelled.
var ErrCancelled = errors.New("send cancelled")

// CancelHandler tracks one reliable send. Done is closed once the receiver
// acknowledged the message; Cancel stops retrying.
type CancelHandler struct {
	done       chan struct{}
	cancelled  chan struct{}
	doneOnce   sync.Once
	cancelOnce sync.Once
}

// NewCancelHandler creates a pending handler.
func NewCancelHandler() *CancelHandler {
	return &CancelHandler{
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

// Complete marks the message as delivered.
func (h *CancelHandler) Complete() {
	h.doneOnce.Do(func() { close(h.done) })
}

// Cancel stops awaiting delivery. It does not affect other sends.
func (h *CancelHandler) Cancel() {
	h.cancelOnce.Do(func() { close(h.cancelled) })
}

// Done is closed when the message was acknowledged.
func (h *CancelHandler) Done() <-chan struct{} {
	return h.done
}

// Cancelled reports whether Cancel was called.
func (h *CancelHandler) Cancelled() bool {
	select {
	case <-h.cancelled:
		return true
	default:
		return false
	}
}

// Wait blocks until delivery, cancellation, or ctx is done.
func (h *CancelHandler) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-h.cancelled:
		return ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReliableSender retransmits every message until the receiver acknowledges
// it or the returned CancelHandler is cancelled.
type ReliableSender struct {
	pool   *connPool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReliableSender creates a reliable sender.
func NewReliableSender(key ed25519.PrivateKey) (*ReliableSender, error) {
	tlsConfig, err := newTLSConfig(key)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ReliableSender{
		pool:   newConnPool(tlsConfig),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Send starts delivering data to address and returns its handler.
func (s *ReliableSender) Send(address string, data []byte) *CancelHandler {
	handler := NewCancelHandler()

	if s.ctx.Err() != nil {
		handler.Cancel()
		return handler
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(address, data, handler)
	}()

	return handler
}

// Broadcast sends data to every address.
func (s *ReliableSender) Broadcast(addresses []string, data []byte) []*CancelHandler {
	handlers := make([]*CancelHandler, len(addresses))
	for i, address := range addresses {
		handlers[i] = s.Send(address, data)
	}

	return handlers
}

// Close abandons pending sends and closes connections.
func (s *ReliableSender) Close() {
	s.cancel()
	s.wg.Wait()
	s.pool.close()
}

// deliver retries until acknowledged, cancelled, or the sender is closed.
func (s *ReliableSender) deliver(address string, data []byte, handler *CancelHandler) {
	delay := initialRetryDelay

	for {
		if handler.Cancelled() {
			return
		}

		err := s.exchange(address, data)
		if err == nil {
			handler.Complete()
			return
		}

		logger.Debug("reliable send failed, retrying", "address", address, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-handler.cancelled:
			return
		case <-s.ctx.Done():
			return
		}

		delay = nextDelay(delay)
	}
}

// exchange writes data on a bidirectional stream and waits for the ack.
func (s *ReliableSender) exchange(address string, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, ackTimeout)
	defer cancel()

	conn, err := s.pool.get(ctx, address)
	if err != nil {
		return err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		s.pool.drop(address, conn)
		return fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(ackTimeout))

	if err := writeMessage(stream, data); err != nil {
		s.pool.drop(address, conn)
		return err
	}

	reply, err := readMessage(stream)
	if err != nil {
		return fmt.Errorf("read ack:\n%w", err)
	}

	if !bytes.Equal(reply, ackMessage) {
		return fmt.Errorf("unexpected ack %q", reply)
	}

	return nil
}
