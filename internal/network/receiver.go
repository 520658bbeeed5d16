package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/quic-go/quic-go"

	"DagBFT/internal/logger"
)

// MessageHandler processes one inbound message. Handlers may block to apply
// backpressure; the sender's acknowledgement waits for Dispatch to return.
type MessageHandler interface {
	Dispatch(ctx context.Context, msg []byte) error
}

// HandlerFunc adapts a function to MessageHandler.
type HandlerFunc func(ctx context.Context, msg []byte) error

// Dispatch calls f.
func (f HandlerFunc) Dispatch(ctx context.Context, msg []byte) error {
	return f(ctx, msg)
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithDedup drops messages identical to one seen within ttl.
func WithDedup(ttl time.Duration) ReceiverOption {
	return func(r *Receiver) {
		r.dedup = NewDedup(ttl, clockwork.NewRealClock())
	}
}

// Receiver accepts QUIC connections on one address and hands every framed
// message to its handler. Messages arriving on bidirectional streams are
// acknowledged once handled.
type Receiver struct {
	address   string         // address is the address to listen on
	handler   MessageHandler // handler receives every message
	tlsConfig *tls.Config    // tlsConfig is the TLS configuration
	dedup     *Dedup         // dedup filters retransmissions, may be nil
	listener  *quic.Listener // listener is set by Listen
	wg        sync.WaitGroup // wg waits for connection goroutines
}

// NewReceiver creates a receiver for address.
func NewReceiver(address string, key ed25519.PrivateKey, handler MessageHandler, opts ...ReceiverOption) (*Receiver, error) {
	tlsConfig, err := newTLSConfig(key)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		address:   address,
		handler:   handler,
		tlsConfig: tlsConfig,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Listen binds the listening socket.
func (r *Receiver) Listen() error {
	listener, err := quic.ListenAddr(r.address, r.tlsConfig, quicConfig)
	if err != nil {
		return fmt.Errorf("listen on %s:\n%w", r.address, err)
	}

	r.listener = listener

	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (r *Receiver) Addr() string {
	if r.listener == nil {
		return r.address
	}

	return r.listener.Addr().String()
}

// Run listens (if not already listening) and serves until ctx is done.
func (r *Receiver) Run(ctx context.Context) error {
	if r.listener == nil {
		if err := r.Listen(); err != nil {
			return err
		}
	}

	logger.Debug("listening", "address", r.Addr())

	go func() {
		<-ctx.Done()
		r.listener.Close()
	}()

	for {
		conn, err := r.listener.Accept(ctx)
		if err != nil {
			break
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.serveConn(ctx, conn)
		}()
	}

	r.wg.Wait()

	return nil
}

// serveConn accepts streams of one connection until it closes.
func (r *Receiver) serveConn(ctx context.Context, conn *quic.Conn) {
	defer conn.CloseWithError(0, "closed")

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				return
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				r.handleBidiStream(ctx, stream)
			}()
		}
	}()

	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			logger.Debug("connection closed", "remote", conn.RemoteAddr(), "error", err)
			conn.CloseWithError(0, "closed")
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			r.handleUniStream(ctx, stream)
		}()
	}
}

// handleUniStream reads and dispatches one fire-and-forget message.
func (r *Receiver) handleUniStream(ctx context.Context, stream *quic.ReceiveStream) {
	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "address", r.address, "error", err)
		return
	}

	r.dispatch(ctx, data)
}

// handleBidiStream reads, dispatches and acknowledges one message.
func (r *Receiver) handleBidiStream(ctx context.Context, stream *quic.Stream) {
	defer stream.Close()

	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "address", r.address, "error", err)
		return
	}

	r.dispatch(ctx, data)

	if err := writeMessage(stream, ackMessage); err != nil {
		logger.Debug("ack write error", "address", r.address, "error", err)
	}
}

// dispatch hands data to the handler unless it is a recent duplicate.
func (r *Receiver) dispatch(ctx context.Context, data []byte) {
	if r.dedup != nil && !r.dedup.Check(data) {
		return
	}

	if err := r.handler.Dispatch(ctx, data); err != nil {
		logger.Warn("message rejected", "address", r.address, "error", err)
	}
}
