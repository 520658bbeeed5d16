package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// dialTimeout bounds a single connection attempt.
	dialTimeout = 5 * time.Second

	// initialRetryDelay is the first delay between delivery attempts.
	initialRetryDelay = 200 * time.Millisecond

	// maxRetryDelay caps the exponential backoff between delivery attempts.
	maxRetryDelay = 10 * time.Second
)

// connPool keeps one outbound QUIC connection per address.
type connPool struct {
	tlsConfig *tls.Config
	mu        sync.Mutex
	conns     map[string]*quic.Conn
}

// newConnPool creates an empty pool.
func newConnPool(tlsConfig *tls.Config) *connPool {
	return &connPool{
		tlsConfig: tlsConfig,
		conns:     make(map[string]*quic.Conn),
	}
}

// get returns the connection to address, dialing it if needed.
func (p *connPool) get(ctx context.Context, address string) (*quic.Conn, error) {
	p.mu.Lock()
	conn, ok := p.conns[address]
	p.mu.Unlock()

	if ok && conn.Context().Err() == nil {
		return conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, address, p.tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", address, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another goroutine may have dialed concurrently; keep the first live one.
	if existing, ok := p.conns[address]; ok && existing.Context().Err() == nil {
		conn.CloseWithError(0, "duplicate")
		return existing, nil
	}

	p.conns[address] = conn

	return conn, nil
}

// drop forgets conn if it is still the pooled connection for address.
func (p *connPool) drop(address string, conn *quic.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conns[address] == conn {
		delete(p.conns, address)
		conn.CloseWithError(0, "dropped")
	}
}

// close closes every pooled connection.
func (p *connPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for address, conn := range p.conns {
		conn.CloseWithError(0, "closed")
		delete(p.conns, address)
	}
}

// nextDelay doubles delay up to maxRetryDelay.
func nextDelay(delay time.Duration) time.Duration {
	delay *= 2
	if delay > maxRetryDelay {
		return maxRetryDelay
	}

	return delay
}
