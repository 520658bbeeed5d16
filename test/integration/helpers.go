// Package integration runs whole committees in-process over QUIC.
package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"DagBFT/internal/config"
	"DagBFT/internal/crypto"
	"DagBFT/internal/primary"
	"DagBFT/internal/storage"
	"DagBFT/internal/worker"
)

// Node is one authority: a primary with a single worker.
type Node struct {
	Keys    *crypto.KeyPair
	Primary *primary.Primary
	Worker  *worker.Worker

	mu        sync.Mutex
	committed []*primary.Header
}

// Committed returns a copy of the headers the primary has output so far.
func (n *Node) Committed() []*primary.Header {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]*primary.Header(nil), n.committed...)
}

// HighestRound returns the round of the last output header.
func (n *Node) HighestRound() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.committed) == 0 {
		return 0
	}

	return n.committed[len(n.committed)-1].Round
}

// Cluster is a running committee.
type Cluster struct {
	Committee *config.Committee
	Nodes     []*Node
}

// testParameters keeps rounds short so tests finish quickly.
func testParameters() config.Parameters {
	p := config.DefaultParameters()
	p.HeaderSize = 1
	p.MaxHeaderDelay = config.Duration{Duration: 100 * time.Millisecond}
	p.TimeoutDelay = config.Duration{Duration: time.Second}
	p.SyncRetryDelay = config.Duration{Duration: 500 * time.Millisecond}
	p.BatchSize = 1_000
	p.MaxBatchDelay = config.Duration{Duration: 50 * time.Millisecond}

	return p
}

// freeAddr reserves a UDP port on the loopback interface.
func freeAddr(t *testing.T) string {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer conn.Close()

	return conn.LocalAddr().String()
}

// newCommittee creates n authorities with one worker each.
func newCommittee(t *testing.T, n int) (*config.Committee, []*crypto.KeyPair) {
	t.Helper()

	authorities := make([]*config.Authority, n)
	keys := make([]*crypto.KeyPair, n)

	for i := range n {
		kp, err := crypto.KeyPairFromSeed(bytes.Repeat([]byte{byte(i + 1)}, 32))
		if err != nil {
			t.Fatalf("key pair: %v", err)
		}

		keys[i] = kp
		authorities[i] = &config.Authority{
			Name:   kp.Name,
			BLSKey: kp.BLSPublic(),
			BLSPoP: kp.ProofOfPossession(),
			Primary: config.PrimaryAddresses{
				PrimaryToPrimary: freeAddr(t),
				WorkerToPrimary:  freeAddr(t),
			},
			Workers: map[config.WorkerID]config.WorkerAddresses{
				0: {
					PrimaryToWorker: freeAddr(t),
					Transactions:    freeAddr(t),
					WorkerToWorker:  freeAddr(t),
				},
			},
		}
	}

	committee, err := config.NewCommittee(0, authorities)
	if err != nil {
		t.Fatalf("committee: %v", err)
	}

	return committee, keys
}

// startCluster boots the first `running` of n authorities and stops them
// when the test ends.
func startCluster(t *testing.T, n, running int, params config.Parameters) *Cluster {
	t.Helper()

	committee, keys := newCommittee(t, n)
	c := &Cluster{Committee: committee}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	for _, kp := range keys[:running] {
		node := startNode(t, ctx, g, kp, committee, params)
		c.Nodes = append(c.Nodes, node)
	}

	t.Cleanup(func() {
		cancel()

		if err := g.Wait(); err != nil {
			t.Errorf("cluster: %v", err)
		}

		for _, node := range c.Nodes {
			node.Primary.Close()
			node.Worker.Close()
		}
	})

	return c
}

func startNode(t *testing.T, ctx context.Context, g *errgroup.Group, kp *crypto.KeyPair, committee *config.Committee, params config.Parameters) *Node {
	t.Helper()

	primaryStore := newStore(t)
	workerStore := newStore(t)

	p, err := primary.New(kp, committee, params, primaryStore)
	if err != nil {
		t.Fatalf("primary: %v", err)
	}

	w, err := worker.New(kp, 0, committee, params, workerStore)
	if err != nil {
		p.Close()
		t.Fatalf("worker: %v", err)
	}

	node := &Node{Keys: kp, Primary: p, Worker: w}

	g.Go(func() error { return ignoreCancel(p.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(w.Run(ctx)) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case h := <-p.Output():
				node.mu.Lock()
				node.committed = append(node.committed, h)
				node.mu.Unlock()
			}
		}
	})

	return node
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()

	store, err := storage.NewMemory()
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	t.Cleanup(func() { store.Close() })

	return store
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(50 * time.Millisecond)
	}
}

// describe summarises progress for failure messages.
func (c *Cluster) describe() string {
	var b bytes.Buffer
	for i, n := range c.Nodes {
		fmt.Fprintf(&b, "node %d: round %d; ", i, n.HighestRound())
	}

	return b.String()
}
