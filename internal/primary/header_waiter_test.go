package primary

import (
	"context"
	"testing"
	"time"

	"DagBFT/internal/storage"
)

// testWaiter is a running header waiter with its channels exposed.
type testWaiter struct {
	store  *storage.Store
	sender *recordingSender
	in     chan any
	out    chan *Proposal
}

// startWaiter runs the header waiter of authority me until the test ends.
func startWaiter(t *testing.T, f *fixture, me int) *testWaiter {
	t.Helper()

	tw := &testWaiter{
		store:  newTestStore(t),
		sender: &recordingSender{},
		in:     make(chan any),
		out:    make(chan *Proposal, 10),
	}

	w := newHeaderWaiter(f.name(me), f.committee, tw.store, tw.sender, tw.in, tw.out)

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return tw
}

// markAvailable writes the payload marker of ref.
func (tw *testWaiter) markAvailable(t *testing.T, ref BatchRef) {
	t.Helper()

	if err := tw.store.Write(payloadKey(ref), ref.Digest.Bytes()); err != nil {
		t.Fatalf("write marker: %v", err)
	}
}

// TestHeaderWaiterSynchronizes tests that missing batches are requested from
// our worker and the proposal returns once they are stored.
func TestHeaderWaiterSynchronizes(t *testing.T) {
	f := newFixture(t, 4)
	leader := f.leader(0)
	me := (leader + 1) % 4
	tw := startWaiter(t, f, me)

	stored, missing := testBatch(1), testBatch(2)
	tw.markAvailable(t, stored)

	p := &Proposal{Header: f.header(t, leader, 0, []BatchRef{stored, missing}, nil)}
	tw.in <- p

	eventually(t, "synchronize order", func() bool { return len(tw.sender.messages()) == 1 })

	sent := tw.sender.messages()[0]
	w, _ := f.committee.Worker(f.name(me), 0)
	if sent.address != w.PrimaryToWorker {
		t.Fatalf("order sent to %s, want our worker", sent.address)
	}

	msg, err := DecodeWorkerOrder(sent.data)
	if err != nil {
		t.Fatalf("decode order: %v", err)
	}

	sync, ok := msg.(*Synchronize)
	if !ok {
		t.Fatalf("got %T, want *Synchronize", msg)
	}
	if len(sync.Digests) != 1 || sync.Digests[0] != missing.Digest || sync.Target != f.name(leader) || sync.Round != 0 {
		t.Fatalf("unexpected order %+v", sync)
	}

	select {
	case <-tw.out:
		t.Fatal("proposal returned before its payload was stored")
	case <-time.After(50 * time.Millisecond):
	}

	tw.markAvailable(t, missing)

	select {
	case got := <-tw.out:
		if got != p {
			t.Fatal("unexpected proposal")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("proposal not returned")
	}
}

// TestHeaderWaiterDuplicate tests that a header is synchronized once.
func TestHeaderWaiterDuplicate(t *testing.T) {
	f := newFixture(t, 4)
	leader := f.leader(0)
	tw := startWaiter(t, f, (leader+1)%4)

	p := &Proposal{Header: f.header(t, leader, 0, []BatchRef{testBatch(1)}, nil)}
	tw.in <- p
	tw.in <- p

	// The waiter handles messages in order: this one is done once the next is accepted.
	tw.in <- &Cleanup{Round: 0}

	if got := len(tw.sender.messages()); got != 1 {
		t.Fatalf("synchronize orders: got %d, want 1", got)
	}
}

// TestHeaderWaiterCleanup tests that waits below the cleanup round are dropped.
func TestHeaderWaiterCleanup(t *testing.T) {
	f := newFixture(t, 4)
	tw := startWaiter(t, f, 0)

	old := &Proposal{Header: f.header(t, f.leader(1), 1, []BatchRef{testBatch(1)}, nil)}
	tw.in <- old
	tw.in <- &Cleanup{Round: 2}

	// A proposal with no payload returns at once, after the cleanup ran.
	marker := &Proposal{Header: f.header(t, f.leader(2), 2, nil, nil)}
	tw.in <- marker

	select {
	case got := <-tw.out:
		if got != marker {
			t.Fatal("cancelled proposal returned")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("proposal without payload not returned")
	}

	tw.markAvailable(t, testBatch(1))

	select {
	case <-tw.out:
		t.Fatal("cancelled proposal returned")
	case <-time.After(50 * time.Millisecond):
	}
}
