package worker

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"DagBFT/internal/config"
	"DagBFT/internal/crypto"
	"DagBFT/internal/primary"
	"DagBFT/internal/storage"
)

const testRetryDelay = 2 * time.Second

// testSynchronizer is a synchronizer of authority 0 driven by direct calls.
type testSynchronizer struct {
	s         *synchronizer
	ctx       context.Context
	clock     clockwork.FakeClock
	sender    *recordingSender
	store     *storage.Store
	committee *config.Committee
	names     []crypto.PublicKey
}

func newTestSynchronizer(t *testing.T) *testSynchronizer {
	t.Helper()

	committee, names := testCommittee(t, 4)

	ts := &testSynchronizer{
		clock:     clockwork.NewFakeClock(),
		sender:    &recordingSender{},
		store:     newTestStore(t),
		committee: committee,
		names:     names,
	}

	ts.s = newSynchronizer(names[0], 0, committee, ts.store, ts.sender, testRetryDelay, 2, ts.clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ts.ctx = ctx

	t.Cleanup(func() {
		cancel()
		ts.s.wg.Wait()
	})

	return ts
}

func TestSynchronizerRequestsMissing(t *testing.T) {
	ts := newTestSynchronizer(t)

	stored := storeBatch(t, ts.store, "stored")
	missing := crypto.Hash([]byte("missing"))

	ts.s.synchronize(ts.ctx, &primary.Synchronize{Digests: []crypto.Digest{stored, missing}, Target: ts.names[2], Round: 1})

	sent := ts.sender.messages()
	if len(sent) != 1 {
		t.Fatalf("requests: got %d, want 1", len(sent))
	}

	addr, _ := ts.committee.Worker(ts.names[2], 0)
	if sent[0].address != addr.WorkerToWorker {
		t.Errorf("request sent to %s, want the target's worker", sent[0].address)
	}

	req := decodeRequests(t, sent)[0]
	if len(req.Digests) != 1 || req.Digests[0] != missing || req.Requestor != ts.names[0] {
		t.Fatalf("unexpected request %+v", req)
	}

	// Already pending.
	ts.s.synchronize(ts.ctx, &primary.Synchronize{Digests: []crypto.Digest{missing}, Target: ts.names[2], Round: 1})
	if len(ts.sender.messages()) != 1 {
		t.Fatal("pending batch requested twice")
	}
}

func TestSynchronizerRetries(t *testing.T) {
	ts := newTestSynchronizer(t)
	missing := crypto.Hash([]byte("missing"))

	ts.s.synchronize(ts.ctx, &primary.Synchronize{Digests: []crypto.Digest{missing}, Target: ts.names[1], Round: 1})

	ts.s.retry()
	if len(ts.sender.messages()) != 1 {
		t.Fatal("retried before the retry delay")
	}

	ts.clock.Advance(testRetryDelay)
	ts.s.retry()

	retries := ts.sender.messages()[1:]
	if len(retries) != 2 {
		t.Fatalf("retries: got %d, want 2", len(retries))
	}

	for _, m := range retries {
		if m.address == "" {
			t.Fatal("retry without address")
		}
	}

	for _, req := range decodeRequests(t, retries) {
		if len(req.Digests) != 1 || req.Digests[0] != missing {
			t.Fatalf("unexpected retry %+v", req)
		}
	}

	ts.s.retry()
	if len(ts.sender.messages()) != 3 {
		t.Fatal("retried again before the retry delay")
	}
}

func TestSynchronizerStoredBatchCompletes(t *testing.T) {
	ts := newTestSynchronizer(t)

	b := Batch{[]byte("late")}
	serialized := b.Serialize()
	d := crypto.Hash(serialized)

	ts.s.synchronize(ts.ctx, &primary.Synchronize{Digests: []crypto.Digest{d}, Target: ts.names[1], Round: 1})

	if err := ts.store.Write(batchKey(d), serialized); err != nil {
		t.Fatalf("store batch: %v", err)
	}

	select {
	case got := <-ts.s.done:
		if got != d {
			t.Fatalf("completed %s, want %s", got, d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stored batch not reported")
	}
}

func TestSynchronizerCleanup(t *testing.T) {
	ts := newTestSynchronizer(t)

	old := crypto.Hash([]byte("old"))
	recent := crypto.Hash([]byte("recent"))

	ts.s.synchronize(ts.ctx, &primary.Synchronize{Digests: []crypto.Digest{old}, Target: ts.names[1], Round: 1})
	ts.s.synchronize(ts.ctx, &primary.Synchronize{Digests: []crypto.Digest{recent}, Target: ts.names[1], Round: 5})

	ts.s.cleanup(3)

	if _, ok := ts.s.pending[old]; ok {
		t.Error("request below the cleanup round kept")
	}
	if _, ok := ts.s.pending[recent]; !ok {
		t.Error("recent request dropped")
	}

	before := len(ts.sender.messages())
	ts.s.synchronize(ts.ctx, &primary.Synchronize{Digests: []crypto.Digest{old}, Target: ts.names[1], Round: 1})

	if len(ts.sender.messages()) != before {
		t.Fatal("order below the cleanup round served")
	}
}

func TestSynchronizerRun(t *testing.T) {
	committee, names := testCommittee(t, 4)
	store := newTestStore(t)
	sender := &recordingSender{}
	orders := make(chan any)

	s := newSynchronizer(names[0], 0, committee, store, sender, testRetryDelay, 2, clockwork.NewFakeClock(), orders)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	missing := crypto.Hash([]byte("missing"))
	orders <- &primary.Synchronize{Digests: []crypto.Digest{missing}, Target: names[3], Round: 1}
	orders <- &primary.Cleanup{Round: 2}

	eventually(t, "batch request", func() bool { return len(sender.messages()) == 1 })

	cancel()
	<-done
}
