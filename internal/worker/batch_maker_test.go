package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// testMaker is a running batch maker with its channels exposed.
type testMaker struct {
	clock    clockwork.FakeClock
	reliable *recordingReliable
	txs      chan []byte
	sealed   chan *sealedBatch
	peers    []string
}

// startMaker runs a batch maker until the test ends.
func startMaker(t *testing.T, batchSize int) *testMaker {
	t.Helper()

	tm := &testMaker{
		clock:    clockwork.NewFakeClock(),
		reliable: &recordingReliable{},
		txs:      make(chan []byte),
		sealed:   make(chan *sealedBatch, 10),
		peers:    []string{"peer-1", "peer-2", "peer-3"},
	}

	m := newBatchMaker(batchSize, time.Second, tm.clock, tm.reliable, tm.peers, tm.txs, tm.sealed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return tm
}

// next waits for one sealed batch.
func (tm *testMaker) next(t *testing.T) *sealedBatch {
	t.Helper()

	select {
	case b := <-tm.sealed:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("no batch sealed")
		return nil
	}
}

// none checks that no batch was sealed.
func (tm *testMaker) none(t *testing.T) {
	t.Helper()

	select {
	case b := <-tm.sealed:
		t.Fatalf("unexpected batch %s", b.digest)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBatchMakerSealsOnSize(t *testing.T) {
	tm := startMaker(t, 10)

	tm.txs <- []byte("12345")
	tm.none(t)
	tm.txs <- []byte("67890")

	b := tm.next(t)

	parsed, err := ParseBatch(b.serialized)
	if err != nil {
		t.Fatalf("parse sealed batch: %v", err)
	}
	if len(parsed) != 2 || string(parsed[0]) != "12345" || string(parsed[1]) != "67890" {
		t.Fatalf("unexpected batch %q", parsed)
	}

	if len(b.handlers) != len(tm.peers) {
		t.Fatalf("handlers: got %d, want %d", len(b.handlers), len(tm.peers))
	}

	sent := tm.reliable.messages()
	if len(sent) != len(tm.peers) {
		t.Fatalf("broadcast to %d peers, want %d", len(sent), len(tm.peers))
	}

	for i, m := range sent {
		if m.address != tm.peers[i] {
			t.Errorf("message %d sent to %s", i, m.address)
		}

		msg, err := DecodeWorkerMessage(m.data)
		if err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		if got := msg.(*BatchMessage); got.Digest != b.digest || !bytes.Equal(got.Serialized, b.serialized) {
			t.Error("peers received a different batch")
		}
	}
}

func TestBatchMakerSealsOnDelay(t *testing.T) {
	tm := startMaker(t, 1_000)

	tm.txs <- []byte("lonely")
	tm.none(t)

	tm.clock.Advance(time.Second)

	b := tm.next(t)
	parsed, err := ParseBatch(b.serialized)
	if err != nil || len(parsed) != 1 {
		t.Fatalf("unexpected batch %q: %v", parsed, err)
	}
}

func TestBatchMakerSkipsEmptyBatches(t *testing.T) {
	tm := startMaker(t, 1_000)

	// The first transaction also makes sure the timer is running.
	tm.txs <- []byte("x")
	tm.clock.Advance(time.Second)
	tm.next(t)

	tm.clock.Advance(time.Second)
	tm.none(t)

	if got := len(tm.reliable.messages()); got != len(tm.peers) {
		t.Fatalf("broadcasts: got %d, want %d", got, len(tm.peers))
	}
}

func TestBatchMakerSampleTransactions(t *testing.T) {
	tm := startMaker(t, 20)

	sample := make([]byte, 10)
	sample[0] = sampleTxMarker
	binary.BigEndian.PutUint64(sample[1:9], 42)

	standard := make([]byte, 10)
	standard[0] = 1

	tm.txs <- sample
	tm.txs <- standard

	b := tm.next(t)
	parsed, err := ParseBatch(b.serialized)
	if err != nil || len(parsed) != 2 || !bytes.Equal(parsed[0], sample) {
		t.Fatalf("unexpected batch %q: %v", parsed, err)
	}
}
