package worker

import (
	"bytes"
	"errors"
	"testing"

	"DagBFT/internal/crypto"
)

func TestBatchSerialize(t *testing.T) {
	cases := []Batch{
		{},
		{[]byte("a")},
		{[]byte("first"), {}, bytes.Repeat([]byte{7}, 1_000)},
	}

	for _, b := range cases {
		got, err := ParseBatch(b.Serialize())
		if err != nil {
			t.Fatalf("parse %d transactions: %v", len(b), err)
		}

		if len(got) != len(b) {
			t.Fatalf("transactions: got %d, want %d", len(got), len(b))
		}

		for i := range b {
			if !bytes.Equal(got[i], b[i]) {
				t.Errorf("transaction %d differs", i)
			}
		}
	}
}

func TestParseBatchMalformed(t *testing.T) {
	valid := Batch{[]byte("hello"), []byte("world")}.Serialize()

	cases := map[string][]byte{
		"empty":          nil,
		"truncated":      valid[:len(valid)-1],
		"trailing bytes": append(append([]byte(nil), valid...), 0),
		"huge count":     {0xff, 0xff, 0xff, 0xff, 0, 0, 0, 1},
		"huge length":    {0, 0, 0, 1, 0xff, 0xff, 0xff, 0xff, 'x'},
	}

	for name, data := range cases {
		if _, err := ParseBatch(data); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: got %v, want ErrMalformed", name, err)
		}
	}
}

func TestEncodeBatch(t *testing.T) {
	serialized := Batch{bytes.Repeat([]byte("tx"), 500), []byte("other")}.Serialize()

	data := EncodeBatch(serialized)
	if len(data) >= len(serialized) {
		t.Errorf("repetitive batch not compressed: %d >= %d", len(data), len(serialized))
	}

	msg, err := DecodeWorkerMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	b, ok := msg.(*BatchMessage)
	if !ok {
		t.Fatalf("got %T, want *BatchMessage", msg)
	}

	if !bytes.Equal(b.Serialized, serialized) {
		t.Fatal("batch differs after round trip")
	}
	if b.Digest != crypto.Hash(serialized) {
		t.Fatal("digest must cover the uncompressed batch")
	}
}

func TestBatchRequestRoundTrip(t *testing.T) {
	_, names := testCommittee(t, 1)

	req := &BatchRequest{
		Digests:   []crypto.Digest{crypto.Hash([]byte("a")), crypto.Hash([]byte("b"))},
		Requestor: names[0],
	}

	msg, err := DecodeWorkerMessage(EncodeBatchRequest(req))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	got, ok := msg.(*BatchRequest)
	if !ok {
		t.Fatalf("got %T, want *BatchRequest", msg)
	}

	if got.Requestor != req.Requestor || len(got.Digests) != 2 ||
		got.Digests[0] != req.Digests[0] || got.Digests[1] != req.Digests[1] {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestDecodeWorkerMessageMalformed(t *testing.T) {
	_, names := testCommittee(t, 1)
	req := EncodeBatchRequest(&BatchRequest{Digests: []crypto.Digest{{1}}, Requestor: names[0]})

	cases := map[string][]byte{
		"empty":             nil,
		"unknown type":      {0x7f, 1, 2, 3},
		"not zstd":          {msgTypeBatch, 1, 2, 3, 4},
		"truncated request": req[:len(req)-1],
		"short request":     req[:10],
	}

	for name, data := range cases {
		if _, err := DecodeWorkerMessage(data); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: got %v, want ErrMalformed", name, err)
		}
	}
}
