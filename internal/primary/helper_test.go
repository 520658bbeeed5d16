package primary

import (
	"testing"

	"DagBFT/internal/crypto"
)

// TestCertificateHelperServesStored tests that only stored certificates are sent back.
func TestCertificateHelperServesStored(t *testing.T) {
	f := newFixture(t, 4)
	store := newTestStore(t)
	sender := &recordingSender{}
	chain := f.chain(t, 2)

	for _, c := range chain[:2] {
		if err := store.Write(certKey(c.Digest()), encodeStoredCertified(c)); err != nil {
			t.Fatalf("store certificate: %v", err)
		}
	}

	h := newCertificateHelper(f.committee, store, sender, nil)
	h.serve(&CertificatesRequest{
		Digests:   []crypto.Digest{chain[0].Digest(), chain[1].Digest(), chain[2].Digest()},
		Requestor: f.name(1),
	})

	sent := sender.messages()
	if len(sent) != 2 {
		t.Fatalf("replies: got %d, want 2", len(sent))
	}

	addr, _ := f.committee.Primary(f.name(1))
	for _, m := range sent {
		if m.address != addr.PrimaryToPrimary {
			t.Errorf("reply sent to %s, want the requestor", m.address)
		}
	}

	got := decodeAll[*Certified](t, sent)
	if len(got) != 2 || got[0].Digest() != chain[0].Digest() || got[1].Digest() != chain[1].Digest() {
		t.Fatal("unexpected certificates sent")
	}

	for _, c := range got {
		if err := c.Verify(f.committee); err != nil {
			t.Errorf("served certificate should verify: %v", err)
		}
	}
}

// TestCertificateHelperUnknownRequestor tests that strangers get no reply.
func TestCertificateHelperUnknownRequestor(t *testing.T) {
	f := newFixture(t, 4)
	store := newTestStore(t)
	sender := &recordingSender{}
	c := f.chain(t, 0)[0]

	if err := store.Write(certKey(c.Digest()), encodeStoredCertified(c)); err != nil {
		t.Fatalf("store certificate: %v", err)
	}

	stranger, err := crypto.KeyPairFromSeed(make([]byte, 32))
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}

	h := newCertificateHelper(f.committee, store, sender, nil)
	h.serve(&CertificatesRequest{Digests: []crypto.Digest{c.Digest()}, Requestor: stranger.Name})

	if len(sender.messages()) != 0 {
		t.Fatal("replied to an unknown authority")
	}
}
