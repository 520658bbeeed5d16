package config

import (
	"errors"
	"fmt"
	"slices"

	"DagBFT/internal/crypto"
)

var (
	// ErrUnknownAuthority is returned for names absent from the committee.
	ErrUnknownAuthority = errors.New("unknown authority")

	// ErrUnknownWorker is returned for worker ids an authority does not run.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrInvalidPossession is returned for BLS keys without a valid proof of
	// possession.
	ErrInvalidPossession = errors.New("invalid BLS proof of possession")
)

// WorkerID is the index of a worker under its primary.
type WorkerID uint32

// PrimaryAddresses are the listening addresses of an authority's primary.
type PrimaryAddresses struct {
	PrimaryToPrimary string // PrimaryToPrimary receives proposals, votes and certificates
	WorkerToPrimary  string // WorkerToPrimary receives batch digests from own workers
}

// WorkerAddresses are the listening addresses of one worker.
type WorkerAddresses struct {
	PrimaryToWorker string // PrimaryToWorker receives Synchronize and Cleanup
	Transactions    string // Transactions receives client transactions
	WorkerToWorker  string // WorkerToWorker receives batches and batch requests
}

// Authority is one committee member.
type Authority struct {
	Name    crypto.PublicKey             // Name is the Ed25519 identity
	BLSKey  *crypto.BLSPublicKey         // BLSKey verifies consensus signatures
	BLSPoP  crypto.Signature             // BLSPoP proves possession of BLSKey
	Primary PrimaryAddresses             // Primary holds the primary's addresses
	Workers map[WorkerID]WorkerAddresses // Workers holds addresses per worker id
}

// WorkerPeer is a worker of some authority.
type WorkerPeer struct {
	Name      crypto.PublicKey // Name is the owning authority
	Addresses WorkerAddresses  // Addresses of the worker
}

// Committee is the immutable membership of one epoch.
// Authorities are kept in bytewise key order; positions in that order
// index signer bitmaps and the leader schedule.
type Committee struct {
	Epoch       uint64
	authorities map[crypto.PublicKey]*Authority
	keys        []crypto.PublicKey
	index       map[crypto.PublicKey]int
}

// NewCommittee builds a committee; names must be unique.
func NewCommittee(epoch uint64, authorities []*Authority) (*Committee, error) {
	if len(authorities) == 0 {
		return nil, fmt.Errorf("committee is empty")
	}

	c := &Committee{
		Epoch:       epoch,
		authorities: make(map[crypto.PublicKey]*Authority, len(authorities)),
		keys:        make([]crypto.PublicKey, 0, len(authorities)),
		index:       make(map[crypto.PublicKey]int, len(authorities)),
	}

	for _, a := range authorities {
		if a.BLSKey == nil {
			return nil, fmt.Errorf("authority %s has no BLS key", a.Name)
		}
		if !a.BLSKey.VerifyPossession(a.BLSPoP) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPossession, a.Name)
		}
		if _, ok := c.authorities[a.Name]; ok {
			return nil, fmt.Errorf("duplicate authority %s", a.Name)
		}

		c.authorities[a.Name] = a
		c.keys = append(c.keys, a.Name)
	}

	slices.SortFunc(c.keys, func(a, b crypto.PublicKey) int {
		return a.Compare(b)
	})

	for i, k := range c.keys {
		c.index[k] = i
	}

	return c, nil
}

// Size returns the number of authorities.
func (c *Committee) Size() int {
	return len(c.keys)
}

// QuorumThreshold returns 2f+1 for N = 3f+1 (and the equivalent bound otherwise).
func (c *Committee) QuorumThreshold() int {
	n := len(c.keys)
	return n - (n-1)/3
}

// ValidityThreshold returns f+1, the smallest set containing one honest authority.
func (c *Committee) ValidityThreshold() int {
	return (len(c.keys)-1)/3 + 1
}

// Authorities returns the authority names in bytewise order.
func (c *Committee) Authorities() []crypto.PublicKey {
	return slices.Clone(c.keys)
}

// At returns the authority name at position i of the sorted order.
func (c *Committee) At(i int) crypto.PublicKey {
	return c.keys[i]
}

// Index returns the position of name in the sorted order.
func (c *Committee) Index(name crypto.PublicKey) (int, bool) {
	i, ok := c.index[name]
	return i, ok
}

// Contains reports whether name is a committee member.
func (c *Committee) Contains(name crypto.PublicKey) bool {
	_, ok := c.authorities[name]
	return ok
}

// Authority returns the member called name.
func (c *Committee) Authority(name crypto.PublicKey) (*Authority, error) {
	a, ok := c.authorities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAuthority, name)
	}

	return a, nil
}

// BLSKey returns the BLS verification key of name.
func (c *Committee) BLSKey(name crypto.PublicKey) (*crypto.BLSPublicKey, error) {
	a, err := c.Authority(name)
	if err != nil {
		return nil, err
	}

	return a.BLSKey, nil
}

// Primary returns the primary addresses of name.
func (c *Committee) Primary(name crypto.PublicKey) (PrimaryAddresses, error) {
	a, err := c.Authority(name)
	if err != nil {
		return PrimaryAddresses{}, err
	}

	return a.Primary, nil
}

// OthersPrimaries returns every authority except name, in sorted order.
func (c *Committee) OthersPrimaries(name crypto.PublicKey) []*Authority {
	others := make([]*Authority, 0, len(c.keys))
	for _, k := range c.keys {
		if k != name {
			others = append(others, c.authorities[k])
		}
	}

	return others
}

// Worker returns the addresses of worker id of authority name.
func (c *Committee) Worker(name crypto.PublicKey, id WorkerID) (WorkerAddresses, error) {
	a, err := c.Authority(name)
	if err != nil {
		return WorkerAddresses{}, err
	}

	w, ok := a.Workers[id]
	if !ok {
		return WorkerAddresses{}, fmt.Errorf("%w: %s/%d", ErrUnknownWorker, name, id)
	}

	return w, nil
}

// OurWorkers returns all workers of authority name.
func (c *Committee) OurWorkers(name crypto.PublicKey) (map[WorkerID]WorkerAddresses, error) {
	a, err := c.Authority(name)
	if err != nil {
		return nil, err
	}

	return a.Workers, nil
}

// OthersWorkers returns worker id of every other authority that runs one.
func (c *Committee) OthersWorkers(name crypto.PublicKey, id WorkerID) []WorkerPeer {
	peers := make([]WorkerPeer, 0, len(c.keys))
	for _, k := range c.keys {
		if k == name {
			continue
		}

		if w, ok := c.authorities[k].Workers[id]; ok {
			peers = append(peers, WorkerPeer{Name: k, Addresses: w})
		}
	}

	return peers
}
