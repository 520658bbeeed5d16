package primary

import (
	"encoding/binary"
	"fmt"

	"DagBFT/internal/config"
	"DagBFT/internal/crypto"
)

// Message types exchanged between a primary and its workers.
const (
	msgTypeOurBatch    = 0x10 // Batch sealed by the worker itself
	msgTypeOthersBatch = 0x11 // Batch received from another authority
	msgTypeSynchronize = 0x12 // Fetch batches from another authority
	msgTypeCleanup     = 0x13 // Drop synchronization state below a round
)

// BatchDigest is a worker's report that it stored a batch.
type BatchDigest struct {
	Digest crypto.Digest   // Digest is the batch content address
	Worker config.WorkerID // Worker is the reporting worker
	Own    bool            // Own is set when the worker sealed the batch itself
}

// Synchronize asks a worker to fetch batches from the same-id worker of Target.
type Synchronize struct {
	Digests []crypto.Digest  // Digests are the missing batches
	Target  crypto.PublicKey // Target is the authority that should hold them
	Round   uint64           // Round is the round of the header that needs them
}

// Cleanup tells workers that rounds below Round no longer matter.
type Cleanup struct {
	Round uint64
}

// EncodeBatchDigest encodes a worker report.
// Format: [1B type] [32B digest] [4B worker id]
func EncodeBatchDigest(d *BatchDigest) []byte {
	buf := make([]byte, 1+crypto.DigestSize+4)

	buf[0] = msgTypeOthersBatch
	if d.Own {
		buf[0] = msgTypeOurBatch
	}

	copy(buf[1:33], d.Digest[:])
	binary.BigEndian.PutUint32(buf[33:37], uint32(d.Worker))

	return buf
}

// DecodeBatchDigest decodes a worker report.
func DecodeBatchDigest(data []byte) (*BatchDigest, error) {
	if len(data) != 1+crypto.DigestSize+4 {
		return nil, fmt.Errorf("%w: batch digest length %d", ErrMalformed, len(data))
	}

	if data[0] != msgTypeOurBatch && data[0] != msgTypeOthersBatch {
		return nil, fmt.Errorf("%w: invalid message type: 0x%02x", ErrMalformed, data[0])
	}

	d := &BatchDigest{
		Worker: config.WorkerID(binary.BigEndian.Uint32(data[33:37])),
		Own:    data[0] == msgTypeOurBatch,
	}
	copy(d.Digest[:], data[1:33])

	return d, nil
}

// EncodeSynchronize encodes a synchronization order.
// Format: [1B type] [32B target] [8B round] [4B count] [count x 32B digest]
func EncodeSynchronize(s *Synchronize) []byte {
	const headerSize = 1 + crypto.PublicKeySize + 8 + 4

	buf := make([]byte, headerSize, headerSize+len(s.Digests)*crypto.DigestSize)
	buf[0] = msgTypeSynchronize
	copy(buf[1:33], s.Target[:])
	binary.BigEndian.PutUint64(buf[33:41], s.Round)
	binary.BigEndian.PutUint32(buf[41:45], uint32(len(s.Digests)))

	for _, d := range s.Digests {
		buf = append(buf, d[:]...)
	}

	return buf
}

// EncodeCleanup encodes a cleanup order.
// Format: [1B type] [8B round]
func EncodeCleanup(c *Cleanup) []byte {
	buf := make([]byte, 9)
	buf[0] = msgTypeCleanup
	binary.BigEndian.PutUint64(buf[1:9], c.Round)

	return buf
}

// DecodeWorkerOrder decodes a primary-to-worker message: *Synchronize or *Cleanup.
func DecodeWorkerOrder(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}

	switch data[0] {
	case msgTypeSynchronize:
		return decodeSynchronize(data)
	case msgTypeCleanup:
		if len(data) != 9 {
			return nil, fmt.Errorf("%w: cleanup length %d", ErrMalformed, len(data))
		}
		return &Cleanup{Round: binary.BigEndian.Uint64(data[1:9])}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type 0x%02x", ErrMalformed, data[0])
	}
}

// decodeSynchronize decodes a synchronization order.
func decodeSynchronize(data []byte) (*Synchronize, error) {
	const headerSize = 1 + crypto.PublicKeySize + 8 + 4

	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: synchronize too short: %d < %d", ErrMalformed, len(data), headerSize)
	}

	count := int(binary.BigEndian.Uint32(data[41:45]))
	if len(data) != headerSize+count*crypto.DigestSize {
		return nil, fmt.Errorf("%w: synchronize length %d for %d digests", ErrMalformed, len(data), count)
	}

	s := &Synchronize{
		Round:   binary.BigEndian.Uint64(data[33:41]),
		Digests: make([]crypto.Digest, count),
	}
	copy(s.Target[:], data[1:33])

	for i := range s.Digests {
		off := headerSize + i*crypto.DigestSize
		copy(s.Digests[i][:], data[off:off+crypto.DigestSize])
	}

	return s, nil
}
