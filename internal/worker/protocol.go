package worker

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"DagBFT/internal/crypto"
)

// Message types exchanged between workers.
const (
	msgTypeBatch        = 0x20 // Batch of transactions
	msgTypeBatchRequest = 0x21 // Request for stored batches
)

// maxBatchBytes bounds the decompressed size of one batch.
const maxBatchBytes = 64 << 20

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBatchBytes), zstd.WithDecoderConcurrency(1))
)

// batchPrefix namespaces batches in the store.
var batchPrefix = []byte("b:")

// batchKey returns the store key of a batch.
func batchKey(d crypto.Digest) []byte {
	return append(append([]byte(nil), batchPrefix...), d[:]...)
}

// Batch is an ordered list of opaque transactions.
type Batch [][]byte

// Serialize encodes the batch. The digest of a batch is the hash of this form.
// Format: [4B count] [count x ([4B length] [transaction])]
func (b Batch) Serialize() []byte {
	size := 4
	for _, tx := range b {
		size += 4 + len(tx)
	}

	buf := make([]byte, 4, size)
	binary.BigEndian.PutUint32(buf, uint32(len(b)))

	for _, tx := range b {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx)))
		buf = append(buf, tx...)
	}

	return buf
}

// ParseBatch decodes a serialized batch.
func ParseBatch(data []byte) (Batch, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: batch too short: %d", ErrMalformed, len(data))
	}

	count := binary.BigEndian.Uint32(data)
	data = data[4:]

	// Every transaction takes at least its length prefix.
	if uint64(count)*4 > uint64(len(data)) {
		return nil, fmt.Errorf("%w: batch claims %d transactions in %d bytes", ErrMalformed, count, len(data))
	}

	b := make(Batch, 0, count)

	for i := uint32(0); i < count; i++ {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: truncated transaction %d", ErrMalformed, i)
		}

		n := binary.BigEndian.Uint32(data)
		data = data[4:]

		if uint64(n) > uint64(len(data)) {
			return nil, fmt.Errorf("%w: transaction %d length %d exceeds %d", ErrMalformed, i, n, len(data))
		}

		b = append(b, data[:n:n])
		data = data[n:]
	}

	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data))
	}

	return b, nil
}

// BatchMessage is a batch received from another worker.
type BatchMessage struct {
	Serialized []byte        // Serialized is the batch in its hashed form
	Digest     crypto.Digest // Digest is the hash of Serialized
}

// BatchRequest asks a worker for stored batches.
type BatchRequest struct {
	Digests   []crypto.Digest  // Digests are the batches wanted
	Requestor crypto.PublicKey // Requestor is the authority whose same-id worker gets the replies
}

// EncodeBatch encodes a serialized batch for the wire.
// Format: [1B type] [zstd(serialized batch)]
func EncodeBatch(serialized []byte) []byte {
	out := make([]byte, 1, 1+len(serialized)/2)
	out[0] = msgTypeBatch

	return encoder.EncodeAll(serialized, out)
}

// EncodeBatchRequest encodes a batch request.
// Format: [1B type] [32B requestor] [4B count] [count x 32B digest]
func EncodeBatchRequest(req *BatchRequest) []byte {
	const headerSize = 1 + crypto.PublicKeySize + 4

	buf := make([]byte, headerSize, headerSize+len(req.Digests)*crypto.DigestSize)
	buf[0] = msgTypeBatchRequest
	copy(buf[1:33], req.Requestor[:])
	binary.BigEndian.PutUint32(buf[33:37], uint32(len(req.Digests)))

	for _, d := range req.Digests {
		buf = append(buf, d[:]...)
	}

	return buf
}

// DecodeWorkerMessage decodes a worker-to-worker message: *BatchMessage or
// *BatchRequest.
func DecodeWorkerMessage(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}

	switch data[0] {
	case msgTypeBatch:
		return decodeBatch(data[1:])
	case msgTypeBatchRequest:
		return decodeBatchRequest(data)
	default:
		return nil, fmt.Errorf("%w: unknown message type 0x%02x", ErrMalformed, data[0])
	}
}

// decodeBatch decompresses a batch and checks that it parses.
func decodeBatch(compressed []byte) (*BatchMessage, error) {
	serialized, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress batch: %v", ErrMalformed, err)
	}

	if _, err := ParseBatch(serialized); err != nil {
		return nil, err
	}

	return &BatchMessage{Serialized: serialized, Digest: crypto.Hash(serialized)}, nil
}

// decodeBatchRequest decodes a batch request.
func decodeBatchRequest(data []byte) (*BatchRequest, error) {
	const headerSize = 1 + crypto.PublicKeySize + 4

	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: batch request too short: %d", ErrMalformed, len(data))
	}

	count := int(binary.BigEndian.Uint32(data[33:37]))
	if (len(data)-headerSize)/crypto.DigestSize != count || (len(data)-headerSize)%crypto.DigestSize != 0 {
		return nil, fmt.Errorf("%w: batch request length %d for %d digests", ErrMalformed, len(data), count)
	}

	req := &BatchRequest{Digests: make([]crypto.Digest, count)}
	copy(req.Requestor[:], data[1:33])

	for i := range req.Digests {
		off := headerSize + i*crypto.DigestSize
		copy(req.Digests[i][:], data[off:off+crypto.DigestSize])
	}

	return req, nil
}
