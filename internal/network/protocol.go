package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	// maxMessageSize bounds one frame (16 MB).
	maxMessageSize = 16 << 20

	lengthPrefixSize = 4
)

// ErrMessageTooLarge is returned for frames above maxMessageSize.
var ErrMessageTooLarge = errors.New("message too large")

// ackMessage answers a message on a bidirectional stream once the handler
// has accepted it.
var ackMessage = []byte("Ack")

// writeMessage writes data as one [4B big-endian length][payload] frame.
func writeMessage(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), maxMessageSize)
	}

	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))

	frame := net.Buffers{prefix[:], data}
	if _, err := frame.WriteTo(w); err != nil {
		return fmt.Errorf("write frame:\n%w", err)
	}

	return nil
}

// readMessage reads one frame written by writeMessage.
func readMessage(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, maxMessageSize)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload:\n%w", err)
	}

	return data, nil
}
