package worker

import "errors"

var (
	// ErrUnknownPeer is returned for requests from an (authority, worker)
	// pair that is not in the committee.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrMalformed is returned for messages that cannot be decoded.
	ErrMalformed = errors.New("malformed message")
)
