package primary

import (
	"errors"
	"fmt"

	"DagBFT/internal/config"
	"DagBFT/internal/crypto"
)

var (
	// ErrInvalidSignature is returned when a signature does not verify under
	// the committee key of its claimed author.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidHeader is returned for headers that must never be voted on.
	ErrInvalidHeader = errors.New("invalid header")

	// ErrDuplicateVote is returned when an authority votes twice in a round
	// for different digests.
	ErrDuplicateVote = errors.New("duplicate vote")

	// ErrUnknownAuthority is returned for messages from non-members.
	ErrUnknownAuthority = config.ErrUnknownAuthority

	// ErrMalformed is returned for messages that cannot be decoded.
	ErrMalformed = errors.New("malformed message")
)

// EquivocationError carries both conflicting votes of one authority.
// The first vote stays counted; the second is rejected.
type EquivocationError struct {
	First  *Vote
	Second *Vote
}

// Error implements error.
func (e *EquivocationError) Error() string {
	return fmt.Sprintf("%s: %s voted for %s and %s in round %d",
		ErrDuplicateVote, e.Second.Author, e.First.Digest, e.Second.Digest, e.Second.Round)
}

// Unwrap returns ErrDuplicateVote.
func (e *EquivocationError) Unwrap() error {
	return ErrDuplicateVote
}

// InvalidHeaderError explains why a header was rejected.
type InvalidHeaderError struct {
	Digest crypto.Digest
	Round  uint64
	Err    error
}

// Error implements error.
func (e *InvalidHeaderError) Error() string {
	return fmt.Sprintf("%s %s at round %d: %v", ErrInvalidHeader, e.Digest, e.Round, e.Err)
}

// Unwrap matches both ErrInvalidHeader and the underlying cause.
func (e *InvalidHeaderError) Unwrap() []error {
	return []error{ErrInvalidHeader, e.Err}
}

// invalidHeader wraps a rejection reason for h.
func invalidHeader(h *Header, format string, args ...any) error {
	return &InvalidHeaderError{
		Digest: h.Digest(),
		Round:  h.Round,
		Err:    fmt.Errorf(format, args...),
	}
}
