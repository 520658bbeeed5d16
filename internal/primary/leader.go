package primary

import (
	"DagBFT/internal/config"
	"DagBFT/internal/crypto"
)

// LeaderElector designates one leader per round by strict round robin over
// the committee's bytewise key order.
type LeaderElector struct {
	committee *config.Committee
}

// NewLeaderElector creates an elector for committee.
func NewLeaderElector(committee *config.Committee) *LeaderElector {
	return &LeaderElector{committee: committee}
}

// Leader returns the leader of round.
func (l *LeaderElector) Leader(round uint64) crypto.PublicKey {
	return l.committee.At(int(round % uint64(l.committee.Size())))
}
