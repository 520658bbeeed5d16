package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dagbft"

// Rejection reasons used as the "reason" label of RejectedMessages.
const (
	ReasonMalformed      = "malformed"
	ReasonSignature      = "signature"
	ReasonUnknown        = "unknown_authority"
	ReasonInvalidHeader  = "invalid_header"
	ReasonDuplicateVote  = "duplicate_vote"
	ReasonInvalidCert    = "invalid_certificate"
	ReasonUnknownRequest = "unknown_requestor"
)

var (
	// Round is the current round of the primary.
	Round = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "primary",
		Name:      "round",
		Help:      "Current consensus round.",
	})

	// CertificatesFormed counts certificates appended to the local DAG.
	CertificatesFormed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "primary",
		Name:      "certificates_total",
		Help:      "Certified headers appended to the DAG.",
	})

	// HeadersProposed counts headers proposed by this authority.
	HeadersProposed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "primary",
		Name:      "headers_proposed_total",
		Help:      "Headers proposed while leader.",
	})

	// VotesSent counts votes cast.
	VotesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "primary",
		Name:      "votes_sent_total",
		Help:      "Votes cast for leader headers.",
	})

	// RejectedMessages counts dropped inbound messages by reason.
	RejectedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "primary",
		Name:      "rejected_messages_total",
		Help:      "Inbound messages rejected, by reason.",
	}, []string{"reason"})

	// Equivocations counts authorities caught voting twice in a round.
	Equivocations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "primary",
		Name:      "equivocations_total",
		Help:      "Conflicting votes from the same authority in one round.",
	})

	// Timeouts counts local round timer expiries.
	Timeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "primary",
		Name:      "timeouts_total",
		Help:      "Round timer expiries.",
	})

	// TimeoutCertificates counts rounds skipped through a timeout certificate.
	TimeoutCertificates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "primary",
		Name:      "timeout_certificates_total",
		Help:      "Rounds left through a timeout certificate.",
	})

	// BatchesSealed counts batches sealed by the batch maker.
	BatchesSealed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "batches_sealed_total",
		Help:      "Batches sealed from client transactions.",
	})

	// BatchesServed counts batches sent by the helper to other workers.
	BatchesServed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "batches_served_total",
		Help:      "Batches sent in answer to batch requests.",
	})

	// BatchesRequested counts batch digests requested by the synchronizer.
	BatchesRequested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "batches_requested_total",
		Help:      "Batch digests requested from other workers.",
	})
)

// Reject counts one rejected message.
func Reject(reason string) {
	RejectedMessages.WithLabelValues(reason).Inc()
}

// Serve exposes the default registry on address until ctx is cancelled.
func Serve(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve metrics on %s:\n%w", address, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server:\n%w", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
