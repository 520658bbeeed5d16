package primary

import (
	"context"

	"DagBFT/internal/config"
	"DagBFT/internal/logger"
	"DagBFT/internal/metrics"
	"DagBFT/internal/storage"
)

// certificateHelper answers other primaries' requests for certified headers
// from the store. Requests are served best effort: missing digests are
// skipped and replies are never retried.
type certificateHelper struct {
	committee *config.Committee
	store     *storage.Store
	sender    Sender
	requests  <-chan *CertificatesRequest
}

// newCertificateHelper creates a certificate helper.
func newCertificateHelper(committee *config.Committee, store *storage.Store, sender Sender, requests <-chan *CertificatesRequest) *certificateHelper {
	return &certificateHelper{
		committee: committee,
		store:     store,
		sender:    sender,
		requests:  requests,
	}
}

// Run serves requests until ctx is cancelled.
func (h *certificateHelper) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-h.requests:
			h.serve(req)
		}
	}
}

// serve sends every stored certified header of req to the requestor.
func (h *certificateHelper) serve(req *CertificatesRequest) {
	addr, err := h.committee.Primary(req.Requestor)
	if err != nil {
		metrics.Reject(metrics.ReasonUnknownRequest)
		logger.Warn("certificates request from unknown authority", "requestor", req.Requestor)
		return
	}

	for _, d := range req.Digests {
		data, err := h.store.Read(certKey(d))
		if err != nil {
			logger.Warn("read certificate", "digest", d, "error", err)
			continue
		}

		if data == nil {
			continue
		}

		h.sender.Send(addr.PrimaryToPrimary, frame(msgTypeCertified, data))
	}
}
