package engine

import (
	"fmt"

	"github.com/sandbay/sandbay/pkg/metrics"
	"github.com/sandbay/sandbay/pkg/types"
)

// checkQuota rejects a creation when the owner or the system is at its
// live-container ceiling. The counts are re-read from the store on
// every call; the store's transactional insert is what makes a racy
// read here fail loudly rather than over-allocate ports.
func (e *Engine) checkQuota(ownerID string) error {
	own, err := e.store.ListContainersByOwner(ownerID, true)
	if err != nil {
		return err
	}
	if len(own) >= e.cfg.Limits.MaxPerUser {
		metrics.QuotaRejections.WithLabelValues("user").Inc()
		return types.QuotaExceeded(fmt.Sprintf(
			"at most %d containers per user", e.cfg.Limits.MaxPerUser))
	}

	all, err := e.store.ListLiveContainers()
	if err != nil {
		return err
	}
	if len(all) >= e.cfg.Limits.MaxTotal {
		metrics.QuotaRejections.WithLabelValues("global").Inc()
		return types.QuotaExceeded(fmt.Sprintf(
			"the global limit of %d containers is reached", e.cfg.Limits.MaxTotal))
	}

	return nil
}
