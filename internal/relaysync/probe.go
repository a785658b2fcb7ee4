package relaysync

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

const defaultMetricsTTL = 30 * time.Second

// MetricsProbe asks the remote provider for account size. Results are cached
// briefly per (workspace, account) so one multi-phase session probes once.
type MetricsProbe struct {
	remote RemoteProvider
	cache  *cache.Cache
}

func NewMetricsProbe(remote RemoteProvider, ttl time.Duration) *MetricsProbe {
	probe := &MetricsProbe{remote: remote}
	if ttl > 0 {
		probe.cache = cache.New(ttl, 2*ttl)
	}
	return probe
}

func (p *MetricsProbe) Probe(ctx context.Context, workspaceID, accountID string) (ConnectionMetrics, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ConnectionMetrics{}, ErrInvalidInput
	}
	key := pairKey(strings.TrimSpace(workspaceID), accountID)
	if p.cache != nil {
		if cached, found := p.cache.Get(key); found {
			if metrics, ok := cached.(ConnectionMetrics); ok {
				return metrics, nil
			}
		}
	}
	metrics, err := p.remote.FetchAccountMetrics(ctx, accountID)
	if err != nil {
		return ConnectionMetrics{}, asRemoteUnavailable(err, "fetch account metrics")
	}
	metrics = clampMetrics(metrics)
	if p.cache != nil {
		p.cache.Set(key, metrics, cache.DefaultExpiration)
	}
	return metrics, nil
}

// Forget drops the cached metrics of a pair.
func (p *MetricsProbe) Forget(workspaceID, accountID string) {
	if p.cache != nil {
		p.cache.Delete(pairKey(strings.TrimSpace(workspaceID), strings.TrimSpace(accountID)))
	}
}

func clampMetrics(metrics ConnectionMetrics) ConnectionMetrics {
	if metrics.TotalItems < 0 {
		metrics.TotalItems = 0
	}
	if metrics.ActiveItems < 0 {
		metrics.ActiveItems = 0
	}
	if metrics.RecentItems < 0 {
		metrics.RecentItems = 0
	}
	if metrics.HighEngagementItems < 0 {
		metrics.HighEngagementItems = 0
	}
	return metrics
}
