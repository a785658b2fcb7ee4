package relaysync

import "math"

const (
	VeryLargeAccountThreshold = 15000
	LargeAccountThreshold     = 1000
)

type strategyTier struct {
	minItems int
	strategy SyncStrategy
}

// Tiers are ordered from the largest dataset down; the first match wins.
var strategyTiers = []strategyTier{
	{minItems: 15000, strategy: SyncStrategy{BatchSize: 50, SyncIntervalMinutes: 60, MaxItemsPerCycle: 200, PriorityMode: PriorityEngaged}},
	{minItems: 5000, strategy: SyncStrategy{BatchSize: 100, SyncIntervalMinutes: 45, MaxItemsPerCycle: 500, PriorityMode: PriorityRecent}},
	{minItems: 1000, strategy: SyncStrategy{BatchSize: 200, SyncIntervalMinutes: 30, MaxItemsPerCycle: 1000, PriorityMode: PriorityAll}},
	{minItems: math.MinInt, strategy: SyncStrategy{BatchSize: 500, SyncIntervalMinutes: 30, MaxItemsPerCycle: 1000, PriorityMode: PriorityAll}},
}

func SelectStrategy(totalItems int) SyncStrategy {
	for _, tier := range strategyTiers {
		if totalItems >= tier.minItems {
			return tier.strategy
		}
	}
	return strategyTiers[len(strategyTiers)-1].strategy
}

// SelectStrategyForMetrics picks a strategy from probed metrics.
func SelectStrategyForMetrics(metrics ConnectionMetrics) SyncStrategy {
	return SelectStrategy(metrics.TotalItems)
}

type SessionShape string

const (
	SessionSingle  SessionShape = "single"
	SessionBatched SessionShape = "batched"
	SessionPhased  SessionShape = "phased"
)

func ShapeForTotal(totalItems int) SessionShape {
	switch {
	case totalItems >= VeryLargeAccountThreshold:
		return SessionPhased
	case totalItems >= LargeAccountThreshold:
		return SessionBatched
	default:
		return SessionSingle
	}
}

// BatchCount is the number of sequential batches needed to cover totalItems
// at the given page size.
func BatchCount(totalItems, limit int) int {
	if totalItems <= 0 || limit <= 0 {
		return 1
	}
	return (totalItems + limit - 1) / limit
}
