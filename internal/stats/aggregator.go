// Package stats derives dashboard aggregates from notification and delivery
// history. The aggregator holds no state of its own: every snapshot is
// recomputed from the repositories on demand and is always reconstructible.
package stats

import (
	"context"
	"fmt"
	"time"

	"signaldesk/internal/types"
)

// StatsRepository is the read-side query surface the aggregator scans.
type StatsRepository interface {
	// CountNotifications returns the number of notifications created in
	// [from, to).
	CountNotifications(ctx context.Context, from, to time.Time) (int64, error)

	// DeliveryBreakdownByPriority returns per-tier delivery tallies for
	// records created in [from, to).
	DeliveryBreakdownByPriority(ctx context.Context, from, to time.Time) ([]types.PriorityStats, error)

	// DeliveryBreakdownByChannel returns per-channel delivery tallies for
	// records created in [from, to).
	DeliveryBreakdownByChannel(ctx context.Context, from, to time.Time) ([]types.ChannelStats, error)

	// CountOverrides returns the number of human priority overrides recorded
	// in [from, to).
	CountOverrides(ctx context.Context, from, to time.Time) (int64, error)
}

// Aggregator computes StatsSnapshots.
type Aggregator struct {
	repo StatsRepository
}

// NewAggregator creates an Aggregator over the given repository.
func NewAggregator(repo StatsRepository) *Aggregator {
	return &Aggregator{repo: repo}
}

// Aggregate builds the snapshot for [from, to). The range must be non-empty.
func (a *Aggregator) Aggregate(ctx context.Context, from, to time.Time) (*types.StatsSnapshot, error) {
	if !to.After(from) {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidRange,
			"stats range end must be after start", nil)
	}

	total, err := a.repo.CountNotifications(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("Aggregate: count notifications: %w", err)
	}

	byPriority, err := a.repo.DeliveryBreakdownByPriority(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("Aggregate: priority breakdown: %w", err)
	}

	byChannel, err := a.repo.DeliveryBreakdownByChannel(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("Aggregate: channel breakdown: %w", err)
	}
	for i := range byChannel {
		byChannel[i].SuccessRate = successRate(byChannel[i].Delivered, byChannel[i].Failed)
	}

	overridden, err := a.repo.CountOverrides(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("Aggregate: count overrides: %w", err)
	}

	snapshot := &types.StatsSnapshot{
		From:                   from,
		To:                     to,
		Overview:               overview(total, byPriority),
		ByPriority:             byPriority,
		ByChannel:              byChannel,
		ClassificationAccuracy: accuracy(total, overridden),
	}
	return snapshot, nil
}

// overview folds the per-tier tallies into the top-line totals.
func overview(total int64, byPriority []types.PriorityStats) types.OverviewStats {
	o := types.OverviewStats{Total: total}
	var weightedMs float64
	var timed int64
	for _, p := range byPriority {
		o.Sent += p.Sent
		o.Delivered += p.Delivered
		o.Failed += p.Failed
		if p.AvgResponseTimeMs > 0 {
			settled := p.Delivered + p.Failed
			weightedMs += p.AvgResponseTimeMs * float64(settled)
			timed += settled
		}
	}
	o.SuccessRate = successRate(o.Delivered, o.Failed)
	if timed > 0 {
		o.AvgResponseTimeMs = weightedMs / float64(timed)
	}
	return o
}

// successRate is delivered over all settled attempts. An empty range yields
// 0, not NaN.
func successRate(delivered, failed int64) float64 {
	settled := delivered + failed
	if settled == 0 {
		return 0
	}
	return float64(delivered) / float64(settled)
}

// accuracy is the share of classified notifications no human re-prioritized.
// With nothing classified in the range the metric reports a clean 1.0.
func accuracy(classified, overridden int64) float64 {
	if classified == 0 {
		return 1.0
	}
	if overridden > classified {
		overridden = classified
	}
	return 1.0 - float64(overridden)/float64(classified)
}
