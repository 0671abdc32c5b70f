package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/metrics"
)

// TierStats describes one priority tier.
type TierStats struct {
	Tier    domain.Priority `json:"tier"`
	Depth   int64           `json:"depth"`
	Delayed int64           `json:"delayed"`
	// OldestAge is the time the head of the tier has been waiting, zero for
	// an empty tier.
	OldestAge time.Duration `json:"oldest_age"`
}

// QueueStats is a point-in-time view of the queue.
type QueueStats struct {
	Tiers           []TierStats `json:"tiers"`
	TotalDepth      int64       `json:"total_depth"`
	InFlight        int64       `json:"in_flight"`
	Workers         int64       `json:"registered_workers"`
	FallbackPending int         `json:"fallback_pending"`
	CollectedAt     time.Time   `json:"collected_at"`
}

// Stats collects per-tier depth, delayed counts and head age, the number of
// in-flight tasks and registered workers, and the fallback backlog.
func (m *Manager) Stats(ctx context.Context) (*QueueStats, error) {
	type tierCmds struct {
		depth   *redis.IntCmd
		delayed *redis.IntCmd
		head    *redis.StringCmd
	}
	cmds := make([]tierCmds, len(domain.Priorities))
	var inflight, workers *redis.IntCmd

	_, err := m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, p := range domain.Priorities {
			cmds[i] = tierCmds{
				depth:   pipe.LLen(ctx, m.keys.tier(p)),
				delayed: pipe.ZCard(ctx, m.keys.delayed(p)),
				head:    pipe.LIndex(ctx, m.keys.tier(p), 0),
			}
		}
		inflight = pipe.HLen(ctx, m.keys.inflight())
		workers = pipe.SCard(ctx, m.keys.workers())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, brokerErr("stats", err)
	}

	now := m.now()
	stats := &QueueStats{
		Tiers:       make([]TierStats, 0, len(domain.Priorities)),
		InFlight:    inflight.Val(),
		Workers:     workers.Val(),
		CollectedAt: now.UTC(),
	}
	for i, p := range domain.Priorities {
		ts := TierStats{
			Tier:    p,
			Depth:   cmds[i].depth.Val(),
			Delayed: cmds[i].delayed.Val(),
		}
		if head, err := cmds[i].head.Bytes(); err == nil {
			if task, err := Decode(head); err == nil && task.EnqueuedAt != nil {
				ts.OldestAge = max(0, now.Sub(*task.EnqueuedAt))
			}
		}
		metrics.QueueDepth.WithLabelValues(string(p)).Set(float64(ts.Depth))
		stats.TotalDepth += ts.Depth
		stats.Tiers = append(stats.Tiers, ts)
	}

	pending, err := m.store.CountPendingFallback(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to count fallback backlog", "error", err)
	} else {
		stats.FallbackPending = pending
	}
	return stats, nil
}
