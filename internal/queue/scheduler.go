package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/captionq/internal/domain"
)

// DefaultPopTimeout bounds a single claim so that worker units notice
// shutdown promptly.
const DefaultPopTimeout = 2 * time.Second

// claimPollInterval is how often an idle claim looks at the tiers again.
const claimPollInterval = 50 * time.Millisecond

const promoteBatch = 100

// Claimed is a task taken from a tier by Pop. Raw is always set; Task is
// nil when Raw could not be decoded.
type Claimed struct {
	Tier domain.Priority
	Raw  []byte
	Task *domain.Task
}

// Scheduler serves the four tiers in strict priority order. The claim
// script checks the tiers in service order; FIFO within a tier comes from
// RPUSH at the tail and pop at the head.
type Scheduler struct {
	rdb  redis.UniversalClient
	keys keyspace
}

// NewScheduler creates a Scheduler for the given key namespace.
func NewScheduler(rdb redis.UniversalClient, namespace string) *Scheduler {
	return &Scheduler{rdb: rdb, keys: newKeyspace(namespace)}
}

// Pop waits up to timeout for the next task in the highest-priority
// non-empty tier among tiers and claims it for workerID. It returns nil, nil
// on timeout. Each entry is delivered to exactly one caller across all
// processes.
//
// The claimed entry moves onto the worker's processing list in the same
// step that removes it from the tier, and stays there until
// Manager.MarkRunning or Manager.AckClaim. Manager.RestoreClaims puts
// leftovers back.
//
// A decode failure returns the claimed entry together with a
// *domain.SerializationError so the caller can fail it.
func (s *Scheduler) Pop(ctx context.Context, workerID string, tiers []domain.Priority, timeout time.Duration) (*Claimed, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required to claim", domain.ErrValidation)
	}
	tierKeys := s.keys.tierKeys(tiers)
	if len(tierKeys) == 0 {
		return nil, fmt.Errorf("%w: no tiers to pop from", domain.ErrValidation)
	}
	if timeout <= 0 {
		timeout = DefaultPopTimeout
	}
	keys := append([]string{s.keys.processing(workerID)}, tierKeys...)
	deadline := time.Now().Add(timeout)

	for {
		res, err := claimScript.Run(ctx, s.rdb, keys).StringSlice()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, brokerErr("claim", err)
		case len(res) != 2:
			return nil, fmt.Errorf("claim: unexpected reply of %d elements", len(res))
		default:
			claimed := &Claimed{Tier: s.keys.tierOf(res[0]), Raw: []byte(res[1])}
			task, err := Decode(claimed.Raw)
			if err != nil {
				return claimed, err
			}
			claimed.Task = task
			return claimed, nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(min(wait, claimPollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// PromoteDue moves delayed entries whose backoff has elapsed by now to the
// tail of their tier and returns how many moved.
func (s *Scheduler) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	total := 0
	score := strconv.FormatInt(now.UnixMilli(), 10)
	for _, p := range domain.Priorities {
		n, err := promoteScript.Run(ctx, s.rdb,
			[]string{s.keys.delayed(p), s.keys.tier(p)},
			score, promoteBatch,
		).Int()
		if err != nil {
			return total, brokerErr("promote delayed tasks", err)
		}
		total += n
	}
	return total, nil
}

// Depth returns the number of ready entries in tier.
func (s *Scheduler) Depth(ctx context.Context, tier domain.Priority) (int64, error) {
	n, err := s.rdb.LLen(ctx, s.keys.tier(tier)).Result()
	if err != nil {
		return 0, brokerErr("tier depth", err)
	}
	return n, nil
}

// delayUntil returns the delayed-set member for an entry ready at readyAt.
func delayUntil(readyAt time.Time, entry []byte) redis.Z {
	return redis.Z{Score: float64(readyAt.UnixMilli()), Member: entry}
}
