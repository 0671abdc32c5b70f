package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker manages the per-user active task slot. The slot is a single key
// set with SET NX, so two producers racing for the same user cannot both
// succeed, whichever process they run in.
type Tracker struct {
	rdb  redis.UniversalClient
	keys keyspace
}

// NewTracker creates a Tracker for the given key namespace.
func NewTracker(rdb redis.UniversalClient, namespace string) *Tracker {
	return &Tracker{rdb: rdb, keys: newKeyspace(namespace)}
}

// SetActive claims the user's slot for taskID. It returns false when the
// slot is already held.
func (t *Tracker) SetActive(ctx context.Context, userID, taskID string, ttl time.Duration) (bool, error) {
	ok, err := t.rdb.SetNX(ctx, t.keys.active(userID), taskID, ttl).Result()
	if err != nil {
		return false, brokerErr("set active task", err)
	}
	return ok, nil
}

// GetActive returns the ID of the user's active task, or "" when none.
func (t *Tracker) GetActive(ctx context.Context, userID string) (string, error) {
	id, err := t.rdb.Get(ctx, t.keys.active(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", brokerErr("get active task", err)
	}
	return id, nil
}

// HasActive reports whether the user's slot is held.
func (t *Tracker) HasActive(ctx context.Context, userID string) (bool, error) {
	id, err := t.GetActive(ctx, userID)
	return id != "", err
}

// Clear releases the user's slot unconditionally. Clearing a free slot is
// not an error.
func (t *Tracker) Clear(ctx context.Context, userID string) error {
	if err := t.rdb.Del(ctx, t.keys.active(userID)).Err(); err != nil {
		return brokerErr("clear active task", err)
	}
	return nil
}

// ClearIf releases the user's slot only while it still holds taskID.
func (t *Tracker) ClearIf(ctx context.Context, userID, taskID string) (bool, error) {
	n, err := clearIfScript.Run(ctx, t.rdb, []string{t.keys.active(userID)}, taskID).Int()
	if err != nil {
		return false, brokerErr("clear active task", err)
	}
	return n == 1, nil
}
