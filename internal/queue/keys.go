package queue

import (
	"strings"

	"github.com/phrazzld/captionq/internal/domain"
)

// DefaultNamespace prefixes every key when none is configured.
const DefaultNamespace = "captionq"

// keyspace builds the Redis keys of one queue namespace.
type keyspace struct {
	ns string
}

func newKeyspace(ns string) keyspace {
	ns = strings.TrimSuffix(strings.TrimSpace(ns), ":")
	if ns == "" {
		ns = DefaultNamespace
	}
	return keyspace{ns: ns}
}

func (k keyspace) key(parts ...string) string {
	return k.ns + ":" + strings.Join(parts, ":")
}

// tier is the ready list of a priority tier.
func (k keyspace) tier(p domain.Priority) string { return k.key("queue", string(p)) }

// delayed is the sorted set of retries waiting for their backoff to elapse.
func (k keyspace) delayed(p domain.Priority) string { return k.key("delayed", string(p)) }

// record holds the latest serialized copy of a task.
func (k keyspace) record(id string) string { return k.key("task", id) }

// active holds the ID of the user's single active task.
func (k keyspace) active(userID string) string { return k.key("active", userID) }

// inflight maps running task IDs to the worker that claimed them.
func (k keyspace) inflight() string { return k.key("inflight") }

// processing holds the entries a worker has claimed but not yet marked
// running.
func (k keyspace) processing(workerID string) string { return k.key("processing", workerID) }

// processingPrefix is the common prefix of every processing list.
func (k keyspace) processingPrefix() string { return k.key("processing", "") }

// cancel flags a running task for cooperative cancellation.
func (k keyspace) cancel(id string) string { return k.key("cancel", id) }

// worker is the heartbeat record of a worker unit.
func (k keyspace) worker(id string) string { return k.key("worker", id) }

// workers is the set of registered worker IDs.
func (k keyspace) workers() string { return k.key("workers") }

// events is the Pub/Sub channel for progress and terminal notifications.
func (k keyspace) events() string { return k.key("events") }

// tierKeys returns the ready lists of tiers in service order.
func (k keyspace) tierKeys(tiers []domain.Priority) []string {
	tiers = domain.CanonicalTiers(tiers)
	keys := make([]string, len(tiers))
	for i, p := range tiers {
		keys[i] = k.tier(p)
	}
	return keys
}

// tierOf maps a ready list key back to its priority.
func (k keyspace) tierOf(key string) domain.Priority {
	p, _ := domain.ParsePriority(strings.TrimPrefix(key, k.key("queue", "")))
	return p
}
