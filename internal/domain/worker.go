package domain

import "time"

// WorkerInfo is the heartbeat record a worker unit publishes to the broker.
// The record lives under a key with a TTL; its expiry is the signal that the
// worker is dead.
type WorkerInfo struct {
	ID            string     `json:"id"`
	Hostname      string     `json:"hostname"`
	PID           int        `json:"pid"`
	Tiers         []Priority `json:"tiers"`
	CurrentTaskID string     `json:"current_task_id,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
}
