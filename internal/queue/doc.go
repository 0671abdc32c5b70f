// Package queue implements the broker side of the task queue on Redis: the
// versioned task codec, the four priority tiers and their delayed sets, the
// per-user active task slot, worker heartbeat registration and the queue
// manager that producers and worker units talk to.
//
// Every multi-key mutation runs as a Lua script or a MULTI/EXEC pipeline so
// that concurrent producers and workers in different processes never observe
// a half-applied change.
package queue
