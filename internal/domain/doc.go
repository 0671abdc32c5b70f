// Package domain contains the core entities of the caption task queue: the
// task record that travels through the broker, its priority tiers, retry
// policy and lifecycle states, worker registration records, and the error
// taxonomy shared by every component. It is independent of Redis, PostgreSQL
// and any delivery mechanism.
package domain
