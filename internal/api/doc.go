// Package api exposes the queue over HTTP: producers submit, inspect and
// cancel tasks, and operators read queue, worker and broker status, scale
// worker tiers and trigger a fallback drain.
package api
