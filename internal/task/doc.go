// Package task runs worker units that claim queued tasks from the broker and
// execute them. A Manager owns the units of one process, keeps their
// heartbeats alive, promotes delayed retries, requeues work abandoned by dead
// workers, and can launch external worker processes.
package task
