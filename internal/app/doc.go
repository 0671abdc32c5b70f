// Package app assembles the queue, the durable store, the broker health
// monitor, the progress reporter and the worker manager from configuration.
// Both the server and the external worker binary are built on it.
package app
