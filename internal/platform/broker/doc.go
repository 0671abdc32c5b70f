// Package broker builds the go-redis client shared by the queue manager,
// the worker units and the event publisher.
package broker
