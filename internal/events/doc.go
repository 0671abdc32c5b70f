// Package events carries task notifications from the worker side to the
// real-time notification layer.
//
// The primary components are:
//   - TaskEvent: a progress update or terminal state of a task
//   - EventHandler / EventEmitter: decoupled producers and consumers
//   - InMemoryEventEmitter: in-process fan-out to registered handlers
//   - RedisPublisher / Subscribe: cross-process delivery over Redis Pub/Sub
//
// Delivery is best effort. The durable store, not the event stream, is the
// record of a task's state.
package events
