// Package bus provides the message bus used by burrow device servers and the
// devices they host.
//
// # Overview
//
// Every participant on the bus is an instance with a unique instance id. A
// device server is one instance; each device it hosts is another. Instances
// talk to each other by calling named slots, by emitting signals that other
// instances have connected to, and by broadcasting to everyone.
//
// # Core Concepts
//
// A Connection is a handle on the broker (Redis pub/sub or NATS). It is scoped
// to one instance id and can be cloned for another instance id; clones share
// the underlying broker client and the process-local Shortcuts table.
//
// Shortcuts let instances that live in the same process deliver messages to
// each other directly, without a round trip through the broker.
//
// An Endpoint sits on top of a Connection: it owns the slot table, dispatches
// incoming calls, sends replies, publishes heartbeats and keeps the instance
// info that other participants see.
//
// # Channel Schema
//
// All channels are namespaced by topic so that several installations can
// share one broker:
//
//	burrow:{topic}:instance:{instance_id}          directed calls and replies
//	burrow:{topic}:broadcast                       broadcasts and heartbeats
//	burrow:{topic}:signal:{instance_id}:{signal}   signals emitted by an instance
//
// # Usage Example
//
//	conn, err := bus.Dial("redis://localhost:6379", "burrow", "my-client")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer conn.Close()
//
//	ep := bus.NewEndpoint(conn, bus.Options{})
//	if err := ep.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer ep.Stop(ctx)
//
//	reply, err := ep.Request(ctx, "host_Server_4711", "slotGetClassSchema", "TrainCounter")
package bus
