// Package fanout bridges server-originated notifications across instances.
// Every instance publishes envelopes to one Redis channel and subscribes to
// the same channel, so a broadcast or directed emit reaches clients no
// matter which process holds the physical connection.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	rredis "dispatch-service/pkg/redis"
)

// Channel is the pub/sub channel all instances share.
const Channel = "dispatch:events"

// Emit kinds.
const (
	KindBroadcast = "broadcast"
	KindDirected  = "directed"
)

// Sink receives envelopes on the local instance. Directed deliveries with
// no matching local connection are silently dropped by the sink.
type Sink interface {
	DeliverBroadcast(role string, event []byte)
	DeliverDirect(role, target string, event []byte)
}

type envelope struct {
	Kind   string          `json:"kind"`
	Role   string          `json:"role"`
	Target string          `json:"target,omitempty"`
	Event  json.RawMessage `json:"event"`
}

// Adapter publishes and routes fanout envelopes over Redis pub/sub.
type Adapter struct {
	redis *rredis.Client
	sink  Sink
}

// New creates an adapter over the given Redis client.
func New(r *rredis.Client) *Adapter {
	return &Adapter{redis: r}
}

// Start subscribes this instance to the fanout channel, routing received
// envelopes into sink.
func (a *Adapter) Start(ctx context.Context, sink Sink) {
	a.sink = sink
	a.redis.Subscribe(ctx, Channel, a.route)
}

// Broadcast delivers event to every connection of the given role on every
// instance.
func (a *Adapter) Broadcast(ctx context.Context, role string, event any) error {
	return a.publish(ctx, envelope{Kind: KindBroadcast, Role: role}, event)
}

// EmitTo delivers event to the one connection registered under target, on
// whichever instance holds it. No acknowledgement is expected; a
// disconnected target is a silent no-op.
func (a *Adapter) EmitTo(ctx context.Context, role, target string, event any) error {
	return a.publish(ctx, envelope{Kind: KindDirected, Role: role, Target: target}, event)
}

func (a *Adapter) publish(ctx context.Context, env envelope, event any) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal fanout event: %w", err)
	}
	env.Event = raw

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal fanout envelope: %w", err)
	}
	return a.redis.Publish(ctx, Channel, data)
}

func (a *Adapter) route(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[fanout] bad envelope: %v", err)
		return
	}
	switch env.Kind {
	case KindBroadcast:
		a.sink.DeliverBroadcast(env.Role, env.Event)
	case KindDirected:
		a.sink.DeliverDirect(env.Role, env.Target, env.Event)
	default:
		log.Printf("[fanout] unknown envelope kind %q", env.Kind)
	}
}
