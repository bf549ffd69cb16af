package dispatch

import (
	"context"
	"fmt"

	"dispatch-service/internal/events"
	"dispatch-service/internal/rides"
	"dispatch-service/pkg/kafka"
)

// Transition kinds.
const (
	TransitionAccept   = "accept"
	TransitionComplete = "complete"
	TransitionReject   = "reject"
)

// Transition is a requested ride-state change.
type Transition struct {
	Kind      string
	BookingID string
	DriverID  string
	UserID    string
}

// TransitionPort submits a ride-state transition for processing. LogPort
// makes the transition durable before anyone observes it; DirectPort
// applies it synchronously to the store, trading durability for latency.
// Wiring chooses per transition type.
type TransitionPort interface {
	Submit(ctx context.Context, t Transition) error
}

// LogPort appends the transition to the event log; the engine picks it up
// through its consumer like any other event.
type LogPort struct {
	log EventLog
}

// NewLogPort creates a log-mediated transition port.
func NewLogPort(log EventLog) *LogPort {
	return &LogPort{log: log}
}

func (p *LogPort) Submit(ctx context.Context, t Transition) error {
	switch t.Kind {
	case TransitionAccept:
		return p.log.Publish(ctx, kafka.TopicRideAccepted, t.BookingID,
			events.RideAcceptedEvent{BookingID: t.BookingID, DriverID: t.DriverID, UserID: t.UserID})
	case TransitionComplete:
		return p.log.Publish(ctx, kafka.TopicRideCompleted, t.BookingID,
			events.RideCompletedEvent{BookingID: t.BookingID, DriverID: t.DriverID, UserID: t.UserID})
	case TransitionReject:
		return p.log.Publish(ctx, kafka.TopicRideRejected, t.BookingID,
			events.RideRejectedEvent{BookingID: t.BookingID, DriverID: t.DriverID})
	default:
		return fmt.Errorf("unknown transition kind %q", t.Kind)
	}
}

// DirectPort writes the transition straight to the store, bypassing the
// log. Only rejection supports this path; accept and complete must stay
// durable.
type DirectPort struct {
	store RideStore
}

// NewDirectPort creates a direct-write transition port.
func NewDirectPort(store RideStore) *DirectPort {
	return &DirectPort{store: store}
}

func (p *DirectPort) Submit(ctx context.Context, t Transition) error {
	if t.Kind != TransitionReject {
		return fmt.Errorf("transition %q requires the log-mediated port", t.Kind)
	}
	if err := p.store.UpdateRideStatus(ctx, t.BookingID, rides.StatusRejected); err != nil {
		return err
	}
	if t.DriverID == "" {
		return nil
	}
	return p.store.MarkDriverAvailable(ctx, t.DriverID)
}
