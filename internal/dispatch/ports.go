package dispatch

import (
	"context"

	"dispatch-service/internal/rides"
)

// Connection roles.
const (
	RoleDriver = "driver"
	RoleUser   = "user"
)

// EventLog is the durable append-only log the engine produces to and
// consumes from.
type EventLog interface {
	Publish(ctx context.Context, topic, key string, value any) error
	Subscribe(ctx context.Context, topic, groupID string, handler func([]byte) error)
}

// Notifier fans server-originated events out to client connections across
// all instances.
type Notifier interface {
	Broadcast(ctx context.Context, role string, event any) error
	EmitTo(ctx context.Context, role, target string, event any) error
}

// RideStore is the persistent-store slice the engine writes through.
type RideStore interface {
	UpsertRide(ctx context.Context, r rides.RideRequest) error
	UpdateRideStatus(ctx context.Context, bookingID, status string) error
	MarkDriverAvailable(ctx context.Context, driverID string) error
}

// LocationStore records driver positions consumed from the
// driver-location topic.
type LocationStore interface {
	SetDriverLocation(ctx context.Context, driverID string, lat, lng float64) error
}
