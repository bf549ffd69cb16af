// Package dispatch turns ride events into state-machine transitions and
// keeps the live-ride cache, connection registries, and fanout consistent.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"dispatch-service/internal/events"
	"dispatch-service/internal/registry"
	"dispatch-service/internal/rides"
	"dispatch-service/pkg/kafka"
)

// ConsumerGroup identifies the engine's consumer group on every topic.
const ConsumerGroup = "dispatch-engine"

// Engine owns the ride state machine. All ride-state transitions flow
// through consumed log events (rejection optionally excepted, see
// TransitionPort); client-facing handlers never mutate the cache directly.
type Engine struct {
	log       EventLog
	notify    Notifier
	store     RideStore
	locations LocationStore
	reject    TransitionPort

	cache   *rides.Cache
	drivers *registry.Registry
	users   *registry.Registry
}

// NewEngine constructs the engine with fresh registries and an empty
// cache. The engine is the sole owner of both.
func NewEngine(log EventLog, notify Notifier, store RideStore, locations LocationStore, reject TransitionPort) *Engine {
	return &Engine{
		log:       log,
		notify:    notify,
		store:     store,
		locations: locations,
		reject:    reject,
		cache:     rides.NewCache(),
		drivers:   registry.New(),
		users:     registry.New(),
	}
}

// Cache exposes the live-ride cache for the sync scheduler.
func (e *Engine) Cache() *rides.Cache { return e.cache }

// Start subscribes the engine to every topic it consumes.
func (e *Engine) Start(ctx context.Context) {
	e.log.Subscribe(ctx, kafka.TopicRideRequests, ConsumerGroup, func(data []byte) error {
		return e.handleRideRequested(ctx, data)
	})
	e.log.Subscribe(ctx, kafka.TopicRideAccepted, ConsumerGroup, func(data []byte) error {
		return e.handleRideAccepted(ctx, data)
	})
	e.log.Subscribe(ctx, kafka.TopicRideCompleted, ConsumerGroup, func(data []byte) error {
		return e.handleRideCompleted(ctx, data)
	})
	e.log.Subscribe(ctx, kafka.TopicRideRejected, ConsumerGroup, func(data []byte) error {
		return e.handleRideRejected(ctx, data)
	})
	e.log.Subscribe(ctx, kafka.TopicDriverLocation, ConsumerGroup, func(data []byte) error {
		return e.handleDriverLocation(ctx, data)
	})
}

// ---- consumed events ----

func (e *Engine) handleRideRequested(ctx context.Context, data []byte) error {
	var ride rides.RideRequest
	if err := json.Unmarshal(data, &ride); err != nil {
		return fmt.Errorf("decode ride-requests: %w", err)
	}
	if ride.Status != rides.StatusPending {
		log.Printf("[dispatch] ride-requests for %s carries status %q, skipping", ride.BookingID, ride.Status)
		return nil
	}

	// Cache before fanout: observers must never see an event whose
	// backing state is stale.
	e.cache.Put(ride)
	log.Printf("[dispatch] ride requested: booking=%s user=%s", ride.BookingID, ride.UserID)

	return e.notify.Broadcast(ctx, RoleDriver, Notification{
		Type:      NotifyPendingRideRequest,
		BookingID: ride.BookingID,
		Ride:      &ride,
	})
}

func (e *Engine) handleRideAccepted(ctx context.Context, data []byte) error {
	var ev events.RideAcceptedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode ride-accepted: %w", err)
	}

	ride, cached := e.cache.Get(ev.BookingID)
	if !cached {
		// At-least-once delivery across restarts: accept the event on
		// the payload alone. The cache is left untouched.
		log.Printf("[dispatch] accept for unknown booking %s, continuing from payload", ev.BookingID)
		ride = rides.RideRequest{
			BookingID: ev.BookingID,
			UserID:    ev.UserID,
			Status:    rides.StatusPending,
			CreatedAt: time.Now().UTC(),
		}
	}
	if rides.Terminal(ride.Status) {
		log.Printf("[dispatch] accept for %s ignored: status already %s", ev.BookingID, ride.Status)
		return nil
	}

	ride.Status = rides.StatusAccepted
	if ride.DriverID == nil {
		d := ev.DriverID
		ride.DriverID = &d
	}
	if cached {
		e.cache.Put(ride)
	}
	log.Printf("[dispatch] ride accepted: booking=%s driver=%s", ev.BookingID, ev.DriverID)

	e.broadcastAll(ctx, Notification{
		Type:      NotifyRideAccepted,
		BookingID: ev.BookingID,
		DriverID:  ev.DriverID,
	})
	e.emitTo(ctx, RoleUser, ev.UserID, Notification{
		Type:      NotifyRideAccepted,
		BookingID: ev.BookingID,
		DriverID:  ev.DriverID,
		Ride:      &ride,
	})

	// Best effort; the sync scheduler retries on failure.
	if err := e.store.UpsertRide(ctx, ride); err != nil {
		log.Printf("[dispatch] upsert accepted %s: %v", ev.BookingID, err)
	}
	return nil
}

func (e *Engine) handleRideCompleted(ctx context.Context, data []byte) error {
	var ev events.RideCompletedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode ride-completed: %w", err)
	}

	ride, cached := e.cache.Get(ev.BookingID)
	if !cached {
		log.Printf("[dispatch] complete for unknown booking %s, continuing from payload", ev.BookingID)
		ride = rides.RideRequest{
			BookingID: ev.BookingID,
			UserID:    ev.UserID,
			Status:    rides.StatusAccepted,
			CreatedAt: time.Now().UTC(),
		}
	}
	if ride.Status == rides.StatusRejected {
		log.Printf("[dispatch] complete for %s ignored: already rejected", ev.BookingID)
		return nil
	}

	ride.Status = rides.StatusCompleted
	if ride.DriverID == nil && ev.DriverID != "" {
		d := ev.DriverID
		ride.DriverID = &d
	}
	if cached {
		e.cache.Put(ride)
	}
	log.Printf("[dispatch] ride completed: booking=%s driver=%s", ev.BookingID, ev.DriverID)

	e.broadcastAll(ctx, Notification{
		Type:      NotifyRideCompleted,
		BookingID: ev.BookingID,
		DriverID:  ev.DriverID,
	})
	e.emitTo(ctx, RoleUser, ev.UserID, Notification{
		Type:      NotifyRideCompleted,
		BookingID: ev.BookingID,
		DriverID:  ev.DriverID,
		Ride:      &ride,
	})

	if err := e.store.UpsertRide(ctx, ride); err != nil {
		log.Printf("[dispatch] upsert completed %s: %v", ev.BookingID, err)
	}

	// Completed rides are not kept live.
	e.cache.Delete(ev.BookingID)
	return nil
}

func (e *Engine) handleRideRejected(ctx context.Context, data []byte) error {
	var ev events.RideRejectedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode ride-rejected: %w", err)
	}

	if ride, ok := e.cache.Get(ev.BookingID); ok {
		if ride.Status == rides.StatusCompleted {
			log.Printf("[dispatch] reject for %s ignored: already completed", ev.BookingID)
			return nil
		}
		ride.Status = rides.StatusRejected
		e.cache.Put(ride)
		if err := e.store.UpsertRide(ctx, ride); err != nil {
			log.Printf("[dispatch] upsert rejected %s: %v", ev.BookingID, err)
		}
	} else if err := e.store.UpdateRideStatus(ctx, ev.BookingID, rides.StatusRejected); err != nil {
		log.Printf("[dispatch] update rejected %s: %v", ev.BookingID, err)
	}

	log.Printf("[dispatch] ride rejected: booking=%s driver=%s", ev.BookingID, ev.DriverID)
	if ev.DriverID == "" {
		return nil
	}
	if err := e.store.MarkDriverAvailable(ctx, ev.DriverID); err != nil {
		log.Printf("[dispatch] mark driver %s available: %v", ev.DriverID, err)
	}
	return nil
}

func (e *Engine) handleDriverLocation(ctx context.Context, data []byte) error {
	var ev events.DriverLocationEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode driver-location: %w", err)
	}
	if err := e.locations.SetDriverLocation(ctx, ev.DriverID, ev.Lat, ev.Lng); err != nil {
		log.Printf("[dispatch] store location for %s: %v", ev.DriverID, err)
	}
	return nil
}

// ---- client actions ----

// RegisterDriver records the driver's connection (replacing any earlier
// one) and replays every still-pending request so a driver connecting late
// sees the open backlog.
func (e *Engine) RegisterDriver(driverID string, conn registry.Conn) {
	e.drivers.Register(driverID, conn)
	log.Printf("[dispatch] driver %s registered", driverID)

	for _, ride := range e.cache.Pending() {
		r := ride
		if err := conn.Send(Notification{
			Type:      NotifyPendingRideRequest,
			BookingID: r.BookingID,
			Ride:      &r,
		}); err != nil {
			log.Printf("[dispatch] replay %s to driver %s: %v", r.BookingID, driverID, err)
		}
	}
}

// RegisterUser records the rider's connection, replacing any earlier one.
func (e *Engine) RegisterUser(userID string, conn registry.Conn) {
	e.users.Register(userID, conn)
	log.Printf("[dispatch] user %s registered", userID)
}

// UnregisterConn drops a closed connection from both registries. Entries
// are matched by handle, so a late close of an old connection leaves a
// fresher registration intact. Ride state is untouched.
func (e *Engine) UnregisterConn(conn registry.Conn) {
	e.drivers.Unregister(conn)
	e.users.Unregister(conn)
}

// RideInput carries the trip facts of a REQUEST_RIDE action.
type RideInput struct {
	UserID        string
	StartLocation events.LatLng
	EndLocation   events.LatLng
	Distance      float64
	Duration      float64
	Fare          float64
	BookingFee    float64
	RideCharge    float64
}

// RequestRide appends a pending snapshot to the log and registers the
// requesting connection under the rider's id. The snapshot is not written
// to the cache here: it becomes visible only once the engine consumes its
// own produced event, keeping log-append the single path into the cache.
func (e *Engine) RequestRide(ctx context.Context, in RideInput, conn registry.Conn) (string, error) {
	bookingID := rides.NewBookingID()
	ride := rides.RideRequest{
		BookingID:     bookingID,
		UserID:        in.UserID,
		StartLocation: in.StartLocation,
		EndLocation:   in.EndLocation,
		Distance:      in.Distance,
		Duration:      in.Duration,
		Fare:          in.Fare,
		BookingFee:    in.BookingFee,
		RideCharge:    in.RideCharge,
		Status:        rides.StatusPending,
		CreatedAt:     time.Now().UTC(),
	}

	if err := e.log.Publish(ctx, kafka.TopicRideRequests, bookingID, ride); err != nil {
		return "", fmt.Errorf("append ride-requests: %w", err)
	}

	e.users.Register(in.UserID, conn)
	return bookingID, nil
}

// AcceptRide appends a ride-accepted event.
func (e *Engine) AcceptRide(ctx context.Context, bookingID, driverID, userID string) error {
	ev := events.RideAcceptedEvent{BookingID: bookingID, DriverID: driverID, UserID: userID}
	if err := e.log.Publish(ctx, kafka.TopicRideAccepted, bookingID, ev); err != nil {
		return fmt.Errorf("append ride-accepted: %w", err)
	}
	return nil
}

// CompleteRide appends a ride-completed event.
func (e *Engine) CompleteRide(ctx context.Context, bookingID, driverID, userID string) error {
	ev := events.RideCompletedEvent{BookingID: bookingID, DriverID: driverID, UserID: userID}
	if err := e.log.Publish(ctx, kafka.TopicRideCompleted, bookingID, ev); err != nil {
		return fmt.Errorf("append ride-completed: %w", err)
	}
	return nil
}

// RejectRide submits the rejection through the configured transition port
// (direct store write by default, log-mediated when so wired). The cached
// entry, if any, is marked rejected either way so the sync scheduler does
// not resurrect the pending status.
func (e *Engine) RejectRide(ctx context.Context, bookingID, driverID string) error {
	if ride, ok := e.cache.Get(bookingID); ok && rides.CanTransition(ride.Status, rides.StatusRejected) {
		ride.Status = rides.StatusRejected
		e.cache.Put(ride)
	}
	return e.reject.Submit(ctx, Transition{
		Kind:      TransitionReject,
		BookingID: bookingID,
		DriverID:  driverID,
	})
}

// UpdateDriverLocation appends a driver-location event.
func (e *Engine) UpdateDriverLocation(ctx context.Context, driverID string, lat, lng float64) error {
	ev := events.DriverLocationEvent{
		DriverID:   driverID,
		Lat:        lat,
		Lng:        lng,
		RecordedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := e.log.Publish(ctx, kafka.TopicDriverLocation, driverID, ev); err != nil {
		return fmt.Errorf("append driver-location: %w", err)
	}
	return nil
}

// ---- fanout sink (local delivery) ----

// DeliverBroadcast writes a fanned-out event to every local connection of
// the given role.
func (e *Engine) DeliverBroadcast(role string, event []byte) {
	reg := e.registryFor(role)
	if reg == nil {
		log.Printf("[dispatch] broadcast for unknown role %q", role)
		return
	}
	msg := json.RawMessage(event)
	reg.Each(func(id string, c registry.Conn) {
		if err := c.Send(msg); err != nil {
			log.Printf("[dispatch] send to %s %s: %v", role, id, err)
		}
	})
}

// DeliverDirect writes a fanned-out event to the local connection for
// target, silently dropping it when this instance holds no such
// connection.
func (e *Engine) DeliverDirect(role, target string, event []byte) {
	reg := e.registryFor(role)
	if reg == nil {
		log.Printf("[dispatch] directed emit for unknown role %q", role)
		return
	}
	c, ok := reg.Lookup(target)
	if !ok {
		return
	}
	if err := c.Send(json.RawMessage(event)); err != nil {
		log.Printf("[dispatch] send to %s %s: %v", role, target, err)
	}
}

func (e *Engine) registryFor(role string) *registry.Registry {
	switch role {
	case RoleDriver:
		return e.drivers
	case RoleUser:
		return e.users
	default:
		return nil
	}
}

func (e *Engine) broadcastAll(ctx context.Context, n Notification) {
	if err := e.notify.Broadcast(ctx, RoleDriver, n); err != nil {
		log.Printf("[dispatch] broadcast %s to drivers: %v", n.Type, err)
	}
	if err := e.notify.Broadcast(ctx, RoleUser, n); err != nil {
		log.Printf("[dispatch] broadcast %s to users: %v", n.Type, err)
	}
}

func (e *Engine) emitTo(ctx context.Context, role, target string, n Notification) {
	if err := e.notify.EmitTo(ctx, role, target, n); err != nil {
		log.Printf("[dispatch] emit %s to %s %s: %v", n.Type, role, target, err)
	}
}
