package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch-service/internal/dispatch"
	"dispatch-service/internal/rides"
	"dispatch-service/pkg/kafka"
)

// fakeLog is an in-memory event log. Publish delivers synchronously to the
// subscribed handler, so a test observes the full produce→consume path.
type fakeLog struct {
	mu        sync.Mutex
	handlers  map[string]func([]byte) error
	published map[string]int
	failing   map[string]bool
}

func newFakeLog() *fakeLog {
	return &fakeLog{
		handlers:  make(map[string]func([]byte) error),
		published: make(map[string]int),
		failing:   make(map[string]bool),
	}
}

func (l *fakeLog) Publish(_ context.Context, topic, _ string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if l.failing[topic] {
		l.mu.Unlock()
		return errors.New("broker unavailable")
	}
	l.published[topic]++
	h := l.handlers[topic]
	l.mu.Unlock()

	if h != nil {
		return h(data)
	}
	return nil
}

func (l *fakeLog) Subscribe(_ context.Context, topic, _ string, handler func([]byte) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[topic] = handler
}

// loopNotifier short-circuits the fanout bus: every emit is routed straight
// back into the local sink, and recorded for assertions.
type loopNotifier struct {
	mu         sync.Mutex
	sink       sink
	broadcasts []string // "role/type"
	directed   []string // "role/target/type"
}

type sink interface {
	DeliverBroadcast(role string, event []byte)
	DeliverDirect(role, target string, event []byte)
}

func (n *loopNotifier) Broadcast(_ context.Context, role string, event any) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var note dispatch.Notification
	_ = json.Unmarshal(raw, &note)

	n.mu.Lock()
	n.broadcasts = append(n.broadcasts, role+"/"+note.Type)
	n.mu.Unlock()

	n.sink.DeliverBroadcast(role, raw)
	return nil
}

func (n *loopNotifier) EmitTo(_ context.Context, role, target string, event any) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var note dispatch.Notification
	_ = json.Unmarshal(raw, &note)

	n.mu.Lock()
	n.directed = append(n.directed, role+"/"+target+"/"+note.Type)
	n.mu.Unlock()

	n.sink.DeliverDirect(role, target, raw)
	return nil
}

type fakeStore struct {
	mu               sync.Mutex
	ridesByID        map[string]rides.RideRequest
	statusUpdates    map[string]string
	availableDrivers []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ridesByID:     make(map[string]rides.RideRequest),
		statusUpdates: make(map[string]string),
	}
}

func (s *fakeStore) UpsertRide(_ context.Context, r rides.RideRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ridesByID[r.BookingID] = r
	return nil
}

func (s *fakeStore) UpdateRideStatus(_ context.Context, bookingID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusUpdates[bookingID] = status
	if r, ok := s.ridesByID[bookingID]; ok {
		r.Status = status
		s.ridesByID[bookingID] = r
	}
	return nil
}

func (s *fakeStore) MarkDriverAvailable(_ context.Context, driverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availableDrivers = append(s.availableDrivers, driverID)
	return nil
}

func (s *fakeStore) ride(t *testing.T, bookingID string) rides.RideRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ridesByID[bookingID]
	require.True(t, ok, "ride %s not persisted", bookingID)
	return r
}

type fakeLocations struct {
	mu        sync.Mutex
	positions map[string][2]float64
}

func newFakeLocations() *fakeLocations {
	return &fakeLocations{positions: make(map[string][2]float64)}
}

func (l *fakeLocations) SetDriverLocation(_ context.Context, driverID string, lat, lng float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[driverID] = [2]float64{lat, lng}
	return nil
}

// fakeConn collects everything sent to one connection, normalised to
// Notification regardless of whether it arrived typed or as raw fanout
// bytes.
type fakeConn struct {
	mu   sync.Mutex
	msgs []dispatch.Notification
}

func (c *fakeConn) Send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var n dispatch.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, n)
	return nil
}

func (c *fakeConn) byType(typ string) []dispatch.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []dispatch.Notification
	for _, m := range c.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type testEnv struct {
	engine *dispatch.Engine
	log    *fakeLog
	notify *loopNotifier
	store  *fakeStore
	locs   *fakeLocations
}

func newTestEnv(t *testing.T, reject func(store *fakeStore, log *fakeLog) dispatch.TransitionPort) *testEnv {
	t.Helper()
	lg := newFakeLog()
	st := newFakeStore()
	nt := &loopNotifier{}
	lc := newFakeLocations()

	var port dispatch.TransitionPort
	if reject != nil {
		port = reject(st, lg)
	} else {
		port = dispatch.NewDirectPort(st)
	}

	e := dispatch.NewEngine(lg, nt, st, lc, port)
	nt.sink = e
	e.Start(context.Background())
	return &testEnv{engine: e, log: lg, notify: nt, store: st, locs: lc}
}

func rideInput(userID string) dispatch.RideInput {
	return dispatch.RideInput{
		UserID:     userID,
		Distance:   12.4,
		Duration:   1800,
		Fare:       220,
		BookingFee: 20,
		RideCharge: 200,
	}
}

func TestFullRideLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	userConn := &fakeConn{}
	driverConn := &fakeConn{}

	bookingID, err := env.engine.RequestRide(ctx, rideInput("user-7"), userConn)
	require.NoError(t, err)
	require.NotEmpty(t, bookingID)

	// the produced event, once consumed, made the ride live
	cached, ok := env.engine.Cache().Get(bookingID)
	require.True(t, ok)
	assert.Equal(t, rides.StatusPending, cached.Status)

	// a driver connecting after the request sees it replayed
	env.engine.RegisterDriver("driver-3", driverConn)
	pending := driverConn.byType(dispatch.NotifyPendingRideRequest)
	require.Len(t, pending, 1)
	assert.Equal(t, bookingID, pending[0].BookingID)

	require.NoError(t, env.engine.AcceptRide(ctx, bookingID, "driver-3", "user-7"))

	accepted := userConn.byType(dispatch.NotifyRideAccepted)
	require.NotEmpty(t, accepted)
	last := accepted[len(accepted)-1]
	assert.Equal(t, "driver-3", last.DriverID)
	require.NotNil(t, last.Ride, "directed accept carries the full snapshot")
	require.NotNil(t, last.Ride.DriverID)
	assert.Equal(t, "driver-3", *last.Ride.DriverID)

	require.NoError(t, env.engine.CompleteRide(ctx, bookingID, "driver-3", "user-7"))

	// completed rides are not kept live
	_, ok = env.engine.Cache().Get(bookingID)
	assert.False(t, ok)
	assert.Equal(t, 0, env.engine.Cache().Len())

	persisted := env.store.ride(t, bookingID)
	assert.Equal(t, rides.StatusCompleted, persisted.Status)
	require.NotNil(t, persisted.DriverID)
	assert.Equal(t, "driver-3", *persisted.DriverID)

	// both sides saw the completion broadcast
	assert.NotEmpty(t, driverConn.byType(dispatch.NotifyRideCompleted))
	assert.NotEmpty(t, userConn.byType(dispatch.NotifyRideCompleted))
}

func TestLateDriverReplayDeliversEachPendingOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	userConn := &fakeConn{}
	var bookings []string
	for i := 0; i < 3; i++ {
		id, err := env.engine.RequestRide(ctx, rideInput("user-7"), userConn)
		require.NoError(t, err)
		bookings = append(bookings, id)
	}

	driverConn := &fakeConn{}
	env.engine.RegisterDriver("driver-3", driverConn)

	replayed := driverConn.byType(dispatch.NotifyPendingRideRequest)
	require.Len(t, replayed, 3)

	seen := map[string]int{}
	for _, n := range replayed {
		seen[n.BookingID]++
	}
	for _, id := range bookings {
		assert.Equal(t, 1, seen[id], "booking %s replayed exactly once", id)
	}
}

func TestAcceptUnknownBookingBroadcastsAndUpserts(t *testing.T) {
	env := newTestEnv(t, nil)

	require.NoError(t, env.engine.AcceptRide(context.Background(), "ride_ghost", "driver-3", "user-7"))

	// cache untouched, but the event was still announced and persisted
	assert.Equal(t, 0, env.engine.Cache().Len())
	assert.Contains(t, env.notify.broadcasts, dispatch.RoleDriver+"/"+dispatch.NotifyRideAccepted)
	assert.Contains(t, env.notify.broadcasts, dispatch.RoleUser+"/"+dispatch.NotifyRideAccepted)

	persisted := env.store.ride(t, "ride_ghost")
	assert.Equal(t, rides.StatusAccepted, persisted.Status)
	require.NotNil(t, persisted.DriverID)
	assert.Equal(t, "driver-3", *persisted.DriverID)
}

func TestDuplicateAcceptKeepsFirstDriver(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	bookingID, err := env.engine.RequestRide(ctx, rideInput("user-7"), &fakeConn{})
	require.NoError(t, err)

	require.NoError(t, env.engine.AcceptRide(ctx, bookingID, "driver-3", "user-7"))
	// redelivery with a different driver must not steal the ride
	require.NoError(t, env.engine.AcceptRide(ctx, bookingID, "driver-9", "user-7"))

	cached, ok := env.engine.Cache().Get(bookingID)
	require.True(t, ok)
	assert.Equal(t, rides.StatusAccepted, cached.Status)
	require.NotNil(t, cached.DriverID)
	assert.Equal(t, "driver-3", *cached.DriverID)
}

func TestLateAcceptAfterCompletionIsIgnoredForCache(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	bookingID, err := env.engine.RequestRide(ctx, rideInput("user-7"), &fakeConn{})
	require.NoError(t, err)
	require.NoError(t, env.engine.AcceptRide(ctx, bookingID, "driver-3", "user-7"))
	require.NoError(t, env.engine.CompleteRide(ctx, bookingID, "driver-3", "user-7"))

	require.NoError(t, env.engine.AcceptRide(ctx, bookingID, "driver-3", "user-7"))
	_, ok := env.engine.Cache().Get(bookingID)
	assert.False(t, ok, "a completed ride must not reappear in the cache")
}

func TestRequestRideFailsWhenLogAppendFails(t *testing.T) {
	env := newTestEnv(t, nil)
	env.log.failing[kafka.TopicRideRequests] = true

	_, err := env.engine.RequestRide(context.Background(), rideInput("user-7"), &fakeConn{})
	require.Error(t, err)
	assert.Equal(t, 0, env.engine.Cache().Len())
}

func TestRejectDirectPort(t *testing.T) {
	env := newTestEnv(t, nil) // direct port is the default
	ctx := context.Background()

	bookingID, err := env.engine.RequestRide(ctx, rideInput("user-7"), &fakeConn{})
	require.NoError(t, err)

	require.NoError(t, env.engine.RejectRide(ctx, bookingID, "driver-3"))

	cached, ok := env.engine.Cache().Get(bookingID)
	require.True(t, ok, "rejected rides stay cached, only their status flips")
	assert.Equal(t, rides.StatusRejected, cached.Status)

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	assert.Equal(t, rides.StatusRejected, env.store.statusUpdates[bookingID])
	assert.Contains(t, env.store.availableDrivers, "driver-3")
	assert.Zero(t, env.log.published[kafka.TopicRideRejected], "direct path must not touch the log")
}

func TestRejectViaLogPort(t *testing.T) {
	env := newTestEnv(t, func(st *fakeStore, lg *fakeLog) dispatch.TransitionPort {
		return dispatch.NewLogPort(lg)
	})
	ctx := context.Background()

	bookingID, err := env.engine.RequestRide(ctx, rideInput("user-7"), &fakeConn{})
	require.NoError(t, err)

	require.NoError(t, env.engine.RejectRide(ctx, bookingID, "driver-3"))

	env.log.mu.Lock()
	published := env.log.published[kafka.TopicRideRejected]
	env.log.mu.Unlock()
	assert.Equal(t, 1, published)

	persisted := env.store.ride(t, bookingID)
	assert.Equal(t, rides.StatusRejected, persisted.Status)

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	assert.Contains(t, env.store.availableDrivers, "driver-3")
}

func TestDirectPortRefusesAcceptAndComplete(t *testing.T) {
	port := dispatch.NewDirectPort(newFakeStore())

	err := port.Submit(context.Background(), dispatch.Transition{
		Kind:      dispatch.TransitionAccept,
		BookingID: "ride_1",
	})
	assert.Error(t, err)
}

func TestStaleDisconnectKeepsFreshRegistration(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	oldConn := &fakeConn{}
	freshConn := &fakeConn{}
	env.engine.RegisterDriver("driver-3", oldConn)
	env.engine.RegisterDriver("driver-3", freshConn)

	// the old connection's close arrives after the re-registration
	env.engine.UnregisterConn(oldConn)

	_, err := env.engine.RequestRide(ctx, rideInput("user-7"), &fakeConn{})
	require.NoError(t, err)

	assert.Empty(t, oldConn.byType(dispatch.NotifyPendingRideRequest))
	assert.Len(t, freshConn.byType(dispatch.NotifyPendingRideRequest), 1)
}

func TestDriverLocationEventStored(t *testing.T) {
	env := newTestEnv(t, nil)

	require.NoError(t, env.engine.UpdateDriverLocation(context.Background(), "driver-3", 12.97, 77.59))

	env.locs.mu.Lock()
	defer env.locs.mu.Unlock()
	assert.Equal(t, [2]float64{12.97, 77.59}, env.locs.positions["driver-3"])
}
