package rides

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists ride snapshots in Postgres. Every write is an idempotent
// upsert keyed by booking_id, so concurrent instances and redelivered
// events resolve to last-write-wins at the row level.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a store backed by the given pool.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// UpsertRide inserts or refreshes the persisted copy of a snapshot.
func (s *Store) UpsertRide(ctx context.Context, r RideRequest) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO ride_requests
		   (booking_id,user_id,driver_id,start_lat,start_lng,end_lat,end_lng,
		    distance,duration,fare,booking_fee,ride_charge,status,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		 ON CONFLICT (booking_id) DO UPDATE SET
		   status     = EXCLUDED.status,
		   driver_id  = COALESCE(EXCLUDED.driver_id, ride_requests.driver_id),
		   updated_at = NOW()`,
		r.BookingID, r.UserID, r.DriverID,
		r.StartLocation.Lat, r.StartLocation.Lng, r.EndLocation.Lat, r.EndLocation.Lng,
		r.Distance, r.Duration, r.Fare, r.BookingFee, r.RideCharge,
		r.Status, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert ride %s: %w", r.BookingID, err)
	}
	return nil
}

// UpdateRideStatus sets the status of an already-persisted ride. A booking
// that has not reached Postgres yet is not an error; the next sync pass
// carries the status with the full snapshot.
func (s *Store) UpdateRideStatus(ctx context.Context, bookingID, status string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE ride_requests SET status=$1, updated_at=NOW() WHERE booking_id=$2`,
		status, bookingID)
	if err != nil {
		return fmt.Errorf("update ride %s status: %w", bookingID, err)
	}
	return nil
}

// MarkDriverAvailable returns a driver to the available pool after a
// rejection.
func (s *Store) MarkDriverAvailable(ctx context.Context, driverID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE drivers SET status='available' WHERE id=$1`, driverID)
	if err != nil {
		return fmt.Errorf("mark driver %s available: %w", driverID, err)
	}
	return nil
}
