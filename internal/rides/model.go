package rides

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"dispatch-service/internal/events"
)

// RideStatus enumerates the lifecycle states.
const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusCompleted = "completed"
	StatusRejected  = "rejected"
)

// RideRequest is the live snapshot of an in-flight ride. Trip facts are
// set at creation and never change; only Status and DriverID are mutated
// afterwards, and only by the dispatch engine.
type RideRequest struct {
	BookingID     string        `json:"booking_id"`
	UserID        string        `json:"user_id"`
	DriverID      *string       `json:"driver_id,omitempty"`
	StartLocation events.LatLng `json:"start_location"`
	EndLocation   events.LatLng `json:"end_location"`
	Distance      float64       `json:"distance"`
	Duration      float64       `json:"duration"`
	Fare          float64       `json:"fare"`
	BookingFee    float64       `json:"booking_fee"`
	RideCharge    float64       `json:"ride_charge"`
	Status        string        `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
}

// CanTransition reports whether a status change is allowed. Transitions
// only move forward: pending → accepted → completed, or pending → rejected.
func CanTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusAccepted || to == StatusRejected
	case StatusAccepted:
		return to == StatusCompleted
	default:
		return false
	}
}

// Terminal reports whether a status permits no further transitions.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusRejected
}

// NewBookingID generates a fresh ride identifier.
func NewBookingID() string {
	return "ride_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
