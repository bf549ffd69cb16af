package dispatch

import "dispatch-service/internal/rides"

// Outbound notification types (server → client).
const (
	NotifyPendingRideRequest = "PENDING_RIDE_REQUEST"
	NotifyRideRequestSent    = "RIDE_REQUEST_SENT"
	NotifyRideAccepted       = "RIDE_ACCEPTED"
	NotifyRideCompleted      = "RIDE_COMPLETED"
	NotifyError              = "ERROR"
)

// Notification is the envelope written to client connections. Ride carries
// the full snapshot on directed emits so the receiving client does not
// need a separate fetch.
type Notification struct {
	Type      string             `json:"type"`
	BookingID string             `json:"booking_id,omitempty"`
	DriverID  string             `json:"driver_id,omitempty"`
	Ride      *rides.RideRequest `json:"ride,omitempty"`
	Error     string             `json:"error,omitempty"`
}
