package events

// LatLng is a coordinate pair used in event payloads.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// RideAcceptedEvent is published to ride-accepted when a driver takes a
// pending request.
type RideAcceptedEvent struct {
	BookingID string `json:"booking_id"`
	DriverID  string `json:"driver_id"`
	UserID    string `json:"user_id"`
}

// RideCompletedEvent is published to ride-completed.
type RideCompletedEvent struct {
	BookingID string `json:"booking_id"`
	DriverID  string `json:"driver_id"`
	UserID    string `json:"user_id"`
}

// RideRejectedEvent is published to ride-rejected when rejection is
// configured to go through the log.
type RideRejectedEvent struct {
	BookingID string `json:"booking_id"`
	DriverID  string `json:"driver_id"`
}

// DriverLocationEvent is published to driver-location.
type DriverLocationEvent struct {
	DriverID   string  `json:"driver_id"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	RecordedAt string  `json:"recorded_at"`
}
