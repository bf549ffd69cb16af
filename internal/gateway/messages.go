package gateway

import "dispatch-service/internal/events"

// Inbound client actions.
const (
	ActionRegisterDriver = "REGISTER_DRIVER"
	ActionRegisterUser   = "REGISTER_USER"
	ActionRequestRide    = "REQUEST_RIDE"
	ActionAcceptRide     = "ACCEPT_RIDE"
	ActionCompleteRide   = "COMPLETE_RIDE"
	ActionRejectRide     = "REJECT_RIDE"
	ActionUpdateLocation = "UPDATE_LOCATION"
)

// ClientMessage is the single inbound message shape; which fields matter
// depends on Action.
type ClientMessage struct {
	Action string `json:"action"`

	DriverID  string `json:"driver_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	BookingID string `json:"booking_id,omitempty"`

	StartLocation events.LatLng `json:"start_location,omitempty"`
	EndLocation   events.LatLng `json:"end_location,omitempty"`
	Distance      float64       `json:"distance,omitempty"`
	Duration      float64       `json:"duration,omitempty"`
	Fare          float64       `json:"fare,omitempty"`
	BookingFee    float64       `json:"booking_fee,omitempty"`
	RideCharge    float64       `json:"ride_charge,omitempty"`

	Lat float64 `json:"lat,omitempty"`
	Lng float64 `json:"lng,omitempty"`
}
