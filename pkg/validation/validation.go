package validation

import (
	"regexp"
	"strings"
)

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)

// ValidateID accepts the opaque driver/user/booking identifiers carried in
// client messages.
func ValidateID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && len(id) <= 64 && idRegex.MatchString(id)
}

func ValidateCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// ValidateFare bounds the monetary fields a client may submit.
func ValidateFare(amount float64) bool {
	return amount >= 0 && amount <= 1_000_000
}
