// Package gateway accepts client websocket connections and translates
// their actions into engine calls and log appends.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"dispatch-service/internal/dispatch"
	"dispatch-service/pkg/jwt"
	"dispatch-service/pkg/validation"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// safeConn wraps a websocket.Conn with a write mutex.
// gorilla/websocket allows one concurrent writer; this enforces that.
type safeConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// Send writes v as JSON, satisfying registry.Conn.
func (c *safeConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// Gateway owns the websocket endpoint.
type Gateway struct {
	engine *dispatch.Engine
}

// New wires a gateway to the engine.
func New(engine *dispatch.Engine) *Gateway {
	return &Gateway{engine: engine}
}

// Routes returns a chi.Router for the /ws mount point.
func (g *Gateway) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", g.HandleWS)
	return r
}

// HandleWS upgrades the connection and runs its action loop until the
// client disconnects. Disconnection only drops the registration; ride
// state survives a reconnect.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	claims := jwt.GetClaims(r.Context())

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}
	conn := &safeConn{ws: ws}
	log.Printf("[ws] client connected")

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			g.sendError(conn, "invalid message")
			continue
		}
		g.handleAction(r.Context(), conn, claims, msg)
	}

	g.engine.UnregisterConn(conn)
	ws.Close()
	log.Printf("[ws] client disconnected")
}

func (g *Gateway) handleAction(ctx context.Context, conn *safeConn, claims *jwt.Claims, msg ClientMessage) {
	switch msg.Action {
	case ActionRegisterDriver:
		if !roleAllowed(claims, "driver") {
			g.sendError(conn, "token role does not permit driver registration")
			return
		}
		if !validation.ValidateID(msg.DriverID) {
			g.sendError(conn, "invalid driver_id")
			return
		}
		g.engine.RegisterDriver(msg.DriverID, conn)

	case ActionRegisterUser:
		if !roleAllowed(claims, "rider") {
			g.sendError(conn, "token role does not permit user registration")
			return
		}
		if !validation.ValidateID(msg.UserID) {
			g.sendError(conn, "invalid user_id")
			return
		}
		g.engine.RegisterUser(msg.UserID, conn)

	case ActionRequestRide:
		if !validation.ValidateID(msg.UserID) {
			g.sendError(conn, "invalid user_id")
			return
		}
		if !validation.ValidateCoordinates(msg.StartLocation.Lat, msg.StartLocation.Lng) ||
			!validation.ValidateCoordinates(msg.EndLocation.Lat, msg.EndLocation.Lng) {
			g.sendError(conn, "invalid coordinates")
			return
		}
		if !validation.ValidateFare(msg.Fare) || !validation.ValidateFare(msg.BookingFee) || !validation.ValidateFare(msg.RideCharge) {
			g.sendError(conn, "invalid fare")
			return
		}
		bookingID, err := g.engine.RequestRide(ctx, dispatch.RideInput{
			UserID:        msg.UserID,
			StartLocation: msg.StartLocation,
			EndLocation:   msg.EndLocation,
			Distance:      msg.Distance,
			Duration:      msg.Duration,
			Fare:          msg.Fare,
			BookingFee:    msg.BookingFee,
			RideCharge:    msg.RideCharge,
		}, conn)
		if err != nil {
			log.Printf("[ws] request ride: %v", err)
			g.sendError(conn, "ride request failed")
			return
		}
		g.send(conn, dispatch.Notification{Type: dispatch.NotifyRideRequestSent, BookingID: bookingID})

	case ActionAcceptRide:
		if !validation.ValidateID(msg.BookingID) {
			g.sendError(conn, "invalid booking_id")
			return
		}
		if err := g.engine.AcceptRide(ctx, msg.BookingID, msg.DriverID, msg.UserID); err != nil {
			log.Printf("[ws] accept ride: %v", err)
			g.sendError(conn, "accept failed")
		}

	case ActionCompleteRide:
		if !validation.ValidateID(msg.BookingID) {
			g.sendError(conn, "invalid booking_id")
			return
		}
		if err := g.engine.CompleteRide(ctx, msg.BookingID, msg.DriverID, msg.UserID); err != nil {
			log.Printf("[ws] complete ride: %v", err)
			g.sendError(conn, "complete failed")
		}

	case ActionRejectRide:
		if !validation.ValidateID(msg.BookingID) {
			g.sendError(conn, "invalid booking_id")
			return
		}
		if err := g.engine.RejectRide(ctx, msg.BookingID, msg.DriverID); err != nil {
			log.Printf("[ws] reject ride: %v", err)
			g.sendError(conn, "reject failed")
		}

	case ActionUpdateLocation:
		if !validation.ValidateID(msg.DriverID) || !validation.ValidateCoordinates(msg.Lat, msg.Lng) {
			g.sendError(conn, "invalid location update")
			return
		}
		if err := g.engine.UpdateDriverLocation(ctx, msg.DriverID, msg.Lat, msg.Lng); err != nil {
			log.Printf("[ws] update location: %v", err)
			g.sendError(conn, "location update failed")
		}

	default:
		g.sendError(conn, "unknown action")
	}
}

// roleAllowed permits tokenless connections (identity checks belong to the
// surrounding account service) but refuses a token whose role contradicts
// the registration.
func roleAllowed(claims *jwt.Claims, role string) bool {
	return claims == nil || claims.Role == role
}

func (g *Gateway) send(conn *safeConn, n dispatch.Notification) {
	if err := conn.Send(n); err != nil {
		log.Printf("[ws] write error: %v", err)
	}
}

func (g *Gateway) sendError(conn *safeConn, reason string) {
	g.send(conn, dispatch.Notification{Type: dispatch.NotifyError, Error: reason})
}
