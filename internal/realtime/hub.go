// Package realtime keeps the live tracking connections of riders and
// drivers. Every connection belongs to exactly one group, named after its
// user, and receives events through a bounded queue drained by its own
// writer goroutine.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Transport is the subset of *websocket.Conn the hub needs.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// keepaliver is implemented by transports that answer pings, which lets the
// hub drop peers that stop responding.
type keepaliver interface {
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type LocationRecorder interface {
	Record(ctx context.Context, s *models.LocationSample) error
}

type PositionUpdater interface {
	UpdatePosition(ctx context.Context, driverID int64, lat, lng float64, at time.Time) error
}

// StatusWriter writes a ride status without transition checks.
type StatusWriter interface {
	SetRideStatus(ctx context.Context, rideID int64, status models.RideStatus) error
}

type Deps struct {
	Locations LocationRecorder
	Positions PositionUpdater
	Statuses  StatusWriter
}

type Options struct {
	SendQueue    int
	WriteTimeout time.Duration
	// PongWait is how long a connection may stay silent before it is
	// dropped. Pings go out every PingPeriod, which must be shorter.
	PongWait   time.Duration
	PingPeriod time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendQueue <= 0 {
		o.SendQueue = 32
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	return o
}

var ErrUnauthenticated = fmt.Errorf("realtime connection without identity: %w", apperr.ErrForbidden)

type Hub struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	groups map[string]map[*Client]struct{}
}

func NewHub(deps Deps, opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		deps:   deps,
		opts:   opts.withDefaults(),
		logger: logger.With("component", "realtime"),
		now:    time.Now,
		groups: make(map[string]map[*Client]struct{}),
	}
}

// GroupName is driver_<userID> or passenger_<userID>.
func GroupName(role models.Role, userID int64) string {
	return fmt.Sprintf("%s_%d", role, userID)
}

// Serve registers t under id and processes its inbound messages in order
// until the transport fails or ctx ends. The connection is unregistered
// before Serve returns.
func (h *Hub) Serve(ctx context.Context, id models.Identity, t Transport) error {
	c, err := h.Register(id, t)
	if err != nil {
		return err
	}
	defer h.Unregister(c)

	go func() {
		select {
		case <-ctx.Done():
			h.Unregister(c)
		case <-c.done:
		}
	}()

	if k, ok := t.(keepaliver); ok {
		wait := h.opts.PongWait
		_ = k.SetReadDeadline(time.Now().Add(wait))
		k.SetPongHandler(func(string) error { return k.SetReadDeadline(time.Now().Add(wait)) })
	}

	for {
		_, data, err := t.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("connection read failed", "group", c.group, "error", err)
			}
			return nil
		}
		h.handle(ctx, c, data)
	}
}

// Register adds t to its user's group and starts its writer. An
// unauthenticated identity is refused and t is closed.
func (h *Hub) Register(id models.Identity, t Transport) (*Client, error) {
	if !id.Authenticated() {
		_ = t.Close()
		return nil, ErrUnauthenticated
	}
	c := newClient(h, id, t)
	h.mu.Lock()
	members, ok := h.groups[c.group]
	if !ok {
		members = make(map[*Client]struct{})
		h.groups[c.group] = members
	}
	members[c] = struct{}{}
	h.mu.Unlock()

	observability.HubConnections.Inc()
	h.logger.Info("connection opened", "group", c.group)
	go c.writePump()
	return c, nil
}

// Unregister removes c from its group, dropping the group when it empties,
// and then closes the transport. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	members := h.groups[c.group]
	_, present := members[c]
	if present {
		delete(members, c)
		if len(members) == 0 {
			delete(h.groups, c.group)
		}
	}
	h.mu.Unlock()

	if c.shutdown() {
		observability.HubConnections.Dec()
		h.logger.Info("connection closed", "group", c.group)
	}
}

// GroupSize reports the live connections in a group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

func (h *Hub) HasGroup(group string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.groups[group]
	return ok
}

// SendToGroup queues v on every connection of the group. Delivery never
// blocks on a slow connection.
func (h *Hub) SendToGroup(group string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("marshal outbound message", "group", group, "error", err)
		return
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.groups[group]))
	for c := range h.groups[group] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(b)
	}
}

// BroadcastLocation sends a position from one ride participant to the
// other one's group. Driver positions reach the passenger as
// driver_location, passenger positions reach the driver as
// passenger_location.
func (h *Hub) BroadcastLocation(ride models.Ride, from models.Role, lat, lng float64) {
	ev := models.LocationEvent{Latitude: lat, Longitude: lng, RideID: ride.ID}
	var group string
	switch from {
	case models.RoleDriver:
		ev.Type = models.MsgDriverLocation
		group = GroupName(models.RolePassenger, ride.PassengerID)
	case models.RolePassenger:
		ev.Type = models.MsgPassengerLocation
		group = GroupName(models.RoleDriver, ride.DriverUserID)
	default:
		return
	}
	h.SendToGroup(group, ev)
}

func (h *Hub) NotifyUser(role models.Role, userID int64, ev models.NotificationEvent) {
	h.SendToGroup(GroupName(role, userID), ev)
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Client
	for _, members := range h.groups {
		for c := range members {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.Unregister(c)
	}
}

func (h *Hub) handle(ctx context.Context, c *Client, data []byte) {
	var msg models.Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Debug("dropping malformed message", "group", c.group, "error", err)
		return
	}
	switch msg.Type {
	case models.MsgLocationUpdate:
		h.handleLocation(ctx, c, msg)
	case models.MsgRideStatusUpdate:
		h.handleStatus(ctx, c, msg)
	default:
		h.logger.Debug("dropping unknown message type", "group", c.group, "type", msg.Type)
	}
}

func (h *Hub) handleLocation(ctx context.Context, c *Client, msg models.Inbound) {
	if msg.Latitude == nil || msg.Longitude == nil {
		return
	}
	lat, lng := *msg.Latitude, *msg.Longitude
	if !(geo.Point{Lat: lat, Lng: lng}).Valid() {
		return
	}
	now := h.now()

	if h.deps.Locations != nil {
		s := &models.LocationSample{UserID: c.id.UserID, DriverID: c.id.DriverID, RideID: msg.RideID, Lat: lat, Lng: lng, RecordedAt: now.UTC()}
		if err := h.deps.Locations.Record(ctx, s); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				h.logger.Debug("location for unknown ride", "ride_id", msg.RideID, "group", c.group)
			} else {
				h.logger.Warn("record location", "ride_id", msg.RideID, "error", err)
			}
		}
	}
	if c.id.IsDriver() && h.deps.Positions != nil {
		if err := h.deps.Positions.UpdatePosition(ctx, c.id.DriverID, lat, lng, now); err != nil {
			h.logger.Warn("update driver position", "driver_id", c.id.DriverID, "error", err)
		}
	}
	h.SendToGroup(c.group, models.LocationEvent{Type: models.MsgLocationUpdate, Latitude: lat, Longitude: lng, RideID: msg.RideID})
}

func (h *Hub) handleStatus(ctx context.Context, c *Client, msg models.Inbound) {
	status := models.RideStatus(msg.Status)
	if !status.Valid() || h.deps.Statuses == nil {
		h.logger.Debug("dropping status update", "ride_id", msg.RideID, "status", msg.Status)
		return
	}
	if err := h.deps.Statuses.SetRideStatus(ctx, msg.RideID, status); err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			h.logger.Warn("set ride status", "ride_id", msg.RideID, "error", err)
		}
		return
	}
	h.SendToGroup(c.group, models.StatusEvent{Type: models.MsgRideStatusUpdate, RideID: msg.RideID, Status: msg.Status})
}
