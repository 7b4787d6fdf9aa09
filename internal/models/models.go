package models

import (
	"time"

	"github.com/example/ride-dispatch/internal/geo"
)

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

// Identity is the authenticated caller as attached by the request layer.
// DriverID is set only for drivers with a registered driver profile.
type Identity struct {
	UserID   int64 `json:"user_id"`
	Role     Role  `json:"role"`
	DriverID int64 `json:"driver_id,omitempty"`
}

func (i Identity) Authenticated() bool {
	return i.UserID > 0 && (i.Role == RolePassenger || i.Role == RoleDriver)
}

func (i Identity) IsDriver() bool { return i.Role == RoleDriver && i.DriverID > 0 }

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverOnRide    DriverStatus = "on_ride"
	DriverOffline   DriverStatus = "offline"
)

func (s DriverStatus) Valid() bool {
	switch s {
	case DriverAvailable, DriverOnRide, DriverOffline:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is one of the allowed driver edges:
// available->on_ride, on_ride->available, any->offline, offline->available.
func (s DriverStatus) CanTransition(to DriverStatus) bool {
	switch {
	case to == DriverOffline:
		return s.Valid()
	case s == DriverAvailable && to == DriverOnRide:
		return true
	case s == DriverOnRide && to == DriverAvailable:
		return true
	case s == DriverOffline && to == DriverAvailable:
		return true
	}
	return false
}

// Position is a cached driver location. A nil *Position means both
// coordinates are unset.
type Position struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p Position) Point() geo.Point { return geo.Point{Lat: p.Lat, Lng: p.Lng} }

type Driver struct {
	ID         int64        `json:"id"`
	UserID     int64        `json:"user_id"`
	Name       string       `json:"name"`
	Vehicle    string       `json:"vehicle"`
	Status     DriverStatus `json:"status"`
	Position   *Position    `json:"position,omitempty"`
	Rating     float64      `json:"rating"`
	TotalRides int          `json:"total_rides"`
	Active     bool         `json:"active"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Place is a point with a human readable address.
type Place struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

func (p Place) Point() geo.Point { return geo.Point{Lat: p.Lat, Lng: p.Lng} }

type RequestStatus string

const (
	RequestActive  RequestStatus = "active"
	RequestMatched RequestStatus = "matched"
	RequestExpired RequestStatus = "expired"
)

type RideRequest struct {
	ID          int64         `json:"id"`
	PassengerID int64         `json:"passenger_id"`
	Pickup      Place         `json:"pickup"`
	Destination Place         `json:"destination"`
	Status      RequestStatus `json:"status"`
	RequestedAt time.Time     `json:"requested_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

type RideStatus string

const (
	RideRequested RideStatus = "requested"
	RideAccepted  RideStatus = "accepted"
	RidePickedUp  RideStatus = "picked_up"
	RideInTransit RideStatus = "in_transit"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
	RideFailed    RideStatus = "failed"
)

var rideEdges = map[RideStatus][]RideStatus{
	RideRequested: {RideAccepted, RideCancelled},
	RideAccepted:  {RidePickedUp, RideCancelled},
	RidePickedUp:  {RideInTransit},
	RideInTransit: {RideCompleted},
}

func (s RideStatus) Valid() bool {
	switch s {
	case RideRequested, RideAccepted, RidePickedUp, RideInTransit, RideCompleted, RideCancelled, RideFailed:
		return true
	}
	return false
}

func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled || s == RideFailed
}

// CanTransition reports whether s -> to is a legal ride edge. Any
// non-terminal status may move to failed.
func (s RideStatus) CanTransition(to RideStatus) bool {
	if s.Terminal() {
		return false
	}
	if to == RideFailed {
		return true
	}
	for _, next := range rideEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

type Ride struct {
	ID            int64         `json:"id"`
	RequestID     int64         `json:"request_id"`
	PassengerID   int64         `json:"passenger_id"`
	DriverID      int64         `json:"driver_id"`
	DriverUserID  int64         `json:"driver_user_id"`
	Vehicle       string        `json:"vehicle,omitempty"`
	Pickup        Place         `json:"pickup"`
	Destination   Place         `json:"destination"`
	Status        RideStatus    `json:"status"`
	Fare          *float64      `json:"fare,omitempty"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	PickupTime    *time.Time    `json:"pickup_time,omitempty"`
	DropoffTime   *time.Time    `json:"dropoff_time,omitempty"`
	Rating        *float64      `json:"rating,omitempty"`
	Review        string        `json:"review,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// LocationSample is one received location update. Append-only.
type LocationSample struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	DriverID   int64     `json:"driver_id,omitempty"`
	RideID     int64     `json:"ride_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Geohash    string    `json:"geohash"`
	RecordedAt time.Time `json:"recorded_at"`
}
