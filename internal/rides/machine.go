// Package rides owns the Ride and RideRequest lifecycles. Every transition
// runs inside one store transaction together with the driver status change
// it implies.
package rides

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

type Machine struct {
	store    storage.Store
	registry *registry.Registry
	logger   *slog.Logger
	now      func() time.Time
}

func NewMachine(store storage.Store, reg *registry.Registry, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: store, registry: reg, logger: logger.With("component", "rides"), now: time.Now}
}

// WithClock replaces the time source. Used by tests and the sweeper.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// MatchAndAssign creates an accepted Ride for the request, moves the driver
// to on_ride and closes the request, all in one transaction. A request that
// is no longer active or a driver that is not available yields ErrConflict
// and nothing is written.
func (m *Machine) MatchAndAssign(ctx context.Context, requestID, driverID int64) (models.Ride, error) {
	start := time.Now()
	var ride models.Ride
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		req, err := tx.RideRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status != models.RequestActive {
			return fmt.Errorf("ride request %d is %s: %w", requestID, req.Status, apperr.ErrConflict)
		}
		drv, err := m.registry.ClaimTx(ctx, tx, driverID)
		if err != nil {
			return err
		}
		ride = models.Ride{
			RequestID:     req.ID,
			PassengerID:   req.PassengerID,
			DriverID:      drv.ID,
			DriverUserID:  drv.UserID,
			Vehicle:       drv.Vehicle,
			Pickup:        req.Pickup,
			Destination:   req.Destination,
			Status:        models.RideAccepted,
			PaymentStatus: models.PaymentPending,
		}
		if err := tx.InsertRide(ctx, &ride); err != nil {
			return err
		}
		req.Status = models.RequestMatched
		return tx.UpdateRideRequest(ctx, req)
	})
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return models.Ride{}, err
	}
	observability.MatchesTotal.Inc()
	observability.RideTransitions.WithLabelValues(string(models.RideAccepted)).Inc()
	m.logger.Info("driver assigned", "request_id", requestID, "driver_id", driverID, "ride_id", ride.ID)
	return ride, nil
}

// Cancel is open to the ride's passenger while the ride is requested or
// accepted. Other callers see ErrNotFound.
func (m *Machine) Cancel(ctx context.Context, rideID int64, actor models.Identity) (models.Ride, error) {
	return m.transition(ctx, rideID, models.RideCancelled, func(r *models.Ride) error {
		if r.PassengerID != actor.UserID {
			return fmt.Errorf("ride %d: %w", rideID, apperr.ErrNotFound)
		}
		if r.Status != models.RideRequested && r.Status != models.RideAccepted {
			return invalid(r, models.RideCancelled)
		}
		return nil
	}, releaseDriver)
}

// Complete finishes an in_transit ride, stamps the dropoff time and frees
// the driver with one more completed ride on record.
func (m *Machine) Complete(ctx context.Context, rideID int64) (models.Ride, error) {
	return m.transition(ctx, rideID, models.RideCompleted, func(r *models.Ride) error {
		if r.Status != models.RideInTransit {
			return invalid(r, models.RideCompleted)
		}
		t := m.now().UTC()
		r.DropoffTime = &t
		return nil
	}, completeDriver)
}

// PickUp records that the driver collected the passenger.
func (m *Machine) PickUp(ctx context.Context, rideID int64) (models.Ride, error) {
	return m.transition(ctx, rideID, models.RidePickedUp, func(r *models.Ride) error {
		if !r.Status.CanTransition(models.RidePickedUp) {
			return invalid(r, models.RidePickedUp)
		}
		t := m.now().UTC()
		r.PickupTime = &t
		return nil
	}, keepDriver)
}

func (m *Machine) StartTrip(ctx context.Context, rideID int64) (models.Ride, error) {
	return m.transition(ctx, rideID, models.RideInTransit, func(r *models.Ride) error {
		if !r.Status.CanTransition(models.RideInTransit) {
			return invalid(r, models.RideInTransit)
		}
		return nil
	}, keepDriver)
}

// Fail moves any non-terminal ride to failed and frees its driver.
func (m *Machine) Fail(ctx context.Context, rideID int64) (models.Ride, error) {
	return m.transition(ctx, rideID, models.RideFailed, func(r *models.Ride) error {
		if r.Status.Terminal() {
			return invalid(r, models.RideFailed)
		}
		return nil
	}, releaseDriver)
}

// Expire closes an active request whose deadline has passed. Expiring an
// already expired request is a no-op.
func (m *Machine) Expire(ctx context.Context, requestID int64) (models.RideRequest, error) {
	var out models.RideRequest
	var changed bool
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		req, err := tx.RideRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		out = req
		switch {
		case req.Status == models.RequestExpired:
			return nil
		case req.Status != models.RequestActive:
			return fmt.Errorf("ride request %d is %s: %w", requestID, req.Status, apperr.ErrInvalidTransition)
		case !m.now().After(req.ExpiresAt):
			return fmt.Errorf("ride request %d not due until %s: %w", requestID, req.ExpiresAt.Format(time.RFC3339), apperr.ErrInvalidTransition)
		}
		req.Status = models.RequestExpired
		out, changed = req, true
		return tx.UpdateRideRequest(ctx, req)
	})
	if err != nil {
		return models.RideRequest{}, err
	}
	if changed {
		observability.RequestsExpired.Inc()
		m.logger.Info("ride request expired", "request_id", requestID)
	}
	return out, nil
}

type driverEffect int

const (
	keepDriver driverEffect = iota
	releaseDriver
	completeDriver
)

// transition locks the ride, lets check validate and stamp it, then applies
// the status and the driver effect in the same transaction.
func (m *Machine) transition(ctx context.Context, rideID int64, to models.RideStatus, check func(*models.Ride) error, effect driverEffect) (models.Ride, error) {
	var out models.Ride
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		r, err := tx.RideForUpdate(ctx, rideID)
		if err != nil {
			return err
		}
		if err := check(&r); err != nil {
			return err
		}
		r.Status = to
		if err := tx.UpdateRide(ctx, r); err != nil {
			return err
		}
		if effect != keepDriver && r.DriverID > 0 {
			if _, err := m.registry.ReleaseTx(ctx, tx, r.DriverID, effect == completeDriver); err != nil {
				return err
			}
		}
		out = r
		return nil
	})
	if err != nil {
		return models.Ride{}, err
	}
	observability.RideTransitions.WithLabelValues(string(to)).Inc()
	m.logger.Info("ride status changed", "ride_id", rideID, "status", to)
	return out, nil
}

func invalid(r *models.Ride, to models.RideStatus) error {
	return fmt.Errorf("ride %d %s -> %s: %w", r.ID, r.Status, to, apperr.ErrInvalidTransition)
}
