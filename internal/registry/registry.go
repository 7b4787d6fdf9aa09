// Package registry owns driver availability and cached driver positions.
// Driver status only changes through the transition methods here, whether
// called standalone or inside a ride transaction.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type Registry struct {
	store  storage.Store
	index  geo.Index // optional position mirror
	logger *slog.Logger
	now    func() time.Time
}

func New(store storage.Store, index geo.Index, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, index: index, logger: logger.With("component", "registry"), now: time.Now}
}

// Register adds a driver profile. New drivers start offline.
func (r *Registry) Register(ctx context.Context, d *models.Driver) error {
	if d.UserID <= 0 {
		return fmt.Errorf("driver user id: %w", apperr.ErrValidation)
	}
	d.Status = models.DriverOffline
	d.Position = nil
	if err := r.store.CreateDriver(ctx, d); err != nil {
		return err
	}
	r.logger.Info("driver registered", "driver_id", d.ID, "user_id", d.UserID)
	return nil
}

func (r *Registry) Get(ctx context.Context, id int64) (models.Driver, error) {
	return r.store.GetDriver(ctx, id)
}

// DriverForUser resolves the driver profile behind a user identity.
func (r *Registry) DriverForUser(ctx context.Context, userID int64) (models.Driver, error) {
	return r.store.DriverByUserID(ctx, userID)
}

// ListAvailable returns active drivers whose status is available, ordered by id.
func (r *Registry) ListAvailable(ctx context.Context) ([]models.Driver, error) {
	all, err := r.store.ListDrivers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(all))
	for _, d := range all {
		if d.Active && d.Status == models.DriverAvailable {
			out = append(out, d)
		}
	}
	observability.DriversAvailable.Set(float64(len(out)))
	return out, nil
}

// NearestAvailable returns the available driver with a cached position
// closest to p, ties broken by lowest id. ok is false when no candidate has
// a position.
func (r *Registry) NearestAvailable(ctx context.Context, p geo.Point) (models.Driver, bool, error) {
	candidates, err := r.ListAvailable(ctx)
	if err != nil {
		return models.Driver{}, false, err
	}
	var (
		best     models.Driver
		bestDist float64
		found    bool
	)
	for _, d := range candidates {
		if d.Position == nil {
			continue
		}
		dist := geo.DistanceKm(d.Position.Point(), p)
		if !found || dist < bestDist || (dist == bestDist && d.ID < best.ID) {
			best, bestDist, found = d, dist, true
		}
	}
	return best, found, nil
}

// Nearby lists drivers from the position index around p. Index entries may
// lag the registry; callers needing availability must re-check.
func (r *Registry) Nearby(p geo.Point, limit int) ([]geo.Neighbor, error) {
	if r.index == nil {
		return nil, nil
	}
	return r.index.Nearby(p, limit)
}

// UpdatePosition sets the cached position of a driver. Unknown drivers are
// logged and ignored.
func (r *Registry) UpdatePosition(ctx context.Context, driverID int64, lat, lng float64, at time.Time) error {
	p := geo.Point{Lat: lat, Lng: lng}
	if !p.Valid() {
		return fmt.Errorf("position %v: %w", p, apperr.ErrValidation)
	}
	if at.IsZero() {
		at = r.now()
	}
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		d, err := tx.DriverForUpdate(ctx, driverID)
		if err != nil {
			return err
		}
		d.Position = &models.Position{Lat: lat, Lng: lng, UpdatedAt: at.UTC()}
		return tx.UpdateDriver(ctx, d)
	})
	if errors.Is(err, apperr.ErrNotFound) {
		r.logger.Warn("position update for unknown driver", "driver_id", driverID)
		return nil
	}
	if err != nil {
		return err
	}
	if r.index != nil {
		if err := r.index.Upsert(driverID, p); err != nil {
			r.logger.Warn("geo index upsert failed", "driver_id", driverID, "error", err)
		}
	}
	return nil
}

// SetStatus moves a driver between available and offline. on_ride is
// entered and left only through ClaimTx and ReleaseTx, so a driver with an
// open ride cannot be matched twice.
func (r *Registry) SetStatus(ctx context.Context, driverID int64, to models.DriverStatus) (models.Driver, error) {
	var out models.Driver
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		cur, err := tx.DriverForUpdate(ctx, driverID)
		if err != nil {
			return err
		}
		if to == models.DriverOnRide || cur.Status == models.DriverOnRide {
			return fmt.Errorf("driver %d %s -> %s outside a ride: %w", driverID, cur.Status, to, apperr.ErrInvalidTransition)
		}
		d, err := r.TransitionTx(ctx, tx, driverID, to)
		out = d
		return err
	})
	if err != nil {
		return models.Driver{}, err
	}
	if to == models.DriverOffline && r.index != nil {
		if err := r.index.Remove(driverID); err != nil {
			r.logger.Warn("geo index remove failed", "driver_id", driverID, "error", err)
		}
	}
	r.logger.Info("driver status changed", "driver_id", driverID, "status", to)
	return out, nil
}

// TransitionTx applies a status edge inside tx. The driver row is locked
// for the rest of the transaction.
func (r *Registry) TransitionTx(ctx context.Context, tx storage.Tx, driverID int64, to models.DriverStatus) (models.Driver, error) {
	d, err := tx.DriverForUpdate(ctx, driverID)
	if err != nil {
		return models.Driver{}, err
	}
	if !d.Status.CanTransition(to) {
		return d, fmt.Errorf("driver %d %s -> %s: %w", driverID, d.Status, to, apperr.ErrInvalidTransition)
	}
	d.Status = to
	if err := tx.UpdateDriver(ctx, d); err != nil {
		return models.Driver{}, err
	}
	return d, nil
}

// ClaimTx locks an available, active driver and moves it to on_ride. Any
// other state is a Conflict: the driver was taken or went away.
func (r *Registry) ClaimTx(ctx context.Context, tx storage.Tx, driverID int64) (models.Driver, error) {
	d, err := tx.DriverForUpdate(ctx, driverID)
	if err != nil {
		return models.Driver{}, err
	}
	if !d.Active || d.Status != models.DriverAvailable {
		return d, fmt.Errorf("driver %d is %s: %w", driverID, d.Status, apperr.ErrConflict)
	}
	return r.TransitionTx(ctx, tx, driverID, models.DriverOnRide)
}

// ReleaseTx returns an on_ride driver to available, counting the ride when
// completed is set.
func (r *Registry) ReleaseTx(ctx context.Context, tx storage.Tx, driverID int64, completed bool) (models.Driver, error) {
	d, err := tx.DriverForUpdate(ctx, driverID)
	if err != nil {
		return models.Driver{}, err
	}
	if completed {
		d.TotalRides++
	}
	if d.Status == models.DriverOnRide {
		d.Status = models.DriverAvailable
	}
	if err := tx.UpdateDriver(ctx, d); err != nil {
		return models.Driver{}, err
	}
	return d, nil
}
