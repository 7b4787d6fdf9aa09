package storage

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Store is the shared Driver/RideRequest/Ride/LocationSample store. Reads
// outside InTx see committed state only. Lookups of missing rows return
// apperr.ErrNotFound.
type Store interface {
	// InTx runs fn as one atomic unit: every write made through tx is
	// committed together or not at all. Rows returned by the *ForUpdate
	// methods stay locked until fn returns. Lock rows in the order ride
	// request, ride, driver.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id int64) (models.Driver, error)
	DriverByUserID(ctx context.Context, userID int64) (models.Driver, error)
	// ListDrivers returns every driver ordered by id.
	ListDrivers(ctx context.Context) ([]models.Driver, error)

	CreateRideRequest(ctx context.Context, r *models.RideRequest) error
	GetRideRequest(ctx context.Context, id int64) (models.RideRequest, error)
	// DueRideRequests lists active requests whose deadline is before now.
	DueRideRequests(ctx context.Context, now time.Time) ([]models.RideRequest, error)

	GetRide(ctx context.Context, id int64) (models.Ride, error)
	// ActiveRide returns the newest non-terminal ride the user takes part
	// in, as passenger or as driver.
	ActiveRide(ctx context.Context, userID int64) (models.Ride, error)
	// RideHistory returns a passenger's rides, newest first.
	RideHistory(ctx context.Context, passengerID int64, limit int) ([]models.Ride, error)
	// SetRideStatus writes status without consulting the ride state machine.
	SetRideStatus(ctx context.Context, rideID int64, status models.RideStatus) error
	SetPaymentStatus(ctx context.Context, rideID int64, status models.PaymentStatus) error

	// AppendLocation stores s and fills in its ID. It returns
	// apperr.ErrNotFound when s.RideID does not reference a ride.
	AppendLocation(ctx context.Context, s *models.LocationSample) error
	ListLocations(ctx context.Context, rideID int64) ([]models.LocationSample, error)
}

// Tx is the write side of a transaction started by Store.InTx. Update*
// methods require the row to have been locked through the same Tx.
type Tx interface {
	RideRequestForUpdate(ctx context.Context, id int64) (models.RideRequest, error)
	RideForUpdate(ctx context.Context, id int64) (models.Ride, error)
	DriverForUpdate(ctx context.Context, id int64) (models.Driver, error)

	InsertRide(ctx context.Context, r *models.Ride) error
	UpdateRideRequest(ctx context.Context, r models.RideRequest) error
	UpdateRide(ctx context.Context, r models.Ride) error
	UpdateDriver(ctx context.Context, d models.Driver) error
}
