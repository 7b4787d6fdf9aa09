package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements Store on PostgreSQL. Transactions run at read
// committed and lock rows with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing handle.
func NewPostgresStoreWithDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) DB() *sqlx.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const (
	driverColumns = `id, user_id, name, vehicle, status, location_lat, location_lng, last_location_update,
		rating, total_rides, is_active, created_at, updated_at`
	requestColumns = `id, passenger_id, pickup_address, pickup_lat, pickup_lng,
		destination_address, destination_lat, destination_lng, status, requested_at, expires_at`
	rideColumns = `id, request_id, passenger_id, driver_id, driver_user_id, vehicle,
		pickup_address, pickup_lat, pickup_lng, destination_address, destination_lat, destination_lng,
		status, fare, payment_status, pickup_time, dropoff_time, rating, review, created_at, updated_at`
	locationColumns = `id, user_id, driver_id, ride_id, latitude, longitude, geohash, recorded_at`
)

type driverRow struct {
	ID         int64           `db:"id"`
	UserID     int64           `db:"user_id"`
	Name       string          `db:"name"`
	Vehicle    string          `db:"vehicle"`
	Status     string          `db:"status"`
	Lat        sql.NullFloat64 `db:"location_lat"`
	Lng        sql.NullFloat64 `db:"location_lng"`
	LocatedAt  sql.NullTime    `db:"last_location_update"`
	Rating     float64         `db:"rating"`
	TotalRides int             `db:"total_rides"`
	Active     bool            `db:"is_active"`
	CreatedAt  time.Time       `db:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

func (r driverRow) model() models.Driver {
	d := models.Driver{
		ID:         r.ID,
		UserID:     r.UserID,
		Name:       r.Name,
		Vehicle:    r.Vehicle,
		Status:     models.DriverStatus(r.Status),
		Rating:     r.Rating,
		TotalRides: r.TotalRides,
		Active:     r.Active,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.Lat.Valid && r.Lng.Valid {
		d.Position = &models.Position{Lat: r.Lat.Float64, Lng: r.Lng.Float64, UpdatedAt: r.LocatedAt.Time}
	}
	return d
}

type requestRow struct {
	ID                 int64     `db:"id"`
	PassengerID        int64     `db:"passenger_id"`
	PickupAddress      string    `db:"pickup_address"`
	PickupLat          float64   `db:"pickup_lat"`
	PickupLng          float64   `db:"pickup_lng"`
	DestinationAddress string    `db:"destination_address"`
	DestinationLat     float64   `db:"destination_lat"`
	DestinationLng     float64   `db:"destination_lng"`
	Status             string    `db:"status"`
	RequestedAt        time.Time `db:"requested_at"`
	ExpiresAt          time.Time `db:"expires_at"`
}

func (r requestRow) model() models.RideRequest {
	return models.RideRequest{
		ID:          r.ID,
		PassengerID: r.PassengerID,
		Pickup:      models.Place{Address: r.PickupAddress, Lat: r.PickupLat, Lng: r.PickupLng},
		Destination: models.Place{Address: r.DestinationAddress, Lat: r.DestinationLat, Lng: r.DestinationLng},
		Status:      models.RequestStatus(r.Status),
		RequestedAt: r.RequestedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

type rideRow struct {
	ID                 int64           `db:"id"`
	RequestID          int64           `db:"request_id"`
	PassengerID        int64           `db:"passenger_id"`
	DriverID           int64           `db:"driver_id"`
	DriverUserID       int64           `db:"driver_user_id"`
	Vehicle            string          `db:"vehicle"`
	PickupAddress      string          `db:"pickup_address"`
	PickupLat          float64         `db:"pickup_lat"`
	PickupLng          float64         `db:"pickup_lng"`
	DestinationAddress string          `db:"destination_address"`
	DestinationLat     float64         `db:"destination_lat"`
	DestinationLng     float64         `db:"destination_lng"`
	Status             string          `db:"status"`
	Fare               sql.NullFloat64 `db:"fare"`
	PaymentStatus      string          `db:"payment_status"`
	PickupTime         sql.NullTime    `db:"pickup_time"`
	DropoffTime        sql.NullTime    `db:"dropoff_time"`
	Rating             sql.NullFloat64 `db:"rating"`
	Review             string          `db:"review"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

func (r rideRow) model() models.Ride {
	ride := models.Ride{
		ID:            r.ID,
		RequestID:     r.RequestID,
		PassengerID:   r.PassengerID,
		DriverID:      r.DriverID,
		DriverUserID:  r.DriverUserID,
		Vehicle:       r.Vehicle,
		Pickup:        models.Place{Address: r.PickupAddress, Lat: r.PickupLat, Lng: r.PickupLng},
		Destination:   models.Place{Address: r.DestinationAddress, Lat: r.DestinationLat, Lng: r.DestinationLng},
		Status:        models.RideStatus(r.Status),
		PaymentStatus: models.PaymentStatus(r.PaymentStatus),
		Review:        r.Review,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.Fare.Valid {
		f := r.Fare.Float64
		ride.Fare = &f
	}
	if r.PickupTime.Valid {
		t := r.PickupTime.Time
		ride.PickupTime = &t
	}
	if r.DropoffTime.Valid {
		t := r.DropoffTime.Time
		ride.DropoffTime = &t
	}
	if r.Rating.Valid {
		v := r.Rating.Float64
		ride.Rating = &v
	}
	return ride
}

type locationRow struct {
	ID         int64         `db:"id"`
	UserID     int64         `db:"user_id"`
	DriverID   sql.NullInt64 `db:"driver_id"`
	RideID     int64         `db:"ride_id"`
	Latitude   float64       `db:"latitude"`
	Longitude  float64       `db:"longitude"`
	Geohash    string        `db:"geohash"`
	RecordedAt time.Time     `db:"recorded_at"`
}

func (r locationRow) model() models.LocationSample {
	return models.LocationSample{
		ID:         r.ID,
		UserID:     r.UserID,
		DriverID:   r.DriverID.Int64,
		RideID:     r.RideID,
		Lat:        r.Latitude,
		Lng:        r.Longitude,
		Geohash:    r.Geohash,
		RecordedAt: r.RecordedAt,
	}
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, apperr.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %d: %w", what, id, err)
}

func (p *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	if d.Status == "" {
		d.Status = models.DriverOffline
	}
	var lat, lng sql.NullFloat64
	var at sql.NullTime
	if d.Position != nil {
		lat = sql.NullFloat64{Float64: d.Position.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: d.Position.Lng, Valid: true}
		at = sql.NullTime{Time: d.Position.UpdatedAt, Valid: true}
	}
	query := `
		INSERT INTO drivers (user_id, name, vehicle, status, location_lat, location_lng, last_location_update,
			rating, total_rides, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`
	err := p.db.QueryRowxContext(ctx, query,
		d.UserID, d.Name, d.Vehicle, d.Status, lat, lng, at, d.Rating, d.TotalRides, d.Active,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert driver: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id int64) (models.Driver, error) {
	var r driverRow
	if err := p.db.GetContext(ctx, &r, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id); err != nil {
		return models.Driver{}, notFound(err, "driver", id)
	}
	return r.model(), nil
}

func (p *PostgresStore) DriverByUserID(ctx context.Context, userID int64) (models.Driver, error) {
	var r driverRow
	if err := p.db.GetContext(ctx, &r, `SELECT `+driverColumns+` FROM drivers WHERE user_id = $1`, userID); err != nil {
		return models.Driver{}, notFound(err, "driver for user", userID)
	}
	return r.model(), nil
}

func (p *PostgresStore) ListDrivers(ctx context.Context) ([]models.Driver, error) {
	var rows []driverRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT `+driverColumns+` FROM drivers ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list drivers: %w", err)
	}
	out := make([]models.Driver, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (p *PostgresStore) CreateRideRequest(ctx context.Context, r *models.RideRequest) error {
	query := `
		INSERT INTO ride_requests (passenger_id, pickup_address, pickup_lat, pickup_lng,
			destination_address, destination_lat, destination_lng, status, requested_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`
	err := p.db.QueryRowxContext(ctx, query,
		r.PassengerID, r.Pickup.Address, r.Pickup.Lat, r.Pickup.Lng,
		r.Destination.Address, r.Destination.Lat, r.Destination.Lng,
		r.Status, r.RequestedAt, r.ExpiresAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to insert ride request: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRideRequest(ctx context.Context, id int64) (models.RideRequest, error) {
	var r requestRow
	if err := p.db.GetContext(ctx, &r, `SELECT `+requestColumns+` FROM ride_requests WHERE id = $1`, id); err != nil {
		return models.RideRequest{}, notFound(err, "ride request", id)
	}
	return r.model(), nil
}

func (p *PostgresStore) DueRideRequests(ctx context.Context, now time.Time) ([]models.RideRequest, error) {
	var rows []requestRow
	query := `SELECT ` + requestColumns + ` FROM ride_requests WHERE status = 'active' AND expires_at < $1 ORDER BY id`
	if err := p.db.SelectContext(ctx, &rows, query, now); err != nil {
		return nil, fmt.Errorf("failed to list due ride requests: %w", err)
	}
	out := make([]models.RideRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id int64) (models.Ride, error) {
	var r rideRow
	if err := p.db.GetContext(ctx, &r, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id); err != nil {
		return models.Ride{}, notFound(err, "ride", id)
	}
	return r.model(), nil
}

func (p *PostgresStore) ActiveRide(ctx context.Context, userID int64) (models.Ride, error) {
	var r rideRow
	query := `
		SELECT ` + rideColumns + ` FROM rides
		WHERE (passenger_id = $1 OR driver_user_id = $1)
		AND status IN ('requested', 'accepted', 'picked_up', 'in_transit')
		ORDER BY id DESC
		LIMIT 1`
	if err := p.db.GetContext(ctx, &r, query, userID); err != nil {
		return models.Ride{}, notFound(err, "active ride for user", userID)
	}
	return r.model(), nil
}

func (p *PostgresStore) RideHistory(ctx context.Context, passengerID int64, limit int) ([]models.Ride, error) {
	var rows []rideRow
	query := `SELECT ` + rideColumns + ` FROM rides WHERE passenger_id = $1 ORDER BY id DESC LIMIT $2`
	if err := p.db.SelectContext(ctx, &rows, query, passengerID, limit); err != nil {
		return nil, fmt.Errorf("failed to list rides: %w", err)
	}
	out := make([]models.Ride, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (p *PostgresStore) SetRideStatus(ctx context.Context, rideID int64, status models.RideStatus) error {
	return p.execOne(ctx, "ride", rideID, `UPDATE rides SET status = $1, updated_at = NOW() WHERE id = $2`, status, rideID)
}

func (p *PostgresStore) SetPaymentStatus(ctx context.Context, rideID int64, status models.PaymentStatus) error {
	return p.execOne(ctx, "ride", rideID, `UPDATE rides SET payment_status = $1, updated_at = NOW() WHERE id = $2`, status, rideID)
}

func (p *PostgresStore) execOne(ctx context.Context, what string, id int64, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s %d: %w", what, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s %d: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, apperr.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) AppendLocation(ctx context.Context, s *models.LocationSample) error {
	var driverID sql.NullInt64
	if s.DriverID > 0 {
		driverID = sql.NullInt64{Int64: s.DriverID, Valid: true}
	}
	query := `
		INSERT INTO locations (user_id, driver_id, ride_id, latitude, longitude, geohash, recorded_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE EXISTS (SELECT 1 FROM rides WHERE id = $3)
		RETURNING id`
	err := p.db.QueryRowxContext(ctx, query,
		s.UserID, driverID, s.RideID, s.Lat, s.Lng, s.Geohash, s.RecordedAt,
	).Scan(&s.ID)
	if err != nil {
		return notFound(err, "ride", s.RideID)
	}
	return nil
}

func (p *PostgresStore) ListLocations(ctx context.Context, rideID int64) ([]models.LocationSample, error) {
	var rows []locationRow
	query := `SELECT ` + locationColumns + ` FROM locations WHERE ride_id = $1 ORDER BY id`
	if err := p.db.SelectContext(ctx, &rows, query, rideID); err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	out := make([]models.LocationSample, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) RideRequestForUpdate(ctx context.Context, id int64) (models.RideRequest, error) {
	var r requestRow
	if err := t.tx.GetContext(ctx, &r, `SELECT `+requestColumns+` FROM ride_requests WHERE id = $1 FOR UPDATE`, id); err != nil {
		return models.RideRequest{}, notFound(err, "ride request", id)
	}
	return r.model(), nil
}

func (t *pgTx) RideForUpdate(ctx context.Context, id int64) (models.Ride, error) {
	var r rideRow
	if err := t.tx.GetContext(ctx, &r, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, id); err != nil {
		return models.Ride{}, notFound(err, "ride", id)
	}
	return r.model(), nil
}

func (t *pgTx) DriverForUpdate(ctx context.Context, id int64) (models.Driver, error) {
	var r driverRow
	if err := t.tx.GetContext(ctx, &r, `SELECT `+driverColumns+` FROM drivers WHERE id = $1 FOR UPDATE`, id); err != nil {
		return models.Driver{}, notFound(err, "driver", id)
	}
	return r.model(), nil
}

func (t *pgTx) InsertRide(ctx context.Context, r *models.Ride) error {
	query := `
		INSERT INTO rides (request_id, passenger_id, driver_id, driver_user_id, vehicle,
			pickup_address, pickup_lat, pickup_lng, destination_address, destination_lat, destination_lng,
			status, payment_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`
	err := t.tx.QueryRowxContext(ctx, query,
		r.RequestID, r.PassengerID, r.DriverID, r.DriverUserID, r.Vehicle,
		r.Pickup.Address, r.Pickup.Lat, r.Pickup.Lng,
		r.Destination.Address, r.Destination.Lat, r.Destination.Lng,
		r.Status, r.PaymentStatus,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ride: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateRideRequest(ctx context.Context, r models.RideRequest) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE ride_requests SET status = $1 WHERE id = $2`, r.Status, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update ride request %d: %w", r.ID, err)
	}
	return nil
}

func (t *pgTx) UpdateRide(ctx context.Context, r models.Ride) error {
	query := `
		UPDATE rides SET status = $1, pickup_time = $2, dropoff_time = $3, updated_at = NOW()
		WHERE id = $4`
	_, err := t.tx.ExecContext(ctx, query, r.Status, nullTime(r.PickupTime), nullTime(r.DropoffTime), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update ride %d: %w", r.ID, err)
	}
	return nil
}

func (t *pgTx) UpdateDriver(ctx context.Context, d models.Driver) error {
	var lat, lng sql.NullFloat64
	var at sql.NullTime
	if d.Position != nil {
		lat = sql.NullFloat64{Float64: d.Position.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: d.Position.Lng, Valid: true}
		at = sql.NullTime{Time: d.Position.UpdatedAt, Valid: true}
	}
	query := `
		UPDATE drivers SET status = $1, location_lat = $2, location_lng = $3, last_location_update = $4,
			total_rides = $5, updated_at = NOW()
		WHERE id = $6`
	_, err := t.tx.ExecContext(ctx, query, d.Status, lat, lng, at, d.TotalRides, d.ID)
	if err != nil {
		return fmt.Errorf("failed to update driver %d: %w", d.ID, err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
