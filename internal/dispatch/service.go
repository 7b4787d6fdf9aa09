// Package dispatch orchestrates ride requests: it finds the nearest driver,
// runs the assignment and tells both parties what happened.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	DefaultRequestTTL = 5 * time.Minute
	maxHistory        = 100
)

// Broadcaster pushes a participant's position to the other party of a ride.
type Broadcaster interface {
	BroadcastLocation(ride models.Ride, from models.Role, lat, lng float64)
}

type LocationRecorder interface {
	Record(ctx context.Context, s *models.LocationSample) error
}

type Deps struct {
	Store     storage.Store
	Registry  *registry.Registry
	Rides     *rides.Machine
	Notifier  notify.Gateway   // optional
	Hub       Broadcaster      // optional
	Locations LocationRecorder // optional
	ETA       *eta.Estimator   // optional
}

type Options struct {
	RequestTTL time.Duration
}

type Service struct {
	store     storage.Store
	registry  *registry.Registry
	rides     *rides.Machine
	notifier  notify.Gateway
	hub       Broadcaster
	locations LocationRecorder
	eta       *eta.Estimator
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func New(deps Deps, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RequestTTL <= 0 {
		opts.RequestTTL = DefaultRequestTTL
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.LogGateway{Logger: logger}
	}
	if deps.ETA == nil {
		deps.ETA = &eta.Estimator{}
	}
	return &Service{
		store:     deps.Store,
		registry:  deps.Registry,
		rides:     deps.Rides,
		notifier:  deps.Notifier,
		hub:       deps.Hub,
		locations: deps.Locations,
		eta:       deps.ETA,
		ttl:       opts.RequestTTL,
		logger:    logger.With("component", "dispatch"),
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Result of a submission. Ride is nil when no driver could be assigned and
// Request is still active.
type Result struct {
	Request models.RideRequest `json:"request"`
	Ride    *models.Ride       `json:"ride,omitempty"`
}

// SubmitRequest opens a ride request for the passenger and tries to assign
// the nearest available driver, retrying once if that driver is taken
// concurrently.
func (s *Service) SubmitRequest(ctx context.Context, passenger models.Identity, pickup, destination models.Place) (Result, error) {
	if !passenger.Authenticated() || passenger.Role != models.RolePassenger {
		return Result{}, fmt.Errorf("submit request as %s: %w", passenger.Role, apperr.ErrForbidden)
	}
	if !pickup.Point().Valid() || !destination.Point().Valid() {
		return Result{}, fmt.Errorf("pickup or destination coordinates: %w", apperr.ErrValidation)
	}
	if err := s.checkEligible(ctx, passenger.UserID); err != nil {
		return Result{}, err
	}

	now := s.now().UTC()
	req := &models.RideRequest{
		PassengerID: passenger.UserID,
		Pickup:      pickup,
		Destination: destination,
		Status:      models.RequestActive,
		RequestedAt: now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.store.CreateRideRequest(ctx, req); err != nil {
		return Result{}, err
	}
	observability.RequestsSubmitted.Inc()
	s.logger.Info("ride requested", "request_id", req.ID, "passenger_id", passenger.UserID)

	s.fanOut(ctx, *req)

	for attempt := 0; attempt < 2; attempt++ {
		drv, ok, err := s.registry.NearestAvailable(ctx, pickup.Point())
		if err != nil {
			return Result{}, err
		}
		if !ok {
			break
		}
		ride, err := s.rides.MatchAndAssign(ctx, req.ID, drv.ID)
		if errors.Is(err, apperr.ErrConflict) {
			observability.MatchConflicts.Inc()
			s.logger.Info("assignment conflict", "request_id", req.ID, "driver_id", drv.ID, "attempt", attempt+1)
			fresh, err := s.store.GetRideRequest(ctx, req.ID)
			if err != nil {
				return Result{}, err
			}
			if fresh.Status != models.RequestActive {
				// Settled elsewhere, e.g. a driver accepted it directly.
				return s.settledResult(ctx, fresh)
			}
			continue
		}
		if err != nil {
			return Result{}, err
		}
		s.announceAssignment(ctx, ride, drv)
		req.Status = models.RequestMatched
		return Result{Request: *req, Ride: &ride}, nil
	}
	return Result{Request: *req}, nil
}

// settledResult reports a request some other caller matched or expired
// while SubmitRequest was still trying drivers.
func (s *Service) settledResult(ctx context.Context, req models.RideRequest) (Result, error) {
	res := Result{Request: req}
	if req.Status != models.RequestMatched {
		return res, nil
	}
	history, err := s.store.RideHistory(ctx, req.PassengerID, 10)
	if err != nil {
		return Result{}, err
	}
	for i := range history {
		if history[i].RequestID == req.ID {
			res.Ride = &history[i]
			break
		}
	}
	return res, nil
}

// AcceptRequest assigns the calling driver to an active request.
func (s *Service) AcceptRequest(ctx context.Context, actor models.Identity, requestID int64) (models.Ride, error) {
	if !actor.IsDriver() {
		return models.Ride{}, fmt.Errorf("accept request: %w", apperr.ErrForbidden)
	}
	req, err := s.store.GetRideRequest(ctx, requestID)
	if err != nil {
		return models.Ride{}, err
	}
	if req.Status != models.RequestActive {
		return models.Ride{}, fmt.Errorf("active ride request %d: %w", requestID, apperr.ErrNotFound)
	}
	ride, err := s.rides.MatchAndAssign(ctx, requestID, actor.DriverID)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			observability.MatchConflicts.Inc()
		}
		return models.Ride{}, err
	}
	if drv, err := s.registry.Get(ctx, actor.DriverID); err == nil {
		s.announceAssignment(ctx, ride, drv)
	}
	return ride, nil
}

func (s *Service) CancelRide(ctx context.Context, actor models.Identity, rideID int64) (models.Ride, error) {
	if actor.Role != models.RolePassenger {
		return models.Ride{}, fmt.Errorf("cancel ride: %w", apperr.ErrForbidden)
	}
	ride, err := s.rides.Cancel(ctx, rideID, actor)
	if err != nil {
		return models.Ride{}, err
	}
	s.notify(ctx, models.Notification{
		RecipientUserID: ride.DriverUserID,
		RecipientRole:   models.RoleDriver,
		Kind:            models.NotifySystem,
		Title:           "Ride cancelled",
		Message:         "The passenger cancelled the ride",
		Payload:         map[string]any{"ride_id": ride.ID},
	})
	return ride, nil
}

func (s *Service) PickUp(ctx context.Context, actor models.Identity, rideID int64) (models.Ride, error) {
	if _, err := s.driverRide(ctx, actor, rideID); err != nil {
		return models.Ride{}, err
	}
	ride, err := s.rides.PickUp(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	s.notify(ctx, models.Notification{
		RecipientUserID: ride.PassengerID,
		RecipientRole:   models.RolePassenger,
		Kind:            models.NotifyDriverArrived,
		Title:           "Driver arrived",
		Message:         "Your driver has picked you up",
		Payload:         map[string]any{"ride_id": ride.ID},
	})
	return ride, nil
}

func (s *Service) StartTrip(ctx context.Context, actor models.Identity, rideID int64) (models.Ride, error) {
	if _, err := s.driverRide(ctx, actor, rideID); err != nil {
		return models.Ride{}, err
	}
	return s.rides.StartTrip(ctx, rideID)
}

func (s *Service) CompleteRide(ctx context.Context, actor models.Identity, rideID int64) (models.Ride, error) {
	if _, err := s.driverRide(ctx, actor, rideID); err != nil {
		return models.Ride{}, err
	}
	ride, err := s.rides.Complete(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	s.notify(ctx, models.Notification{
		RecipientUserID: ride.PassengerID,
		RecipientRole:   models.RolePassenger,
		Kind:            models.NotifyRideCompleted,
		Title:           "Ride completed",
		Message:         "Thanks for riding",
		Payload:         map[string]any{"ride_id": ride.ID},
	})
	return ride, nil
}

// GetRide returns a ride the caller takes part in.
func (s *Service) GetRide(ctx context.Context, actor models.Identity, rideID int64) (models.Ride, error) {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if _, ok := participant(ride, actor); !ok {
		return models.Ride{}, fmt.Errorf("ride %d: %w", rideID, apperr.ErrNotFound)
	}
	return ride, nil
}

// RideHistory lists the passenger's own rides, newest first.
func (s *Service) RideHistory(ctx context.Context, actor models.Identity, limit int) ([]models.Ride, error) {
	if !actor.Authenticated() || actor.Role != models.RolePassenger {
		return nil, fmt.Errorf("ride history as %s: %w", actor.Role, apperr.ErrForbidden)
	}
	if limit <= 0 || limit > maxHistory {
		return nil, fmt.Errorf("limit must be between 1 and %d: %w", maxHistory, apperr.ErrValidation)
	}
	out, err := s.store.RideHistory(ctx, actor.UserID, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Ride{}
	}
	return out, nil
}

func (s *Service) CurrentRide(ctx context.Context, actor models.Identity) (models.Ride, error) {
	return s.store.ActiveRide(ctx, actor.UserID)
}

// ShareLocation records the caller's position on a ride and forwards it to
// the other participant.
func (s *Service) ShareLocation(ctx context.Context, actor models.Identity, rideID int64, lat, lng float64) error {
	if !(geo.Point{Lat: lat, Lng: lng}).Valid() {
		return fmt.Errorf("location %f,%f: %w", lat, lng, apperr.ErrValidation)
	}
	ride, err := s.GetRide(ctx, actor, rideID)
	if err != nil {
		return err
	}
	if ride.Status.Terminal() {
		return fmt.Errorf("ride %d is %s: %w", rideID, ride.Status, apperr.ErrInvalidTransition)
	}
	role, _ := participant(ride, actor)

	if s.locations != nil {
		sample := &models.LocationSample{UserID: actor.UserID, RideID: rideID, Lat: lat, Lng: lng}
		if role == models.RoleDriver {
			sample.DriverID = actor.DriverID
		}
		if err := s.locations.Record(ctx, sample); err != nil {
			s.logger.Warn("record shared location", "ride_id", rideID, "error", err)
		}
	}
	if role == models.RoleDriver {
		if err := s.registry.UpdatePosition(ctx, actor.DriverID, lat, lng, s.now()); err != nil {
			return err
		}
	}
	if s.hub != nil {
		s.hub.BroadcastLocation(ride, role, lat, lng)
	}
	return nil
}

// SetDriverStatus moves the calling driver along an availability edge.
func (s *Service) SetDriverStatus(ctx context.Context, actor models.Identity, to models.DriverStatus) (models.Driver, error) {
	if !actor.IsDriver() {
		return models.Driver{}, fmt.Errorf("set driver status: %w", apperr.ErrForbidden)
	}
	if !to.Valid() {
		return models.Driver{}, fmt.Errorf("driver status %q: %w", to, apperr.ErrValidation)
	}
	return s.registry.SetStatus(ctx, actor.DriverID, to)
}

// UpdateDriverLocation refreshes the calling driver's cached position.
func (s *Service) UpdateDriverLocation(ctx context.Context, actor models.Identity, lat, lng float64) error {
	if !actor.IsDriver() {
		return fmt.Errorf("update driver location: %w", apperr.ErrForbidden)
	}
	return s.registry.UpdatePosition(ctx, actor.DriverID, lat, lng, s.now())
}

func (s *Service) ExpireRequest(ctx context.Context, requestID int64) (models.RideRequest, error) {
	return s.rides.Expire(ctx, requestID)
}

// ExpireDue expires every active request past its deadline and reports how
// many it closed. Requests matched in the meantime are skipped.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	due, err := s.store.DueRideRequests(ctx, s.now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, req := range due {
		got, err := s.rides.Expire(ctx, req.ID)
		switch {
		case errors.Is(err, apperr.ErrInvalidTransition):
			continue
		case err != nil:
			s.logger.Warn("expire ride request", "request_id", req.ID, "error", err)
			continue
		}
		if got.Status == models.RequestExpired {
			n++
			s.notify(ctx, models.Notification{
				RecipientUserID: req.PassengerID,
				RecipientRole:   models.RolePassenger,
				Kind:            models.NotifySystem,
				Title:           "No driver found",
				Message:         "Your ride request expired",
				Payload:         map[string]any{"request_id": req.ID},
			})
		}
	}
	return n, nil
}

// checkEligible refuses a passenger who is already on a ride or whose last
// completed ride has a failed payment.
func (s *Service) checkEligible(ctx context.Context, passengerID int64) error {
	if _, err := s.store.ActiveRide(ctx, passengerID); err == nil {
		return fmt.Errorf("passenger %d already has an active ride: %w", passengerID, apperr.ErrConflict)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	history, err := s.store.RideHistory(ctx, passengerID, 1)
	if err != nil {
		return err
	}
	if len(history) == 1 {
		last := history[0]
		if last.Status == models.RideCompleted && last.Fare != nil && last.PaymentStatus == models.PaymentFailed {
			return fmt.Errorf("passenger %d has an unpaid ride %d: %w", passengerID, last.ID, apperr.ErrConflict)
		}
	}
	return nil
}

func (s *Service) fanOut(ctx context.Context, req models.RideRequest) {
	drivers, err := s.registry.ListAvailable(ctx)
	if err != nil {
		s.logger.Warn("list drivers for fan-out", "request_id", req.ID, "error", err)
		return
	}
	for _, d := range drivers {
		s.notify(ctx, models.Notification{
			RecipientUserID: d.UserID,
			RecipientRole:   models.RoleDriver,
			Kind:            models.NotifyRideRequest,
			Title:           "New ride request",
			Message:         fmt.Sprintf("Pickup at %s", req.Pickup.Address),
			Payload: map[string]any{
				"request_id": req.ID,
				"pickup":     req.Pickup,
				"expires_at": req.ExpiresAt,
			},
		})
	}
}

func (s *Service) announceAssignment(ctx context.Context, ride models.Ride, drv models.Driver) {
	payload := map[string]any{
		"ride_id":   ride.ID,
		"driver_id": drv.ID,
		"vehicle":   drv.Vehicle,
	}
	if drv.Position != nil {
		payload["eta_seconds"] = int(s.eta.Estimate(ctx, drv.Position.Point(), ride.Pickup.Point()).Seconds())
	}
	s.notify(ctx, models.Notification{
		RecipientUserID: ride.PassengerID,
		RecipientRole:   models.RolePassenger,
		Kind:            models.NotifyRideAccepted,
		Title:           "Driver assigned",
		Message:         fmt.Sprintf("%s is on the way", drv.Name),
		Payload:         payload,
	})
	s.notify(ctx, models.Notification{
		RecipientUserID: drv.UserID,
		RecipientRole:   models.RoleDriver,
		Kind:            models.NotifyRideAccepted,
		Title:           "Ride assigned",
		Message:         fmt.Sprintf("Pickup at %s", ride.Pickup.Address),
		Payload:         map[string]any{"ride_id": ride.ID, "pickup": ride.Pickup},
	})
}

func (s *Service) notify(ctx context.Context, n models.Notification) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("notification failed", "recipient", n.RecipientUserID, "kind", n.Kind, "error", err)
	}
}

func (s *Service) driverRide(ctx context.Context, actor models.Identity, rideID int64) (models.Ride, error) {
	if !actor.IsDriver() {
		return models.Ride{}, fmt.Errorf("ride %d: %w", rideID, apperr.ErrForbidden)
	}
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if ride.DriverID != actor.DriverID {
		return models.Ride{}, fmt.Errorf("ride %d: %w", rideID, apperr.ErrNotFound)
	}
	return ride, nil
}

// participant reports which side of the ride actor is on.
func participant(ride models.Ride, actor models.Identity) (models.Role, bool) {
	switch {
	case actor.Role == models.RolePassenger && ride.PassengerID == actor.UserID:
		return models.RolePassenger, true
	case actor.IsDriver() && ride.DriverID == actor.DriverID:
		return models.RoleDriver, true
	}
	return "", false
}
