package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

// racingStore runs before once, ahead of the next transaction, to simulate
// a competing dispatcher.
type racingStore struct {
	*storage.MemoryStore
	before func()
}

func (s *racingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	if b := s.before; b != nil {
		s.before = nil
		b()
	}
	return s.MemoryStore.InTx(ctx, fn)
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []models.Notification
	err error
}

func (r *recordingNotifier) Notify(_ context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func (r *recordingNotifier) kinds(userID int64) []models.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.NotificationKind
	for _, n := range r.got {
		if n.RecipientUserID == userID {
			out = append(out, n.Kind)
		}
	}
	return out
}

type broadcast struct {
	ride     models.Ride
	from     models.Role
	lat, lng float64
}

type fakeHub struct{ got []broadcast }

func (f *fakeHub) BroadcastLocation(ride models.Ride, from models.Role, lat, lng float64) {
	f.got = append(f.got, broadcast{ride, from, lat, lng})
}

type harness struct {
	mem      *storage.MemoryStore
	store    *racingStore
	reg      *registry.Registry
	machine  *rides.Machine
	notifier *recordingNotifier
	hub      *fakeHub
	svc      *Service
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		mem:      storage.NewMemoryStore(),
		notifier: &recordingNotifier{},
		hub:      &fakeHub{},
		now:      time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	h.store = &racingStore{MemoryStore: h.mem}
	clock := func() time.Time { return h.now }
	h.reg = registry.New(h.store, geo.NewMemoryIndex(), nil)
	h.machine = rides.NewMachine(h.store, h.reg, nil).WithClock(clock)
	h.svc = New(Deps{
		Store:     h.store,
		Registry:  h.reg,
		Rides:     h.machine,
		Notifier:  h.notifier,
		Hub:       h.hub,
		Locations: ingest.NewRecorder(h.store, nil, nil),
	}, Options{RequestTTL: 5 * time.Minute}, nil).WithClock(clock)
	return h
}

func (h *harness) driver(t *testing.T, userID int64, pos *geo.Point) models.Identity {
	t.Helper()
	ctx := context.Background()
	d := &models.Driver{UserID: userID, Name: "driver", Vehicle: "car", Active: true}
	require.NoError(t, h.reg.Register(ctx, d))
	_, err := h.reg.SetStatus(ctx, d.ID, models.DriverAvailable)
	require.NoError(t, err)
	if pos != nil {
		require.NoError(t, h.reg.UpdatePosition(ctx, d.ID, pos.Lat, pos.Lng, h.now))
	}
	return models.Identity{UserID: userID, Role: models.RoleDriver, DriverID: d.ID}
}

func passenger(id int64) models.Identity {
	return models.Identity{UserID: id, Role: models.RolePassenger}
}

var (
	origin = models.Place{Address: "origin", Lat: 0, Lng: 0}
	dest   = models.Place{Address: "dest", Lat: 0.05, Lng: 0.05}
)

func TestSubmitRequestAssignsNearestDriver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	near := h.driver(t, 100, &geo.Point{Lat: 0, Lng: 0.001})
	far := h.driver(t, 101, &geo.Point{Lat: 0, Lng: 10})

	res, err := h.svc.SubmitRequest(ctx, passenger(1), origin, dest)
	require.NoError(t, err)
	require.NotNil(t, res.Ride)
	assert.Equal(t, models.RideAccepted, res.Ride.Status)
	assert.Equal(t, near.DriverID, res.Ride.DriverID)
	assert.Equal(t, models.RequestMatched, res.Request.Status)

	req, _ := h.mem.GetRideRequest(ctx, res.Request.ID)
	assert.Equal(t, models.RequestMatched, req.Status)
	d, _ := h.mem.GetDriver(ctx, near.DriverID)
	assert.Equal(t, models.DriverOnRide, d.Status)
	d, _ = h.mem.GetDriver(ctx, far.DriverID)
	assert.Equal(t, models.DriverAvailable, d.Status)

	assert.Contains(t, h.notifier.kinds(100), models.NotifyRideRequest)
	assert.Contains(t, h.notifier.kinds(101), models.NotifyRideRequest)
	assert.Equal(t, []models.NotificationKind{models.NotifyRideAccepted}, h.notifier.kinds(1))
	for _, n := range h.notifier.got {
		if n.RecipientUserID == 1 {
			assert.Contains(t, n.Payload, "eta_seconds")
		}
	}
}

func TestSubmitRequestWithoutDriverExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.driver(t, 100, nil)

	res, err := h.svc.SubmitRequest(ctx, passenger(1), origin, dest)
	require.NoError(t, err)
	assert.Nil(t, res.Ride)
	assert.Equal(t, models.RequestActive, res.Request.Status)
	assert.Equal(t, h.now.Add(5*time.Minute), res.Request.ExpiresAt)

	h.now = h.now.Add(6 * time.Minute)
	got, err := h.svc.ExpireRequest(ctx, res.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestExpired, got.Status)

	got, err = h.svc.ExpireRequest(ctx, res.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestExpired, got.Status)
}

func TestSubmitRequestRetriesOnceOnConflict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.driver(t, 100, &geo.Point{Lat: 0, Lng: 0.001})
	b := h.driver(t, 101, &geo.Point{Lat: 0, Lng: 0.002})

	rival := rides.NewMachine(h.mem, registry.New(h.mem, nil, nil), nil)
	h.store.before = func() {
		r := &models.RideRequest{PassengerID: 2, Status: models.RequestActive, ExpiresAt: h.now.Add(time.Minute)}
		require.NoError(t, h.mem.CreateRideRequest(ctx, r))
		_, err := rival.MatchAndAssign(ctx, r.ID, a.DriverID)
		require.NoError(t, err)
	}

	res, err := h.svc.SubmitRequest(ctx, passenger(1), origin, dest)
	require.NoError(t, err)
	require.NotNil(t, res.Ride)
	assert.Equal(t, b.DriverID, res.Ride.DriverID)
}

func TestSubmitRequestLeavesRequestActiveWhenDriverTaken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.driver(t, 100, &geo.Point{Lat: 0, Lng: 0.001})

	rival := rides.NewMachine(h.mem, registry.New(h.mem, nil, nil), nil)
	h.store.before = func() {
		r := &models.RideRequest{PassengerID: 2, Status: models.RequestActive, ExpiresAt: h.now.Add(time.Minute)}
		require.NoError(t, h.mem.CreateRideRequest(ctx, r))
		_, err := rival.MatchAndAssign(ctx, r.ID, a.DriverID)
		require.NoError(t, err)
	}

	res, err := h.svc.SubmitRequest(ctx, passenger(1), origin, dest)
	require.NoError(t, err)
	assert.Nil(t, res.Ride)
	req, _ := h.mem.GetRideRequest(ctx, res.Request.ID)
	assert.Equal(t, models.RequestActive, req.Status)
}

func TestSubmitRequestReportsRequestAcceptedConcurrently(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.driver(t, 100, &geo.Point{Lat: 0, Lng: 0.001})
	b := h.driver(t, 101, &geo.Point{Lat: 0, Lng: 10})

	// the store is fresh, so the submitted request gets ID 1
	h.store.before = func() {
		_, err := h.svc.AcceptRequest(ctx, b, 1)
		require.NoError(t, err)
	}

	res, err := h.svc.SubmitRequest(ctx, passenger(1), origin, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Request.ID)
	assert.Equal(t, models.RequestMatched, res.Request.Status)
	require.NotNil(t, res.Ride)
	assert.Equal(t, b.DriverID, res.Ride.DriverID)
	assert.Equal(t, res.Request.ID, res.Ride.RequestID)

	d, _ := h.mem.GetDriver(ctx, a.DriverID)
	assert.Equal(t, models.DriverAvailable, d.Status)
	history, _ := h.mem.RideHistory(ctx, 1, 0)
	assert.Len(t, history, 1)
}

func TestSubmitRequestReportsRequestExpiredConcurrently(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.driver(t, 100, &geo.Point{Lat: 0, Lng: 0.001})

	h.store.before = func() {
		h.now = h.now.Add(10 * time.Minute)
		_, err := h.svc.ExpireRequest(ctx, 1)
		require.NoError(t, err)
	}

	res, err := h.svc.SubmitRequest(ctx, passenger(1), origin, dest)
	require.NoError(t, err)
	assert.Equal(t, models.RequestExpired, res.Request.Status)
	assert.Nil(t, res.Ride)
}

func TestSubmitRequestSurvivesNotifierFailure(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("gateway down")
	h.driver(t, 100, &geo.Point{Lat: 0, Lng: 0.001})

	res, err := h.svc.SubmitRequest(context.Background(), passenger(1), origin, dest)
	require.NoError(t, err)
	assert.NotNil(t, res.Ride)
}

func TestSubmitRequestNotBlockedBySlowGateway(t *testing.T) {
	h := newHarness(t)
	slow := notify.GatewayFunc(func(ctx context.Context, _ models.Notification) error {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	})
	delivery := notify.NewAsync(slow, notify.AsyncOptions{Workers: 4, Queue: 64}, nil)
	defer delivery.Close()
	h.svc.notifier = delivery
	for i := int64(0); i < 10; i++ {
		h.driver(t, 100+i, &geo.Point{Lat: 0, Lng: 0.001 * float64(i+1)})
	}

	start := time.Now()
	res, err := h.svc.SubmitRequest(context.Background(), passenger(1), origin, dest)
	require.NoError(t, err)
	require.NotNil(t, res.Ride)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestSubmitRequestValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.SubmitRequest(ctx, passenger(1), models.Place{Lat: 95}, dest)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	drv := h.driver(t, 100, nil)
	_, err = h.svc.SubmitRequest(ctx, drv, origin, dest)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestSubmitRequestRejectsPassengerOnRide(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.driver(t, 100, &geo.Point{Lat: 0, Lng: 0.001})

	_, err := h.svc.SubmitRequest(ctx, passenger(1), origin, dest)
	require.NoError(t, err)
	_, err = h.svc.SubmitRequest(ctx, passenger(1), origin, dest)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestSubmitRequestRejectsUnpaidRide(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	fare := 12.5
	require.NoError(t, h.mem.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertRide(ctx, &models.Ride{PassengerID: 1, Status: models.RideCompleted, Fare: &fare, PaymentStatus: models.PaymentFailed})
	}))

	_, err := h.svc.SubmitRequest(ctx, passenger(1), origin, dest)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestAcceptRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res, err := h.svc.SubmitRequest(ctx, passenger(1), origin, dest)
	require.NoError(t, err)
	require.Nil(t, res.Ride)

	_, err = h.svc.AcceptRequest(ctx, passenger(2), res.Request.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	drv := h.driver(t, 100, &geo.Point{Lat: 0, Lng: 0.01})
	ride, err := h.svc.AcceptRequest(ctx, drv, res.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, drv.DriverID, ride.DriverID)
	assert.Contains(t, h.notifier.kinds(1), models.NotifyRideAccepted)

	other := h.driver(t, 101, nil)
	_, err = h.svc.AcceptRequest(ctx, other, res.Request.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = h.svc.AcceptRequest(ctx, other, 404)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRideLifecycleThroughService(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	drv := h.driver(t, 100, &geo.Point{Lat: 0, Lng: 0.001})
	stranger := h.driver(t, 101, nil)
	res, err := h.svc.SubmitRequest(ctx, passenger(1), origin, dest)
	require.NoError(t, err)
	id := res.Ride.ID

	_, err = h.svc.PickUp(ctx, stranger, id)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = h.svc.CompleteRide(ctx, passenger(1), id)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = h.svc.PickUp(ctx, drv, id)
	require.NoError(t, err)
	assert.Contains(t, h.notifier.kinds(1), models.NotifyDriverArrived)

	_, err = h.svc.CancelRide(ctx, passenger(1), id)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = h.svc.StartTrip(ctx, drv, id)
	require.NoError(t, err)
	ride, err := h.svc.CompleteRide(ctx, drv, id)
	require.NoError(t, err)
	assert.Equal(t, models.RideCompleted, ride.Status)
	assert.Contains(t, h.notifier.kinds(1), models.NotifyRideCompleted)

	d, _ := h.mem.GetDriver(ctx, drv.DriverID)
	assert.Equal(t, models.DriverAvailable, d.Status)
	assert.Equal(t, 1, d.TotalRides)
}

func TestCancelRideNotifiesDriver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	drv := h.driver(t, 100, &geo.Point{Lat: 0, Lng: 0.001})
	res, err := h.svc.SubmitRequest(ctx, passenger(1), origin, dest)
	require.NoError(t, err)

	_, err = h.svc.CancelRide(ctx, drv, res.Ride.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	ride, err := h.svc.CancelRide(ctx, passenger(1), res.Ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideCancelled, ride.Status)
	assert.Contains(t, h.notifier.kinds(100), models.NotifySystem)
	d, _ := h.mem.GetDriver(ctx, drv.DriverID)
	assert.Equal(t, models.DriverAvailable, d.Status)
}

func TestShareLocationRoutesToCounterpart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	drv := h.driver(t, 100, &geo.Point{Lat: 0, Lng: 0.001})
	res, err := h.svc.SubmitRequest(ctx, passenger(1), origin, dest)
	require.NoError(t, err)
	id := res.Ride.ID

	require.NoError(t, h.svc.ShareLocation(ctx, drv, id, 0.5, 0.5))
	require.NoError(t, h.svc.ShareLocation(ctx, passenger(1), id, 0.1, 0.1))
	require.Len(t, h.hub.got, 2)
	assert.Equal(t, models.RoleDriver, h.hub.got[0].from)
	assert.Equal(t, models.RolePassenger, h.hub.got[1].from)

	d, _ := h.mem.GetDriver(ctx, drv.DriverID)
	assert.Equal(t, 0.5, d.Position.Lat)
	locs, _ := h.mem.ListLocations(ctx, id)
	assert.Len(t, locs, 2)

	err = h.svc.ShareLocation(ctx, passenger(9), id, 1, 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	err = h.svc.ShareLocation(ctx, drv, id, 100, 1)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestExpireDue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	first, err := h.svc.SubmitRequest(ctx, passenger(1), origin, dest)
	require.NoError(t, err)
	_, err = h.svc.SubmitRequest(ctx, passenger(2), origin, dest)
	require.NoError(t, err)

	n, err := h.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.now = h.now.Add(10 * time.Minute)
	n, err = h.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	req, _ := h.mem.GetRideRequest(ctx, first.Request.ID)
	assert.Equal(t, models.RequestExpired, req.Status)
	assert.Contains(t, h.notifier.kinds(1), models.NotifySystem)

	n, err = h.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRideHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	drv := h.driver(t, 100, &geo.Point{Lat: 0, Lng: 0.001})

	empty, err := h.svc.RideHistory(ctx, passenger(1), 20)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	first, err := h.svc.SubmitRequest(ctx, passenger(1), origin, dest)
	require.NoError(t, err)
	_, err = h.svc.CancelRide(ctx, passenger(1), first.Ride.ID)
	require.NoError(t, err)
	second, err := h.svc.SubmitRequest(ctx, passenger(1), origin, dest)
	require.NoError(t, err)
	require.NotNil(t, second.Ride)

	got, err := h.svc.RideHistory(ctx, passenger(1), 20)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second.Ride.ID, got[0].ID)
	assert.Equal(t, models.RideCancelled, got[1].Status)

	got, err = h.svc.RideHistory(ctx, passenger(1), 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	other, err := h.svc.RideHistory(ctx, passenger(2), 20)
	require.NoError(t, err)
	assert.Empty(t, other)

	_, err = h.svc.RideHistory(ctx, drv, 20)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = h.svc.RideHistory(ctx, passenger(1), 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = h.svc.RideHistory(ctx, passenger(1), 1000)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
