package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

var errNotLocked = errors.New("row not locked by this transaction")

// row pairs a committed value with a writer lock. The lock is held by at
// most one transaction; val itself is guarded by MemoryStore.mu.
type row[T any] struct {
	lock sync.Mutex
	val  T
}

// MemoryStore is an in-process Store with per-row locks, used when no
// database is configured and in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	drivers   map[int64]*row[models.Driver]
	requests  map[int64]*row[models.RideRequest]
	rides     map[int64]*row[models.Ride]
	locations []models.LocationSample

	lastDriver, lastRequest, lastRide, lastLocation int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers:  make(map[int64]*row[models.Driver]),
		requests: make(map[int64]*row[models.RideRequest]),
		rides:    make(map[int64]*row[models.Ride]),
	}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{
		s:        m,
		drivers:  make(map[int64]*models.Driver),
		requests: make(map[int64]*models.RideRequest),
		rides:    make(map[int64]*models.Ride),
	}
	defer tx.release()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) CreateDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.drivers {
		if r.val.UserID == d.UserID {
			return fmt.Errorf("driver for user %d already exists: %w", d.UserID, apperr.ErrConflict)
		}
	}
	m.lastDriver++
	now := time.Now().UTC()
	d.ID = m.lastDriver
	if d.Status == "" {
		d.Status = models.DriverOffline
	}
	d.CreatedAt, d.UpdatedAt = now, now
	m.drivers[d.ID] = &row[models.Driver]{val: cloneDriver(*d)}
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id int64) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %d: %w", id, apperr.ErrNotFound)
	}
	return cloneDriver(r.val), nil
}

func (m *MemoryStore) DriverByUserID(_ context.Context, userID int64) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.drivers {
		if r.val.UserID == userID {
			return cloneDriver(r.val), nil
		}
	}
	return models.Driver{}, fmt.Errorf("driver for user %d: %w", userID, apperr.ErrNotFound)
}

func (m *MemoryStore) ListDrivers(_ context.Context) ([]models.Driver, error) {
	m.mu.RLock()
	out := make([]models.Driver, 0, len(m.drivers))
	for _, r := range m.drivers {
		out = append(out, cloneDriver(r.val))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateRideRequest(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRequest++
	r.ID = m.lastRequest
	m.requests[r.ID] = &row[models.RideRequest]{val: *r}
	return nil
}

func (m *MemoryStore) GetRideRequest(_ context.Context, id int64) (models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.RideRequest{}, fmt.Errorf("ride request %d: %w", id, apperr.ErrNotFound)
	}
	return r.val, nil
}

func (m *MemoryStore) DueRideRequests(_ context.Context, now time.Time) ([]models.RideRequest, error) {
	m.mu.RLock()
	var out []models.RideRequest
	for _, r := range m.requests {
		if r.val.Status == models.RequestActive && now.After(r.val.ExpiresAt) {
			out = append(out, r.val)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetRide(_ context.Context, id int64) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, fmt.Errorf("ride %d: %w", id, apperr.ErrNotFound)
	}
	return r.val, nil
}

func (m *MemoryStore) ActiveRide(_ context.Context, userID int64) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Ride
	for _, r := range m.rides {
		v := r.val
		if v.Status.Terminal() || (v.PassengerID != userID && v.DriverUserID != userID) {
			continue
		}
		if best == nil || v.ID > best.ID {
			best = &v
		}
	}
	if best == nil {
		return models.Ride{}, fmt.Errorf("active ride for user %d: %w", userID, apperr.ErrNotFound)
	}
	return *best, nil
}

func (m *MemoryStore) RideHistory(_ context.Context, passengerID int64, limit int) ([]models.Ride, error) {
	m.mu.RLock()
	var out []models.Ride
	for _, r := range m.rides {
		if r.val.PassengerID == passengerID {
			out = append(out, r.val)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetRideStatus(_ context.Context, rideID int64, status models.RideStatus) error {
	return m.updateRide(rideID, func(r *models.Ride) { r.Status = status })
}

func (m *MemoryStore) SetPaymentStatus(_ context.Context, rideID int64, status models.PaymentStatus) error {
	return m.updateRide(rideID, func(r *models.Ride) { r.PaymentStatus = status })
}

// updateRide takes the row lock so single-field writes serialize with
// transactions holding the same ride.
func (m *MemoryStore) updateRide(rideID int64, apply func(*models.Ride)) error {
	m.mu.RLock()
	r, ok := m.rides[rideID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("ride %d: %w", rideID, apperr.ErrNotFound)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&r.val)
	r.val.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AppendLocation(_ context.Context, s *models.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[s.RideID]; !ok {
		return fmt.Errorf("ride %d: %w", s.RideID, apperr.ErrNotFound)
	}
	m.lastLocation++
	s.ID = m.lastLocation
	m.locations = append(m.locations, *s)
	return nil
}

func (m *MemoryStore) ListLocations(_ context.Context, rideID int64) ([]models.LocationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.LocationSample
	for _, s := range m.locations {
		if s.RideID == rideID {
			out = append(out, s)
		}
	}
	return out, nil
}

type memTx struct {
	s      *MemoryStore
	locked []*sync.Mutex

	drivers  map[int64]*models.Driver
	requests map[int64]*models.RideRequest
	rides    map[int64]*models.Ride
	inserted []models.Ride
}

func (t *memTx) RideRequestForUpdate(_ context.Context, id int64) (models.RideRequest, error) {
	if v, ok := t.requests[id]; ok {
		return *v, nil
	}
	t.s.mu.RLock()
	r, ok := t.s.requests[id]
	t.s.mu.RUnlock()
	if !ok {
		return models.RideRequest{}, fmt.Errorf("ride request %d: %w", id, apperr.ErrNotFound)
	}
	t.acquire(&r.lock)
	t.s.mu.RLock()
	v := r.val
	t.s.mu.RUnlock()
	t.requests[id] = &v
	return v, nil
}

func (t *memTx) RideForUpdate(_ context.Context, id int64) (models.Ride, error) {
	if v, ok := t.rides[id]; ok {
		return *v, nil
	}
	t.s.mu.RLock()
	r, ok := t.s.rides[id]
	t.s.mu.RUnlock()
	if !ok {
		return models.Ride{}, fmt.Errorf("ride %d: %w", id, apperr.ErrNotFound)
	}
	t.acquire(&r.lock)
	t.s.mu.RLock()
	v := r.val
	t.s.mu.RUnlock()
	t.rides[id] = &v
	return v, nil
}

func (t *memTx) DriverForUpdate(_ context.Context, id int64) (models.Driver, error) {
	if v, ok := t.drivers[id]; ok {
		return cloneDriver(*v), nil
	}
	t.s.mu.RLock()
	r, ok := t.s.drivers[id]
	t.s.mu.RUnlock()
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %d: %w", id, apperr.ErrNotFound)
	}
	t.acquire(&r.lock)
	t.s.mu.RLock()
	v := cloneDriver(r.val)
	t.s.mu.RUnlock()
	t.drivers[id] = &v
	return cloneDriver(v), nil
}

func (t *memTx) InsertRide(_ context.Context, r *models.Ride) error {
	t.s.mu.Lock()
	t.s.lastRide++
	r.ID = t.s.lastRide
	t.s.mu.Unlock()
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	t.inserted = append(t.inserted, *r)
	return nil
}

func (t *memTx) UpdateRideRequest(_ context.Context, r models.RideRequest) error {
	if _, ok := t.requests[r.ID]; !ok {
		return fmt.Errorf("ride request %d: %w", r.ID, errNotLocked)
	}
	t.requests[r.ID] = &r
	return nil
}

func (t *memTx) UpdateRide(_ context.Context, r models.Ride) error {
	if _, ok := t.rides[r.ID]; !ok {
		return fmt.Errorf("ride %d: %w", r.ID, errNotLocked)
	}
	t.rides[r.ID] = &r
	return nil
}

func (t *memTx) UpdateDriver(_ context.Context, d models.Driver) error {
	if _, ok := t.drivers[d.ID]; !ok {
		return fmt.Errorf("driver %d: %w", d.ID, errNotLocked)
	}
	d = cloneDriver(d)
	t.drivers[d.ID] = &d
	return nil
}

func (t *memTx) acquire(l *sync.Mutex) {
	l.Lock()
	t.locked = append(t.locked, l)
}

// commit publishes every buffered row while the row locks are still held.
func (t *memTx) commit() {
	now := time.Now().UTC()
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for id, v := range t.requests {
		t.s.requests[id].val = *v
	}
	for id, v := range t.rides {
		t.s.rides[id].val = *v
	}
	for id, v := range t.drivers {
		t.s.drivers[id].val = cloneDriver(*v)
	}
	for _, r := range t.inserted {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		t.s.rides[r.ID] = &row[models.Ride]{val: r}
	}
}

func (t *memTx) release() {
	for i := len(t.locked) - 1; i >= 0; i-- {
		t.locked[i].Unlock()
	}
	t.locked = nil
}

func cloneDriver(d models.Driver) models.Driver {
	if d.Position != nil {
		p := *d.Position
		d.Position = &p
	}
	return d
}
