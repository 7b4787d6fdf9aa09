// Package ingest records location samples and streams them to Kafka.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type Publisher interface {
	PublishLocation(ctx context.Context, s models.LocationSample) error
}

// Recorder appends samples to the store and then publishes them. Publishing
// is best-effort.
type Recorder struct {
	store     storage.Store
	publisher Publisher // optional
	logger    *slog.Logger
	now       func() time.Time
}

func NewRecorder(store storage.Store, publisher Publisher, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, publisher: publisher, logger: logger.With("component", "ingest"), now: time.Now}
}

// Record stores s, filling its geohash and timestamp. Store errors, including
// apperr.ErrNotFound for an unknown ride, are returned unchanged.
func (r *Recorder) Record(ctx context.Context, s *models.LocationSample) error {
	if s.RecordedAt.IsZero() {
		s.RecordedAt = r.now().UTC()
	}
	s.Geohash = geo.Cell(geo.Point{Lat: s.Lat, Lng: s.Lng})
	if err := r.store.AppendLocation(ctx, s); err != nil {
		return err
	}
	observability.LocationSamples.Inc()
	if r.publisher != nil {
		if err := r.publisher.PublishLocation(ctx, *s); err != nil {
			r.logger.Warn("location publish failed", "ride_id", s.RideID, "user_id", s.UserID, "error", err)
		}
	}
	return nil
}
