// Package payments reads payment state from Stripe for completed rides.
package payments

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type intentGetter interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeClient looks up PaymentIntents.
type StripeClient struct {
	intents intentGetter
}

func NewStripeClient(apiKey string) *StripeClient {
	return &StripeClient{intents: &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey}}
}

// Intent is the part of a PaymentIntent the ride system reads.
type Intent struct {
	ID     string
	Status models.PaymentStatus
	// RideID comes from the intent's ride_id metadata; zero when absent.
	RideID int64
}

// PaymentIntent fetches an intent and maps its status onto a ride payment
// status.
func (s *StripeClient) PaymentIntent(ctx context.Context, intentID string) (Intent, error) {
	if intentID == "" {
		return Intent{}, fmt.Errorf("payment intent id: %w", apperr.ErrValidation)
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.intents.Get(intentID, params)
	if err != nil {
		return Intent{}, fmt.Errorf("get payment intent %s: %w", intentID, err)
	}
	out := Intent{ID: pi.ID, Status: statusOf(pi)}
	if v, ok := pi.Metadata["ride_id"]; ok {
		out.RideID, _ = strconv.ParseInt(v, 10, 64)
	}
	return out, nil
}

func statusOf(pi *stripe.PaymentIntent) models.PaymentStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		if pi.LatestCharge != nil && pi.LatestCharge.Refunded {
			return models.PaymentRefunded
		}
		return models.PaymentCompleted
	case stripe.PaymentIntentStatusCanceled:
		return models.PaymentFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return models.PaymentFailed
		}
	}
	return models.PaymentPending
}

type IntentReader interface {
	PaymentIntent(ctx context.Context, intentID string) (Intent, error)
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Syncer copies a ride's payment status from the payment provider into the
// store and tells the passenger about settled payments. Only intents whose
// ride_id metadata names the ride are accepted.
type Syncer struct {
	reader   IntentReader
	store    storage.Store
	notifier Notifier // optional
	logger   *slog.Logger
}

func NewSyncer(reader IntentReader, store storage.Store, notifier Notifier, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{reader: reader, store: store, notifier: notifier, logger: logger.With("component", "payments")}
}

func (s *Syncer) Sync(ctx context.Context, rideID int64, intentID string) (models.Ride, error) {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	intent, err := s.reader.PaymentIntent(ctx, intentID)
	if err != nil {
		return models.Ride{}, err
	}
	if intent.RideID != rideID {
		s.logger.Warn("payment intent does not belong to ride", "ride_id", rideID, "intent_id", intentID, "intent_ride_id", intent.RideID)
		return models.Ride{}, fmt.Errorf("payment intent %s is not for ride %d: %w", intentID, rideID, apperr.ErrForbidden)
	}
	status := intent.Status
	if status == ride.PaymentStatus {
		return ride, nil
	}
	if err := s.store.SetPaymentStatus(ctx, rideID, status); err != nil {
		return models.Ride{}, err
	}
	ride.PaymentStatus = status
	s.logger.Info("payment status synced", "ride_id", rideID, "status", status)

	if s.notifier != nil && status != models.PaymentPending {
		n := models.Notification{
			RecipientUserID: ride.PassengerID,
			RecipientRole:   models.RolePassenger,
			Kind:            models.NotifyPayment,
			Title:           "Payment " + string(status),
			Message:         fmt.Sprintf("Payment for ride %d is %s", rideID, status),
			Payload:         map[string]any{"ride_id": rideID, "payment_status": status},
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.Warn("payment notification failed", "ride_id", rideID, "error", err)
		}
	}
	return ride, nil
}
