package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/registry"
)

type PaymentSyncer interface {
	Sync(ctx context.Context, rideID int64, intentID string) (models.Ride, error)
}

type Deps struct {
	Dispatch *dispatch.Service
	Registry *registry.Registry
	Hub      *realtime.Hub
	Auth     *Authenticator
	Payments PaymentSyncer // optional
	// InternalToken guards /internal routes. Empty disables them.
	InternalToken string
}

type Server struct {
	dispatch      *dispatch.Service
	registry      *registry.Registry
	hub           *realtime.Hub
	auth          *Authenticator
	payments      PaymentSyncer
	internalToken []byte
	logger        *slog.Logger
	router        *mux.Router
	upgrader      websocket.Upgrader
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		dispatch:      deps.Dispatch,
		registry:      deps.Registry,
		hub:           deps.Hub,
		auth:          deps.Auth,
		payments:      deps.Payments,
		internalToken: []byte(deps.InternalToken),
		logger:        logger.With("component", "http"),
		router:        mux.NewRouter(),
		upgrader:      websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.HandleFunc("/ws/ride-tracking", s.handleTracking)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides/request", s.handleRideRequest).Methods("POST")
	api.HandleFunc("/rides/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/rides/current", s.handleCurrentRide).Methods("GET")
	api.HandleFunc("/rides/history", s.handleRideHistory).Methods("GET")
	api.HandleFunc("/rides/{id:[0-9]+}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id:[0-9]+}/cancel", s.rideAction(s.dispatch.CancelRide)).Methods("POST")
	api.HandleFunc("/rides/{id:[0-9]+}/pickup", s.rideAction(s.dispatch.PickUp)).Methods("POST")
	api.HandleFunc("/rides/{id:[0-9]+}/start", s.rideAction(s.dispatch.StartTrip)).Methods("POST")
	api.HandleFunc("/rides/{id:[0-9]+}/complete", s.rideAction(s.dispatch.CompleteRide)).Methods("POST")
	api.HandleFunc("/rides/{id:[0-9]+}/location", s.handleShareLocation).Methods("POST")
	api.HandleFunc("/drivers/available", s.handleAvailableDrivers).Methods("GET")
	api.HandleFunc("/drivers/nearby", s.handleNearbyDrivers).Methods("GET")
	api.HandleFunc("/drivers/me/status", s.handleDriverStatus).Methods("PATCH")
	api.HandleFunc("/drivers/me/location", s.handleDriverLocation).Methods("POST")

	internal := s.router.PathPrefix("/internal").Subrouter()
	internal.Use(s.internalAuthMiddleware)
	internal.HandleFunc("/ride-requests/{id:[0-9]+}/expire", s.handleExpire).Methods("POST")
	internal.HandleFunc("/rides/{id:[0-9]+}/payment", s.handlePayment).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

type rideRequestBody struct {
	Pickup      models.Place `json:"pickup"`
	Destination models.Place `json:"destination"`
}

type acceptBody struct {
	RequestID int64 `json:"request_id"`
}

type locationBody struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (b locationBody) point() (float64, float64, error) {
	if b.Latitude == nil || b.Longitude == nil {
		return 0, 0, fmt.Errorf("latitude and longitude are required: %w", apperr.ErrValidation)
	}
	return *b.Latitude, *b.Longitude, nil
}

type statusBody struct {
	Status models.DriverStatus `json:"status"`
}

type paymentBody struct {
	IntentID string `json:"intent_id"`
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var body rideRequestBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.dispatch.SubmitRequest(r.Context(), identityFrom(r.Context()), body.Pickup, body.Destination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body acceptBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.dispatch.AcceptRequest(r.Context(), identityFrom(r.Context()), body.RequestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCurrentRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.dispatch.CurrentRide(r.Context(), identityFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRideHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("limit: %w", apperr.ErrValidation))
			return
		}
		limit = n
	}
	history, err := s.dispatch.RideHistory(r.Context(), identityFrom(r.Context()), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.dispatch.GetRide(r.Context(), identityFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type rideOp func(ctx context.Context, actor models.Identity, rideID int64) (models.Ride, error)

func (s *Server) rideAction(op rideOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ride, err := op(r.Context(), identityFrom(r.Context()), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ride)
	}
}

func (s *Server) handleShareLocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body locationBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	lat, lng, err := body.point()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.dispatch.ShareLocation(r.Context(), identityFrom(r.Context()), id, lat, lng); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAvailableDrivers(w http.ResponseWriter, r *http.Request) {
	drivers, err := s.registry.ListAvailable(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drivers)
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	p := geo.Point{Lat: lat, Lng: lng}
	if errLat != nil || errLng != nil || !p.Valid() {
		s.writeError(w, r, fmt.Errorf("lat and lng query parameters: %w", apperr.ErrValidation))
		return
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("limit: %w", apperr.ErrValidation))
			return
		}
		limit = n
	}
	near, err := s.registry.Nearby(p, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if near == nil {
		near = []geo.Neighbor{}
	}
	writeJSON(w, http.StatusOK, near)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.dispatch.SetDriverStatus(r.Context(), identityFrom(r.Context()), body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	lat, lng, err := body.point()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.dispatch.UpdateDriverLocation(r.Context(), identityFrom(r.Context()), lat, lng); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.dispatch.ExpireRequest(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "payments not configured"})
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body paymentBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.payments.Sync(r.Context(), id, body.IntentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// handleTracking upgrades to a websocket and hands it to the hub, which
// refuses connections without a valid identity.
func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	id, authErr := s.auth.Identify(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	if authErr != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		id = models.Identity{}
	}
	if err := s.hub.Serve(r.Context(), id, conn); err != nil {
		s.logger.Info("tracking connection refused", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err, "request_id", requestIDFromContext(r.Context()))
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode body: %v: %w", err, apperr.ErrValidation)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("id: %w", apperr.ErrValidation)
	}
	return id, nil
}
