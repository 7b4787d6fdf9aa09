package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakePayments struct {
	rideID   int64
	intentID string
}

func (f *fakePayments) Sync(_ context.Context, rideID int64, intentID string) (models.Ride, error) {
	f.rideID, f.intentID = rideID, intentID
	return models.Ride{ID: rideID, PaymentStatus: models.PaymentCompleted}, nil
}

const internalToken = "internal-secret"

type testServer struct {
	srv      *Server
	store    *storage.MemoryStore
	reg      *registry.Registry
	hub      *realtime.Hub
	auth     *Authenticator
	payments *fakePayments
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := storage.NewMemoryStore()
	reg := registry.New(store, geo.NewMemoryIndex(), nil)
	recorder := ingest.NewRecorder(store, nil, nil)
	hub := realtime.NewHub(realtime.Deps{Locations: recorder, Positions: reg, Statuses: store}, realtime.Options{}, nil)
	t.Cleanup(hub.Close)
	svc := dispatch.New(dispatch.Deps{
		Store:     store,
		Registry:  reg,
		Rides:     rides.NewMachine(store, reg, nil),
		Notifier:  notify.Mirror{Pusher: hub},
		Hub:       hub,
		Locations: recorder,
	}, dispatch.Options{}, nil)
	auth := NewAuthenticator("test-secret", reg)
	payments := &fakePayments{}
	return &testServer{
		srv:      NewServer(Deps{Dispatch: svc, Registry: reg, Hub: hub, Auth: auth, Payments: payments, InternalToken: internalToken}, nil),
		store:    store,
		reg:      reg,
		hub:      hub,
		auth:     auth,
		payments: payments,
	}
}

func (ts *testServer) token(t *testing.T, userID int64, role models.Role) string {
	t.Helper()
	tok, err := ts.auth.IssueToken(userID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

// driver registers a driver profile for userID and returns its token.
func (ts *testServer) driver(t *testing.T, userID int64) string {
	t.Helper()
	require.NoError(t, ts.reg.Register(context.Background(), &models.Driver{UserID: userID, Name: "Asha", Vehicle: "KA-01", Active: true}))
	return ts.token(t, userID, models.RoleDriver)
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := newRequest(t, method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

// doInternal calls an /internal route with the given service token.
func doInternal(t *testing.T, srv http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := newRequest(t, method, path, body)
	if token != "" {
		req.Header.Set("X-Internal-Token", token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func newRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	return httptest.NewRequest(method, path, &buf)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

var rideBody = map[string]any{
	"pickup":      map[string]any{"address": "MG Road", "lat": 0, "lng": 0},
	"destination": map[string]any{"address": "Airport", "lat": 0.1, "lng": 0.1},
}

// onlineDriver brings the driver online at the given position through the API.
func (ts *testServer) onlineDriver(t *testing.T, token string, lat, lng float64) {
	t.Helper()
	rec := ts.do(t, http.MethodPatch, "/api/v1/drivers/me/status", token, map[string]string{"status": "available"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, "/api/v1/drivers/me/location", token, map[string]float64{"latitude": lat, "longitude": lng})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestUnauthorized(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/v1/rides/current", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/v1/rides/current", "garbage", nil).Code)

	other := NewAuthenticator("other-secret", nil)
	tok, err := other.IssueToken(1, models.RolePassenger, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/v1/rides/current", tok, nil).Code)
}

func TestRideFlow(t *testing.T) {
	ts := newTestServer(t)
	drvTok := ts.driver(t, 100)
	ts.onlineDriver(t, drvTok, 0, 0.001)
	paxTok := ts.token(t, 1, models.RolePassenger)

	rec := ts.do(t, http.MethodPost, "/api/v1/rides/request", paxTok, rideBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res dispatch.Result
	decodeBody(t, rec, &res)
	require.NotNil(t, res.Ride)
	assert.Equal(t, models.RideAccepted, res.Ride.Status)
	assert.Equal(t, models.RequestMatched, res.Request.Status)
	rideID := res.Ride.ID
	base := "/api/v1/rides/" + itoa(rideID)

	rec = ts.do(t, http.MethodPost, "/api/v1/rides/request", paxTok, rideBody)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/rides/current", drvTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, base, ts.token(t, 2, models.RolePassenger), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, base+"/start", drvTok, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	for _, step := range []string{"/pickup", "/start", "/complete"} {
		rec = ts.do(t, http.MethodPost, base+step, drvTok, nil)
		require.Equal(t, http.StatusOK, rec.Code, step+": "+rec.Body.String())
	}
	var ride models.Ride
	decodeBody(t, rec, &ride)
	assert.Equal(t, models.RideCompleted, ride.Status)

	rec = ts.do(t, http.MethodPost, base+"/cancel", paxTok, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAcceptRequiresDriver(t *testing.T) {
	ts := newTestServer(t)
	paxTok := ts.token(t, 1, models.RolePassenger)
	rec := ts.do(t, http.MethodPost, "/api/v1/rides/request", paxTok, rideBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	var res dispatch.Result
	decodeBody(t, rec, &res)
	require.Nil(t, res.Ride)

	body := map[string]int64{"request_id": res.Request.ID}
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/api/v1/rides/accept", paxTok, body).Code)

	drvTok := ts.driver(t, 100)
	ts.onlineDriver(t, drvTok, 0, 0.5)
	rec = ts.do(t, http.MethodPost, "/api/v1/rides/accept", drvTok, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doInternal(t, ts.srv, http.MethodPost, "/internal/ride-requests/"+itoa(res.Request.ID)+"/expire", internalToken, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestValidationErrors(t *testing.T) {
	ts := newTestServer(t)
	paxTok := ts.token(t, 1, models.RolePassenger)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rides/request", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+paxTok)
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad := map[string]any{"pickup": map[string]any{"lat": 91, "lng": 0}, "destination": map[string]any{"lat": 0, "lng": 0}}
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/v1/rides/request", paxTok, bad).Code)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=x&lng=1", paxTok, nil).Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPatch, "/api/v1/drivers/me/status", paxTok, map[string]string{"status": "available"}).Code)
}

func TestDriverQueries(t *testing.T) {
	ts := newTestServer(t)
	drvTok := ts.driver(t, 100)
	ts.onlineDriver(t, drvTok, 12.97, 77.59)
	paxTok := ts.token(t, 1, models.RolePassenger)

	rec := ts.do(t, http.MethodGet, "/api/v1/drivers/available", paxTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var drivers []models.Driver
	decodeBody(t, rec, &drivers)
	require.Len(t, drivers, 1)
	assert.Equal(t, int64(100), drivers[0].UserID)

	rec = ts.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=12.97&lng=77.59&limit=5", paxTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var near []geo.Neighbor
	decodeBody(t, rec, &near)
	require.Len(t, near, 1)
	assert.Equal(t, drivers[0].ID, near[0].DriverID)

	rec = ts.do(t, http.MethodPatch, "/api/v1/drivers/me/status", drvTok, map[string]string{"status": "offline"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPatch, "/api/v1/drivers/me/status", drvTok, map[string]string{"status": "on_ride"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = ts.do(t, http.MethodPatch, "/api/v1/drivers/me/status", drvTok, map[string]string{"status": "parked"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentSync(t *testing.T) {
	ts := newTestServer(t)
	unconfigured := NewServer(Deps{Auth: ts.auth, InternalToken: internalToken}, nil)
	body := map[string]string{"intent_id": "pi_9"}
	rec := doInternal(t, unconfigured, http.MethodPost, "/internal/rides/9/payment", internalToken, body)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doInternal(t, ts.srv, http.MethodPost, "/internal/rides/9/payment", internalToken, body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(9), ts.payments.rideID)
	assert.Equal(t, "pi_9", ts.payments.intentID)
}

func TestInternalRoutesRequireServiceToken(t *testing.T) {
	ts := newTestServer(t)
	paxTok := ts.token(t, 1, models.RolePassenger)
	body := map[string]string{"intent_id": "pi_9"}

	for _, path := range []string{"/internal/rides/9/payment", "/internal/ride-requests/1/expire"} {
		assert.Equal(t, http.StatusUnauthorized, doInternal(t, ts.srv, http.MethodPost, path, "", body).Code, path)
		assert.Equal(t, http.StatusUnauthorized, doInternal(t, ts.srv, http.MethodPost, path, "wrong", body).Code, path)
		// a user token is not a service token
		assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, path, paxTok, body).Code, path)
	}
	assert.Zero(t, ts.payments.rideID)

	// without a configured token the routes stay closed
	closed := NewServer(Deps{Auth: ts.auth, Payments: ts.payments}, nil)
	assert.Equal(t, http.StatusUnauthorized, doInternal(t, closed, http.MethodPost, "/internal/rides/9/payment", "", body).Code)
	assert.Zero(t, ts.payments.rideID)
}

func TestDriverCannotGoAvailableDuringRide(t *testing.T) {
	ts := newTestServer(t)
	drvTok := ts.driver(t, 100)
	ts.onlineDriver(t, drvTok, 0, 0.001)

	rec := ts.do(t, http.MethodPost, "/api/v1/rides/request", ts.token(t, 1, models.RolePassenger), rideBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	var first dispatch.Result
	decodeBody(t, rec, &first)
	require.NotNil(t, first.Ride)

	for _, status := range []string{"available", "offline"} {
		rec = ts.do(t, http.MethodPatch, "/api/v1/drivers/me/status", drvTok, map[string]string{"status": status})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, status)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/rides/request", ts.token(t, 2, models.RolePassenger), rideBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	var second dispatch.Result
	decodeBody(t, rec, &second)
	assert.Nil(t, second.Ride)
	assert.Equal(t, models.RequestActive, second.Request.Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/rides/accept", drvTok, map[string]int64{"request_id": second.Request.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRideHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t)
	drvTok := ts.driver(t, 100)
	ts.onlineDriver(t, drvTok, 0, 0.001)
	paxTok := ts.token(t, 1, models.RolePassenger)

	rec := ts.do(t, http.MethodGet, "/api/v1/rides/history", paxTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/rides/request", paxTok, rideBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	var res dispatch.Result
	decodeBody(t, rec, &res)
	require.NotNil(t, res.Ride)

	rec = ts.do(t, http.MethodGet, "/api/v1/rides/history?limit=5", paxTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []models.Ride
	decodeBody(t, rec, &history)
	require.Len(t, history, 1)
	assert.Equal(t, res.Ride.ID, history[0].ID)

	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/api/v1/rides/history", drvTok, nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/rides/history?limit=x", paxTok, nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/rides/history?limit=0", paxTok, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/v1/rides/history", "", nil).Code)
}

func dialTracking(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/ws/ride-tracking"
	if token != "" {
		wsURL += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestTrackingWebsocket(t *testing.T) {
	ts := newTestServer(t)
	server := httptest.NewServer(ts.srv)
	defer server.Close()

	drvTok := ts.driver(t, 100)
	ts.onlineDriver(t, drvTok, 0, 0.001)
	paxTok := ts.token(t, 1, models.RolePassenger)

	pax := dialTracking(t, server.URL, paxTok)
	drv := dialTracking(t, server.URL, drvTok)
	require.Eventually(t, func() bool {
		return ts.hub.GroupSize("passenger_1") == 1 && ts.hub.GroupSize("driver_100") == 1
	}, time.Second, 5*time.Millisecond)

	rec := ts.do(t, http.MethodPost, "/api/v1/rides/request", paxTok, rideBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	var res dispatch.Result
	decodeBody(t, rec, &res)
	require.NotNil(t, res.Ride)

	// driver sees the fan-out and then the assignment
	assert.Equal(t, "ride_request", readJSON(t, drv)["kind"])
	assert.Equal(t, "ride_accepted", readJSON(t, drv)["kind"])
	got := readJSON(t, pax)
	assert.Equal(t, "notification", got["type"])
	assert.Equal(t, "ride_accepted", got["kind"])

	require.NoError(t, drv.WriteJSON(map[string]any{"type": "location_update", "latitude": 0.002, "longitude": 0.002, "ride_id": res.Ride.ID}))
	echo := readJSON(t, drv)
	assert.Equal(t, "location_update", echo["type"])
	assert.Equal(t, float64(res.Ride.ID), echo["ride_id"])

	rec = ts.do(t, http.MethodPost, "/api/v1/rides/"+itoa(res.Ride.ID)+"/location", drvTok, map[string]float64{"latitude": 0.003, "longitude": 0.003})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	cross := readJSON(t, pax)
	assert.Equal(t, "driver_location", cross["type"])
	assert.Equal(t, 0.003, cross["latitude"])

	locs, err := ts.store.ListLocations(context.Background(), res.Ride.ID)
	require.NoError(t, err)
	assert.Len(t, locs, 2)
}

func TestTrackingWebsocketRefusesAnonymous(t *testing.T) {
	ts := newTestServer(t)
	server := httptest.NewServer(ts.srv)
	defer server.Close()

	conn := dialTracking(t, server.URL, "")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
