package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eastrift/fleet-dispatch/pkg/common"
	"github.com/eastrift/fleet-dispatch/pkg/middleware"
	"github.com/eastrift/fleet-dispatch/pkg/models"
)

const testJWTSecret = "handler-test-secret"

func newTestRouter(t *testing.T, env *dispatchEnv) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	common.RegisterValidators()

	router := gin.New()
	group := router.Group("/api/v1", middleware.AuthMiddleware(testJWTSecret))
	NewHandler(env.orch).RegisterRoutes(group)
	return router
}

func bearerFor(t *testing.T, id uuid.UUID, role middleware.SessionRole) string {
	t.Helper()
	token, err := middleware.IssueToken(testJWTSecret, id, role, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func doJSON(router *gin.Engine, method, path, auth string, body interface{}) (*httptest.ResponseRecorder, common.Response) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var envelope common.Response
	_ = json.Unmarshal(rec.Body.Bytes(), &envelope)
	return rec, envelope
}

func rideBody(phone string) map[string]interface{} {
	return map[string]interface{}{
		"passenger_phone": phone,
		"passenger_name":  "Mei",
		"pickup":          map[string]interface{}{"lat": testPickupLat, "lng": testPickupLng, "address": "Station Rd 1"},
		"destination":     map[string]interface{}{"lat": 24.05, "lng": 121.62, "address": "Harbor Gate"},
		"payment_type":    "cash",
	}
}

func TestSubmitRideEndpoint(t *testing.T) {
	env := newDispatchEnv(t)
	driverID := env.addDriver(testPickupLat+0.001, testPickupLng, 4.8)
	router := newTestRouter(t, env)

	auth := bearerFor(t, uuid.New(), middleware.RolePassenger)
	rec, envelope := doJSON(router, http.MethodPost, "/api/v1/rides", auth, rideBody("0912000111"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, envelope.Success)

	data, ok := envelope.Data.(map[string]interface{})
	require.True(t, ok, "data should be an object")
	offered, ok := data["offeredTo"].([]interface{})
	require.True(t, ok, "offeredTo should be a list")
	require.Len(t, offered, 1)
	assert.Equal(t, driverID.String(), offered[0])

	msg := env.waitOffer()
	assert.Equal(t, driverID, msg.driverID)
}

func TestSubmitRideRejectsMalformedPhone(t *testing.T) {
	env := newDispatchEnv(t)
	env.addDriver(testPickupLat+0.001, testPickupLng, 4.8)
	router := newTestRouter(t, env)

	auth := bearerFor(t, uuid.New(), middleware.RolePassenger)
	rec, envelope := doJSON(router, http.MethodPost, "/api/v1/rides", auth, rideBody("12345"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, envelope.Success)
	assert.Equal(t, common.CodeMissingFields, envelope.Code)
}

func TestSubmitRideRequiresPassengerRole(t *testing.T) {
	env := newDispatchEnv(t)
	router := newTestRouter(t, env)

	auth := bearerFor(t, uuid.New(), middleware.RoleDriver)
	rec, _ := doJSON(router, http.MethodPost, "/api/v1/rides", auth, rideBody("0912000111"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	recNoAuth, _ := doJSON(router, http.MethodPost, "/api/v1/rides", "", rideBody("0912000111"))
	assert.Equal(t, http.StatusUnauthorized, recNoAuth.Code)
}

func TestAcceptEndpointAssignsDriver(t *testing.T) {
	env := newDispatchEnv(t)
	driverID := env.addDriver(testPickupLat+0.001, testPickupLng, 4.8)
	router := newTestRouter(t, env)

	order, _, err := env.submit()
	require.NoError(t, err)
	env.waitOffer()

	auth := bearerFor(t, driverID, middleware.RoleDriver)
	rec, envelope := doJSON(router, http.MethodPost, "/api/v1/rides/"+order.ID.String()+"/accept", auth, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, envelope.Success)

	current, ok := env.registry.CurrentOrder(driverID)
	require.True(t, ok)
	assert.Equal(t, order.ID, current)
}

func TestAcceptEndpointSecondDriverConflicts(t *testing.T) {
	env := newDispatchEnv(t)
	first := env.addDriver(testPickupLat+0.001, testPickupLng, 4.8)
	second := env.addDriver(testPickupLat+0.002, testPickupLng, 4.5)
	router := newTestRouter(t, env)

	order, _, err := env.submit()
	require.NoError(t, err)
	drainOffers(env)

	recWin, _ := doJSON(router, http.MethodPost, "/api/v1/rides/"+order.ID.String()+"/accept",
		bearerFor(t, first, middleware.RoleDriver), nil)
	require.Equal(t, http.StatusOK, recWin.Code)

	recLose, envelope := doJSON(router, http.MethodPost, "/api/v1/rides/"+order.ID.String()+"/accept",
		bearerFor(t, second, middleware.RoleDriver), nil)
	assert.Equal(t, http.StatusConflict, recLose.Code)
	assert.Equal(t, common.CodeAlreadyTaken, envelope.Code)
}

func TestNearbyDriversEndpoint(t *testing.T) {
	env := newDispatchEnv(t)
	driverID := env.addDriver(testPickupLat+0.001, testPickupLng, 4.8)
	router := newTestRouter(t, env)

	auth := bearerFor(t, uuid.New(), middleware.RolePassenger)
	path := "/api/v1/drivers/nearby?lat=23.9900&lng=121.6000&radius=5000"
	rec, envelope := doJSON(router, http.MethodGet, path, auth, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, envelope.Success)

	drivers, ok := envelope.Data.([]interface{})
	require.True(t, ok, "data should be a list")
	require.Len(t, drivers, 1)
	entry := drivers[0].(map[string]interface{})
	assert.Equal(t, driverID.String(), entry["driverId"])

	recMissing, _ := doJSON(router, http.MethodGet, "/api/v1/drivers/nearby?lat=23.99", auth, nil)
	assert.Equal(t, http.StatusBadRequest, recMissing.Code)
}

func TestZoneStatusEndpoint(t *testing.T) {
	zone := models.HotZone{
		ID:              uuid.New(),
		Name:            "Station",
		CenterLatitude:  testPickupLat,
		CenterLongitude: testPickupLng,
		RadiusKm:        2,
		QuotaNormal:     10,
		SurgeThreshold:  0.8,
		SurgeStep:       0.1,
		Active:          true,
	}
	env := newDispatchEnv(t, zone)
	router := newTestRouter(t, env)
	auth := bearerFor(t, uuid.New(), middleware.RolePassenger)

	rec, envelope := doJSON(router, http.MethodGet, "/api/v1/zones/Station/status", auth, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, envelope.Success)

	data, ok := envelope.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Station", data["zone_name"])
	assert.Equal(t, float64(0), data["used"])
	assert.Equal(t, float64(10), data["limit"])
	assert.Equal(t, float64(1), data["surge"])

	recUnknown, _ := doJSON(router, http.MethodGet, "/api/v1/zones/Nowhere/status", auth, nil)
	assert.Equal(t, http.StatusNotFound, recUnknown.Code)
}
