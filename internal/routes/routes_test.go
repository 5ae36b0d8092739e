package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasteops/internal/controllers"
	"wasteops/internal/geo"
	"wasteops/internal/hub"
	"wasteops/internal/lock"
	"wasteops/internal/metrics"
	"wasteops/internal/middleware"
	"wasteops/internal/models"
	"wasteops/internal/services"
	"wasteops/internal/store/memstore"
)

func init() { gin.SetMode(gin.TestMode) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type server struct {
	t     *testing.T
	r     *gin.Engine
	auth  *middleware.Auth
	clock *clock
}

func newServer(t *testing.T) *server {
	t.Helper()
	h := hub.New(0)
	t.Cleanup(h.Close)
	st := memstore.New(h)

	ctx := context.Background()
	for _, w := range []models.Worker{
		{ID: "w1", Name: "Asha", FeederPointID: "fp-1", Active: true},
		{ID: "w2", Name: "Bala", FeederPointID: "fp-1", Active: true},
	} {
		w := w
		require.NoError(t, st.SaveWorker(ctx, &w))
	}
	fp := models.FeederPoint{
		ID:                "fp-1",
		Name:              "Dadar Market",
		Location:          geo.NewPoint(19.0760, 72.8777),
		Active:            true,
		AssignedWorkerIDs: pq.StringArray{"w1", "w2"},
	}
	require.NoError(t, st.SaveFeederPoint(ctx, &fp))

	clk := &clock{t: time.Date(2026, 10, 19, 7, 30, 0, 0, time.UTC)}
	opts := services.DefaultOptions()
	opts.Location = time.UTC
	deps := services.Deps{
		Store:   st,
		Locker:  lock.NewLocal(),
		Clock:   clk,
		Metrics: metrics.NewCollector(),
		Options: opts,
	}
	auth := middleware.NewAuth("test-secret")
	handler := &controllers.Handler{
		Trips:      services.NewTripSessionManager(deps),
		Attendance: services.NewAttendanceRecorder(deps),
		Gate:       services.NewProximityGate(deps),
		Analytics:  services.NewAggregator(deps),
		Store:      st,
		Auth:       auth,
		Location:   time.UTC,
	}
	collector := deps.Metrics.(*metrics.Collector)
	return &server{t: t, r: SetupRouter(handler, collector.Handler(), nil), auth: auth, clock: clk}
}

func (s *server) token(subject, role string) string {
	tok, err := s.auth.GenerateToken(subject, role, time.Hour)
	require.NoError(s.t, err)
	return tok
}

func (s *server) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	var body struct {
		Code string `json:"code"`
	}
	decode(t, w, &body)
	return body.Code
}

var near = map[string]interface{}{"latitude": 19.0761, "longitude": 72.8777}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "", nil).Code)

	w := s.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "wasteops_trips_started_total")
}

func TestRoleGating(t *testing.T) {
	s := newServer(t)
	start := map[string]interface{}{"feeder_point_id": "fp-1", "trip_number": 1}

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/driver/trips", "", start).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/driver/trips", s.token("u-1", middleware.RoleHR), start).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/hr/attendance", s.token("d-1", middleware.RoleDriver), nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/admin/trips", s.token("c-1", middleware.RoleContractor), nil).Code)
}

func TestTripLifecycleOverHTTP(t *testing.T) {
	s := newServer(t)
	driver := s.token("d-1", middleware.RoleDriver)

	w := s.do(http.MethodPost, "/driver/proximity-check", driver, map[string]interface{}{
		"feeder_point_id": "fp-1", "location": near,
	})
	require.Equal(t, http.StatusOK, w.Code)
	var prox services.ProximityResult
	decode(t, w, &prox)
	assert.True(t, prox.WithinRange)
	assert.True(t, prox.HasCoordinate)

	w = s.do(http.MethodPost, "/driver/trips", driver, map[string]interface{}{
		"feeder_point_id": "fp-1", "trip_number": 1, "location": near,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var trip models.TripSession
	decode(t, w, &trip)
	assert.Equal(t, models.TripStarted, trip.Status)
	assert.Equal(t, "d-1", trip.DriverID)
	assert.Equal(t, 2, trip.TotalWorkers)

	w = s.do(http.MethodPost, "/driver/trips", driver, map[string]interface{}{
		"feeder_point_id": "fp-1", "trip_number": 2,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, services.CodeActiveTripExists, errorCode(t, w))

	base := "/driver/trips/" + trip.ID
	w = s.do(http.MethodPost, base+"/attendance", driver, map[string]interface{}{"worker_id": "w1", "status": "present"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rec models.AttendanceRecord
	decode(t, w, &rec)
	assert.Equal(t, "Asha", rec.WorkerName)
	assert.Equal(t, "", rec.PhotoRef)

	w = s.do(http.MethodPost, base+"/attendance", driver, map[string]interface{}{"worker_id": "w1", "status": "absent"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, services.CodeAlreadyRecorded, errorCode(t, w))

	w = s.do(http.MethodGet, base+"/roster", driver, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var roster struct {
		Roster []services.RosterEntry `json:"roster"`
	}
	decode(t, w, &roster)
	require.Len(t, roster.Roster, 2)
	assert.Equal(t, "present", roster.Roster[0].Status)
	assert.Equal(t, services.RosterPending, roster.Roster[1].Status)

	other := s.token("d-2", middleware.RoleDriver)
	w = s.do(http.MethodPost, base+"/cancel", other, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, services.CodeTripDriverMismatch, errorCode(t, w))

	w = s.do(http.MethodPost, base+"/end", driver, map[string]interface{}{"waste_weight_kg": 0})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, services.CodeWasteWeight, errorCode(t, w))

	s.clock.advance(45 * time.Minute)
	w = s.do(http.MethodPost, base+"/end", driver, map[string]interface{}{
		"waste_weight_kg": 180.5, "photo_refs": []string{"uploads/trip-1.jpg"}, "end_location": near,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary services.TripSummary
	decode(t, w, &summary)
	assert.Equal(t, models.TripCompleted, summary.Trip.Status)
	assert.InDelta(t, 45, summary.DurationMinutes, 0.01)

	w = s.do(http.MethodGet, "/driver/trips/active?feeder_point_id=fp-1", driver, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"trip":null,"next_trip_number":2}`, w.Body.String())

	w = s.do(http.MethodGet, "/admin/trips/stats?driver_id=d-1", s.token("a-1", middleware.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats services.TripStats
	decode(t, w, &stats)
	assert.Equal(t, 1, stats.Total)
	assert.InDelta(t, 180.5, stats.TotalWasteKg, 0.001)
}

func TestHRAttendanceEndpoints(t *testing.T) {
	s := newServer(t)
	driver := s.token("d-1", middleware.RoleDriver)
	hr := s.token("u-1", middleware.RoleHR)

	w := s.do(http.MethodPost, "/driver/attendance", driver, map[string]interface{}{"worker_id": "w1", "present": true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first models.AttendanceRecord
	decode(t, w, &first)

	w = s.do(http.MethodPost, "/driver/attendance", driver, map[string]interface{}{"worker_id": "w1", "present": false})
	require.Equal(t, http.StatusOK, w.Code)
	var second models.AttendanceRecord
	decode(t, w, &second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.AttendanceAbsent, second.Status)

	w = s.do(http.MethodPost, "/hr/attendance/bulk-status", hr, map[string]interface{}{
		"ids": []string{first.ID, "missing"}, "status": "present",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/hr/attendance/bulk-status", hr, map[string]interface{}{
		"ids": []string{first.ID}, "status": "present",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"updated":1}`, w.Body.String())

	w = s.do(http.MethodPatch, "/hr/attendance/"+first.ID, hr, map[string]interface{}{"notes": "late bus"})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/hr/attendance?worker_id=w1", hr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var recs []models.AttendanceRecord
	decode(t, w, &recs)
	require.Len(t, recs, 1)
	assert.Equal(t, "late bus", recs[0].Notes)
	assert.Equal(t, models.AttendancePresent, recs[0].Status)

	w = s.do(http.MethodGet, "/hr/workers/w1/attendance?from=2026-10-01&to=2026-10-20", hr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &recs)
	assert.Len(t, recs, 1)

	w = s.do(http.MethodGet, "/hr/analytics?group=week", hr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report services.Report
	decode(t, w, &report)
	assert.Equal(t, 1, report.Summary.Total)

	w = s.do(http.MethodGet, "/hr/analytics?dimension=planet", hr, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(http.MethodGet, "/hr/attendance?from=yesterday", hr, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFeederPointAdmin(t *testing.T) {
	s := newServer(t)
	hr := s.token("u-1", middleware.RoleHR)

	w := s.do(http.MethodPost, "/hr/feeder-points", hr, map[string]interface{}{
		"name": "Worli Naka", "ward": "G-South", "location": map[string]float64{"latitude": 19.01, "longitude": 72.82},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created controllers.FeederPointResponse
	decode(t, w, &created)
	assert.True(t, created.Active)
	assert.NotEmpty(t, created.Geohash)
	assert.True(t, strings.Contains(created.Geometry, `"Point"`), created.Geometry)

	w = s.do(http.MethodPut, "/hr/feeder-points/"+created.ID, hr, map[string]interface{}{"active": false})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPut, "/hr/feeder-points/nope", hr, map[string]interface{}{"active": false})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/hr/feeder-points?active=true", hr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var fps []controllers.FeederPointResponse
	decode(t, w, &fps)
	require.Len(t, fps, 1)
	assert.Equal(t, "fp-1", fps[0].ID)

	w = s.do(http.MethodGet, "/driver/feeder-points/nearby?lat=19.0761&lng=72.8777", s.token("d-1", middleware.RoleDriver), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var nearby []services.NearbyFeederPoint
	decode(t, w, &nearby)
	require.Len(t, nearby, 1)
	assert.Equal(t, "fp-1", nearby[0].FeederPoint.ID)

	w = s.do(http.MethodPost, "/hr/workers", hr, map[string]interface{}{"name": "Chitra", "feeder_point_id": "fp-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	var worker models.Worker
	decode(t, w, &worker)
	assert.NotEmpty(t, worker.ID)
	assert.True(t, worker.Active)
}

func TestChangeStream(t *testing.T) {
	s := newServer(t)
	srv := httptest.NewServer(s.r)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/changes?collection=trip_sessions&token="

	_, resp, err := websocket.DefaultDialer.Dial(base+"bogus", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+s.token("d-1", middleware.RoleDriver), nil)
	require.NoError(t, err)
	defer conn.Close()

	start := map[string]interface{}{"feeder_point_id": "fp-1", "trip_number": 1}
	// another driver's trip must not reach this stream
	w := s.do(http.MethodPost, "/driver/trips", s.token("d-2", middleware.RoleDriver), start)
	require.Equal(t, http.StatusCreated, w.Code)
	w = s.do(http.MethodPost, "/driver/trips", s.token("d-1", middleware.RoleDriver), start)
	require.Equal(t, http.StatusCreated, w.Code)
	var trip models.TripSession
	decode(t, w, &trip)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var change struct {
		Collection string             `json:"collection"`
		Op         string             `json:"op"`
		ID         string             `json:"id"`
		Doc        models.TripSession `json:"doc"`
	}
	require.NoError(t, conn.ReadJSON(&change))
	assert.Equal(t, "trip_sessions", change.Collection)
	assert.Equal(t, "added", change.Op)
	assert.Equal(t, trip.ID, change.ID)
	assert.Equal(t, "d-1", change.Doc.DriverID)
}
