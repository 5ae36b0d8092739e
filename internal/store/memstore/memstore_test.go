package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasteops/internal/geo"
	"wasteops/internal/hub"
	"wasteops/internal/models"
	"wasteops/internal/store"
)

func addRecord(t *testing.T, s *Store, r models.AttendanceRecord) string {
	t.Helper()
	var id string
	err := s.RunInTx(context.Background(), func(tx store.Tx) error {
		var err error
		id, err = tx.AddAttendance(context.Background(), &r)
		return err
	})
	require.NoError(t, err)
	return id
}

func TestBatchWriteIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	r1 := addRecord(t, s, models.AttendanceRecord{WorkerID: "w1", Status: models.AttendanceAbsent})
	r3 := addRecord(t, s, models.AttendanceRecord{WorkerID: "w3", Status: models.AttendanceAbsent})

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.BatchWrite(ctx, []store.Write{
			{Collection: store.WorkerAttendance, ID: r1, Patch: store.Patch{"status": models.AttendancePresent}},
			{Collection: store.WorkerAttendance, ID: "missing", Patch: store.Patch{"status": models.AttendancePresent}},
			{Collection: store.WorkerAttendance, ID: r3, Patch: store.Patch{"status": models.AttendancePresent}},
		})
	})
	require.ErrorIs(t, err, store.ErrNotFound)

	for _, id := range []string{r1, r3} {
		rec, err := s.GetAttendance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.AttendanceAbsent, rec.Status)
	}
}

func TestFailedTransactionLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		if _, err := tx.AddAttendance(ctx, &models.AttendanceRecord{WorkerID: "w1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	recs, err := s.QueryAttendance(ctx, store.AttendanceFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestUnsetValueRejected(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	id := addRecord(t, s, models.AttendanceRecord{WorkerID: "w1", Notes: "first"})

	var notes *string
	err := s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.UpdateAttendance(ctx, id, store.Patch{"notes": notes})
	})
	require.ErrorIs(t, err, store.ErrUnsetValue)

	rec, err := s.GetAttendance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "first", rec.Notes)
}

func TestActiveTripUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	add := func(trip models.TripSession) error {
		return s.RunInTx(ctx, func(tx store.Tx) error {
			_, err := tx.AddTripSession(ctx, &trip)
			return err
		})
	}

	require.NoError(t, add(models.TripSession{DriverID: "d1", FeederPointID: "fp1", TripDay: "2026-10-19", TripNumber: 1, Status: models.TripStarted}))

	err := add(models.TripSession{DriverID: "d1", FeederPointID: "fp2", TripDay: "2026-10-19", TripNumber: 1, Status: models.TripStarted})
	var ce *store.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, store.ConstraintActiveTrip, ce.Constraint)

	err = add(models.TripSession{DriverID: "d1", FeederPointID: "fp1", TripDay: "2026-10-19", TripNumber: 1, Status: models.TripCompleted})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, store.ConstraintTripSlot, ce.Constraint)
}

func TestCountersAndAppend(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	trip := models.TripSession{DriverID: "d1", Status: models.TripStarted}
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		_, err := tx.AddTripSession(ctx, &trip)
		return err
	}))

	for _, rid := range []string{"r1", "r2"} {
		require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
			return tx.UpdateTripSession(ctx, trip.ID, store.Patch{
				"present_workers":       store.Inc(1),
				"attendance_record_ids": store.Append(rid),
				"status":                models.TripInProgress,
			})
		}))
	}

	got, err := s.GetTripSession(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.PresentWorkers)
	assert.Equal(t, []string{"r1", "r2"}, []string(got.AttendanceRecordIDs))
	assert.Equal(t, models.TripInProgress, got.Status)
}

func TestQueryOrderingAndFilters(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	base := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	addRecord(t, s, models.AttendanceRecord{WorkerID: "w1", DriverID: "d1", Timestamp: base, Day: "2026-10-19"})
	addRecord(t, s, models.AttendanceRecord{WorkerID: "w2", DriverID: "d1", Timestamp: base.Add(time.Hour), Day: "2026-10-19"})
	addRecord(t, s, models.AttendanceRecord{WorkerID: "w3", DriverID: "d2", Timestamp: base.Add(24 * time.Hour), Day: "2026-10-20"})

	recs, err := s.QueryAttendance(ctx, store.AttendanceFilter{DriverID: "d1"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "w2", recs[0].WorkerID)

	recs, err = s.QueryAttendance(ctx, store.AttendanceFilter{From: base.Add(30 * time.Minute), To: base.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "w2", recs[0].WorkerID)
}

func TestFeederPointGeohashPrefilter(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	near := models.FeederPoint{Name: "Near", Active: true, Location: geo.NewPoint(19.0760, 72.8777)}
	far := models.FeederPoint{Name: "Far", Active: true, Location: geo.NewPoint(28.6139, 77.2090)}
	require.NoError(t, s.SaveFeederPoint(ctx, &near))
	require.NoError(t, s.SaveFeederPoint(ctx, &far))
	assert.NotEmpty(t, near.Geohash)

	fps, err := s.ListFeederPoints(ctx, store.FeederPointFilter{
		GeohashPrefixes: geo.CoverPrefixes(geo.NewPoint(19.0765, 72.8780), 500),
	})
	require.NoError(t, err)
	require.Len(t, fps, 1)
	assert.Equal(t, "Near", fps[0].Name)
}

func TestChangesPublishedAfterCommit(t *testing.T) {
	ctx := context.Background()
	h := hub.New(16)
	defer h.Close()
	s := New(h)

	got := make(chan hub.Change, 4)
	unsubscribe := s.Subscribe(store.WorkerAttendance, nil, func(c hub.Change) { got <- c })
	defer unsubscribe()

	_ = s.RunInTx(ctx, func(tx store.Tx) error {
		_, _ = tx.AddAttendance(ctx, &models.AttendanceRecord{WorkerID: "rolled-back"})
		return errors.New("abort")
	})
	id := addRecord(t, s, models.AttendanceRecord{WorkerID: "w1"})

	select {
	case c := <-got:
		assert.Equal(t, id, c.ID)
		assert.Equal(t, hub.OpAdded, c.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}
}

func TestAttendanceUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	direct := models.AttendanceRecord{WorkerID: "w1", DriverID: "d1", Day: "2026-10-19", Source: models.SourceDirect}
	addRecord(t, s, direct)
	yesterday := direct
	yesterday.Day = "2026-10-18"
	yid := addRecord(t, s, yesterday)

	add := func(r models.AttendanceRecord) error {
		return s.RunInTx(ctx, func(tx store.Tx) error {
			_, err := tx.AddAttendance(ctx, &r)
			return err
		})
	}
	var ce *store.ConflictError
	require.ErrorAs(t, add(direct), &ce)
	assert.Equal(t, store.ConstraintDirectAttendance, ce.Constraint)

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.UpdateAttendance(ctx, yid, store.Patch{"day": "2026-10-19"})
	})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, store.ConstraintDirectAttendance, ce.Constraint)

	// another driver's direct record and trip records do not collide
	otherDriver := direct
	otherDriver.DriverID = "d2"
	require.NoError(t, add(otherDriver))

	onTrip := models.AttendanceRecord{WorkerID: "w1", DriverID: "d1", TripID: "t1", Day: "2026-10-19", Source: models.SourceTrip}
	require.NoError(t, add(onTrip))
	require.ErrorAs(t, add(onTrip), &ce)
	assert.Equal(t, store.ConstraintTripAttendance, ce.Constraint)
}

func TestRollbackRestoresOverwrittenDocuments(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	id := addRecord(t, s, models.AttendanceRecord{WorkerID: "w1", Status: models.AttendanceAbsent, Notes: "kept"})
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.UpdateAttendance(ctx, id, store.Patch{"status": models.AttendancePresent, "notes": "lost"}); err != nil {
			return err
		}
		if err := tx.UpdateAttendance(ctx, id, store.Patch{"notes": "lost again"}); err != nil {
			return err
		}
		if _, err := tx.AddAttendance(ctx, &models.AttendanceRecord{WorkerID: "w2"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	rec, err := s.GetAttendance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceAbsent, rec.Status)
	assert.Equal(t, "kept", rec.Notes)

	recs, err := s.QueryAttendance(ctx, store.AttendanceFilter{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
