package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"wasteops/internal/models"
	"wasteops/internal/store"
)

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate(nil))
	assert.ErrorIs(t, translate(gorm.ErrRecordNotFound), store.ErrNotFound)

	pgErr := &pgconn.PgError{Code: uniqueViolation, ConstraintName: store.ConstraintActiveTrip}
	err := translate(fmt.Errorf("insert: %w", pgErr))
	var ce *store.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, store.ConstraintActiveTrip, ce.Constraint)
	assert.ErrorIs(t, err, store.ErrConflict)

	other := errors.New("connection reset")
	assert.Equal(t, other, translate(other))
}

func TestColumnsExpandsIncrementsAndAppends(t *testing.T) {
	cols := columns(store.Patch{
		"present_workers":       store.Inc(1),
		"attendance_record_ids": store.Append("r1"),
		"notes":                 "",
	})
	require.Len(t, cols, 3)
	assert.IsType(t, gorm.Expr(""), cols["present_workers"])
	assert.IsType(t, gorm.Expr(""), cols["attendance_record_ids"])
	assert.Equal(t, "", cols["notes"])
}

// TestPostgresRoundTrip runs against a real database when GORMSTORE_TEST_DSN is set.
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("GORMSTORE_TEST_DSN")
	if dsn == "" {
		t.Skip("GORMSTORE_TEST_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	ctx := context.Background()
	s := New(db, nil)
	driverID := fmt.Sprintf("driver-%d", time.Now().UnixNano())

	trip := models.TripSession{DriverID: driverID, FeederPointID: "fp", TripDay: "2026-10-19", TripNumber: 1, Status: models.TripStarted, StartTime: time.Now()}
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		_, err := tx.AddTripSession(ctx, &trip)
		return err
	}))

	second := models.TripSession{DriverID: driverID, FeederPointID: "fp2", TripDay: "2026-10-19", TripNumber: 1, Status: models.TripStarted, StartTime: time.Now()}
	err = s.RunInTx(ctx, func(tx store.Tx) error {
		_, err := tx.AddTripSession(ctx, &second)
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.UpdateTripSession(ctx, trip.ID, store.Patch{"present_workers": store.Inc(2), "attendance_record_ids": store.Append("r1")})
	}))
	got, err := s.GetTripSession(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.PresentWorkers)
	assert.Equal(t, []string{"r1"}, []string(got.AttendanceRecordIDs))

	err = s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.BatchWrite(ctx, []store.Write{
			{Collection: store.TripSessions, ID: trip.ID, Patch: store.Patch{"notes": "batched"}},
			{Collection: store.TripSessions, ID: "missing", Patch: store.Patch{"notes": "batched"}},
		})
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	got, err = s.GetTripSession(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, "", got.Notes)

	add := func(r models.AttendanceRecord) error {
		return s.RunInTx(ctx, func(tx store.Tx) error {
			_, err := tx.AddAttendance(ctx, &r)
			return err
		})
	}
	direct := models.AttendanceRecord{WorkerID: "w1", DriverID: driverID, Day: "2026-10-19", Source: models.SourceDirect, Status: models.AttendancePresent, Timestamp: time.Now()}
	require.NoError(t, add(direct))
	err = add(direct)
	var ce *store.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, store.ConstraintDirectAttendance, ce.Constraint)

	onTrip := models.AttendanceRecord{WorkerID: "w1", DriverID: driverID, TripID: trip.ID, Day: "2026-10-19", Source: models.SourceTrip, Status: models.AttendancePresent, Timestamp: time.Now()}
	require.NoError(t, add(onTrip))
	err = add(onTrip)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, store.ConstraintTripAttendance, ce.Constraint)
}
