// Package gormstore implements store.Store on PostgreSQL through gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"wasteops/internal/geo"
	"wasteops/internal/hub"
	"wasteops/internal/models"
	"wasteops/internal/store"
)

const uniqueViolation = "23505"

type Store struct {
	queries
	db  *gorm.DB
	hub *hub.Hub
}

var _ store.Store = (*Store)(nil)

// New wraps an open gorm handle. Committed changes are published to h (may be nil).
func New(db *gorm.DB, h *hub.Hub) *Store {
	return &Store{queries: queries{db: db}, db: db, hub: h}
}

// Migrate creates the tables and the partial unique indexes that back the
// single-active-trip, trip-slot and attendance uniqueness rules.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.FeederPoint{}, &models.Worker{}, &models.TripSession{}, &models.AttendanceRecord{}); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}
	stmts := []string{
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON trip_sessions (driver_id) WHERE status IN ('%s', '%s')`,
			store.ConstraintActiveTrip, models.TripStarted, models.TripInProgress),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON trip_sessions (driver_id, feeder_point_id, trip_day, trip_number) WHERE status <> '%s'`,
			store.ConstraintTripSlot, models.TripCancelled),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON worker_attendance (worker_id, driver_id, day) WHERE source = '%s'`,
			store.ConstraintDirectAttendance, models.SourceDirect),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON worker_attendance (trip_id, worker_id) WHERE trip_id <> ''`,
			store.ConstraintTripAttendance),
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	t := &txn{}
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		t.queries = queries{db: db}
		return fn(t)
	})
	if err != nil {
		return err
	}
	if s.hub != nil {
		s.hub.Publish(t.changes...)
	}
	return nil
}

func (s *Store) Subscribe(collection string, filter hub.Filter, cb hub.Callback) func() {
	if s.hub == nil {
		return func() {}
	}
	return s.hub.Subscribe(collection, filter, cb)
}

func (s *Store) SaveFeederPoint(ctx context.Context, fp *models.FeederPoint) error {
	fp.Geohash = geo.Hash(fp.Location)
	if fp.AssignedWorkerIDs == nil {
		fp.AssignedWorkerIDs = pq.StringArray{}
	}
	op := hub.OpModified
	if fp.ID == "" {
		fp.ID = uuid.NewString()
		op = hub.OpAdded
	}
	if err := s.db.WithContext(ctx).Save(fp).Error; err != nil {
		return translate(err)
	}
	s.publish(store.FeederPoints, op, fp.ID, *fp)
	return nil
}

func (s *Store) SaveWorker(ctx context.Context, w *models.Worker) error {
	op := hub.OpModified
	if w.ID == "" {
		w.ID = uuid.NewString()
		op = hub.OpAdded
	}
	if err := s.db.WithContext(ctx).Save(w).Error; err != nil {
		return translate(err)
	}
	s.publish(store.Workers, op, w.ID, *w)
	return nil
}

func (s *Store) publish(collection string, op hub.Op, id string, doc interface{}) {
	if s.hub != nil {
		s.hub.Publish(hub.Change{Collection: collection, Op: op, ID: id, Doc: doc})
	}
}

type queries struct {
	db *gorm.DB
}

func (q queries) GetFeederPoint(ctx context.Context, id string) (models.FeederPoint, error) {
	var fp models.FeederPoint
	err := q.db.WithContext(ctx).First(&fp, "id = ?", id).Error
	return fp, translate(err)
}

func (q queries) ListFeederPoints(ctx context.Context, f store.FeederPointFilter) ([]models.FeederPoint, error) {
	tx := q.db.WithContext(ctx).Model(&models.FeederPoint{})
	if len(f.IDs) > 0 {
		tx = tx.Where("id IN ?", f.IDs)
	}
	if f.Ward != "" {
		tx = tx.Where("ward = ?", f.Ward)
	}
	if f.ActiveOnly {
		tx = tx.Where("active = ?", true)
	}
	if len(f.GeohashPrefixes) > 0 {
		conds := make([]string, 0, len(f.GeohashPrefixes))
		args := make([]interface{}, 0, len(f.GeohashPrefixes))
		for _, p := range f.GeohashPrefixes {
			conds = append(conds, "geohash LIKE ?")
			args = append(args, p+"%")
		}
		tx = tx.Where(strings.Join(conds, " OR "), args...)
	}
	out := []models.FeederPoint{}
	err := tx.Order("name ASC, id ASC").Find(&out).Error
	return out, translate(err)
}

func (q queries) GetWorker(ctx context.Context, id string) (models.Worker, error) {
	var w models.Worker
	err := q.db.WithContext(ctx).First(&w, "id = ?", id).Error
	return w, translate(err)
}

func (q queries) ListWorkers(ctx context.Context, f store.WorkerFilter) ([]models.Worker, error) {
	tx := q.db.WithContext(ctx).Model(&models.Worker{})
	if len(f.IDs) > 0 {
		tx = tx.Where("id IN ?", f.IDs)
	}
	if f.FeederPointID != "" {
		tx = tx.Where("feeder_point_id = ?", f.FeederPointID)
	}
	out := []models.Worker{}
	err := tx.Order("name ASC, id ASC").Find(&out).Error
	return out, translate(err)
}

func (q queries) GetTripSession(ctx context.Context, id string) (models.TripSession, error) {
	var t models.TripSession
	err := q.db.WithContext(ctx).First(&t, "id = ?", id).Error
	return t, translate(err)
}

func (q queries) QueryTripSessions(ctx context.Context, f store.TripFilter) ([]models.TripSession, error) {
	tx := q.db.WithContext(ctx).Model(&models.TripSession{})
	if f.DriverID != "" {
		tx = tx.Where("driver_id = ?", f.DriverID)
	}
	if f.FeederPointID != "" {
		tx = tx.Where("feeder_point_id = ?", f.FeederPointID)
	}
	if f.ContractorID != "" {
		tx = tx.Where("contractor_id = ?", f.ContractorID)
	}
	if f.Day != "" {
		tx = tx.Where("trip_day = ?", f.Day)
	}
	if len(f.Statuses) > 0 {
		tx = tx.Where("status IN ?", f.Statuses)
	}
	if !f.From.IsZero() {
		tx = tx.Where("start_time >= ?", f.From)
	}
	if !f.To.IsZero() {
		tx = tx.Where("start_time < ?", f.To)
	}
	if f.Limit > 0 {
		tx = tx.Limit(f.Limit)
	}
	out := []models.TripSession{}
	err := tx.Order("start_time DESC, id ASC").Find(&out).Error
	return out, translate(err)
}

func (q queries) GetAttendance(ctx context.Context, id string) (models.AttendanceRecord, error) {
	var r models.AttendanceRecord
	err := q.db.WithContext(ctx).First(&r, "id = ?", id).Error
	return r, translate(err)
}

func (q queries) QueryAttendance(ctx context.Context, f store.AttendanceFilter) ([]models.AttendanceRecord, error) {
	tx := q.db.WithContext(ctx).Model(&models.AttendanceRecord{})
	if len(f.IDs) > 0 {
		tx = tx.Where("id IN ?", f.IDs)
	}
	if f.WorkerID != "" {
		tx = tx.Where("worker_id = ?", f.WorkerID)
	}
	if f.DriverID != "" {
		tx = tx.Where("driver_id = ?", f.DriverID)
	}
	if f.TripID != "" {
		tx = tx.Where("trip_id = ?", f.TripID)
	}
	if f.FeederPointID != "" {
		tx = tx.Where("feeder_point_id = ?", f.FeederPointID)
	}
	if f.Day != "" {
		tx = tx.Where("day = ?", f.Day)
	}
	if f.Status != "" {
		tx = tx.Where("status = ?", f.Status)
	}
	if !f.From.IsZero() {
		tx = tx.Where("timestamp >= ?", f.From)
	}
	if !f.To.IsZero() {
		tx = tx.Where("timestamp < ?", f.To)
	}
	if f.Limit > 0 {
		tx = tx.Limit(f.Limit)
	}
	out := []models.AttendanceRecord{}
	err := tx.Order("timestamp DESC, id ASC").Find(&out).Error
	return out, translate(err)
}

type txn struct {
	queries
	changes []hub.Change
}

func (t *txn) record(collection string, op hub.Op, id string, doc interface{}) {
	t.changes = append(t.changes, hub.Change{Collection: collection, Op: op, ID: id, Doc: doc})
}

func (t *txn) AddTripSession(ctx context.Context, s *models.TripSession) (string, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.AttendanceRecordIDs == nil {
		s.AttendanceRecordIDs = pq.StringArray{}
	}
	if s.PhotoRefs == nil {
		s.PhotoRefs = pq.StringArray{}
	}
	if err := t.db.WithContext(ctx).Create(s).Error; err != nil {
		return "", translate(err)
	}
	t.record(store.TripSessions, hub.OpAdded, s.ID, *s)
	return s.ID, nil
}

func (t *txn) UpdateTripSession(ctx context.Context, id string, p store.Patch) error {
	if err := t.update(ctx, &models.TripSession{}, id, p); err != nil {
		return err
	}
	doc, err := t.GetTripSession(ctx, id)
	if err != nil {
		return err
	}
	t.record(store.TripSessions, hub.OpModified, id, doc)
	return nil
}

func (t *txn) AddAttendance(ctx context.Context, r *models.AttendanceRecord) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := t.db.WithContext(ctx).Create(r).Error; err != nil {
		return "", translate(err)
	}
	t.record(store.WorkerAttendance, hub.OpAdded, r.ID, *r)
	return r.ID, nil
}

func (t *txn) UpdateAttendance(ctx context.Context, id string, p store.Patch) error {
	if err := t.update(ctx, &models.AttendanceRecord{}, id, p); err != nil {
		return err
	}
	doc, err := t.GetAttendance(ctx, id)
	if err != nil {
		return err
	}
	t.record(store.WorkerAttendance, hub.OpModified, id, doc)
	return nil
}

// BatchWrite runs inside a savepoint so a failing entry rolls back the whole
// batch even if the caller chooses to continue the outer transaction.
func (t *txn) BatchWrite(ctx context.Context, writes []store.Write) error {
	var staged []hub.Change
	err := t.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		inner := &txn{queries: queries{db: db}}
		for _, w := range writes {
			var err error
			switch w.Collection {
			case store.TripSessions:
				err = inner.UpdateTripSession(ctx, w.ID, w.Patch)
			case store.WorkerAttendance:
				err = inner.UpdateAttendance(ctx, w.ID, w.Patch)
			default:
				err = fmt.Errorf("gormstore: batch writes to %q are not supported", w.Collection)
			}
			if err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"collection": w.Collection,
					"doc_id":     w.ID,
				}).Warn("Batch write rejected, rolling back batch.")
				return err
			}
		}
		staged = inner.changes
		return nil
	})
	if err != nil {
		return err
	}
	t.changes = append(t.changes, staged...)
	return nil
}

func (t *txn) update(ctx context.Context, model interface{}, id string, p store.Patch) error {
	if err := p.Validate(); err != nil {
		return err
	}
	res := t.db.WithContext(ctx).Model(model).Where("id = ?", id).Updates(columns(p))
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// columns turns a patch into a gorm update map, expanding Inc and Append into
// SQL expressions so concurrent writers do not lose updates.
func columns(p store.Patch) map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		switch val := v.(type) {
		case store.Inc:
			out[k] = gorm.Expr(k+" + ?", int(val))
		case store.Append:
			out[k] = gorm.Expr("array_append("+k+", ?)", string(val))
		default:
			out[k] = v
		}
	}
	return out
}

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &store.ConflictError{Constraint: pgErr.ConstraintName, Err: err}
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &store.ConflictError{Err: err}
	}
	return err
}
