// Package memstore is an in-memory store.Store. Transactions are serialized
// and copy-on-write, so a failed transaction leaves no trace. It backs the
// service tests and STORE_DRIVER=memory deployments.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"wasteops/internal/geo"
	"wasteops/internal/hub"
	"wasteops/internal/models"
	"wasteops/internal/store"
)

type Store struct {
	mu       sync.Mutex
	st       *state
	hub      *hub.Hub
	now      func() time.Time
	failNext error
}

var _ store.Store = (*Store)(nil)

// New returns an empty store publishing committed changes to h (may be nil).
func New(h *hub.Hub) *Store {
	return &Store{
		st:  newState(),
		hub: h,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock used for created/updated timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNextTx makes the next RunInTx fail with err before running its function,
// simulating an unreachable backend.
func (s *Store) FailNextTx(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}

	tx := &txn{state: s.st, now: s.now}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	if s.hub != nil {
		s.hub.Publish(tx.changes...)
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
	return s.RunInTx(ctx, func(t store.Tx) error {
		tx := t.(*txn)
		now := tx.now()
		op := hub.OpModified
		if fp.ID == "" {
			fp.ID = uuid.NewString()
		}
		if existing, ok := tx.feederPoints[fp.ID]; ok {
			fp.CreatedAt = existing.CreatedAt
		} else {
			fp.CreatedAt = now
			op = hub.OpAdded
		}
		fp.UpdatedAt = now
		fp.Geohash = geo.Hash(fp.Location)
		fp.AssignedWorkerIDs = copyStrings(fp.AssignedWorkerIDs)
		put(tx, tx.feederPoints, fp.ID, *fp)
		tx.record(store.FeederPoints, op, fp.ID, *fp)
		return nil
	})
}

func (s *Store) SaveWorker(ctx context.Context, w *models.Worker) error {
	return s.RunInTx(ctx, func(t store.Tx) error {
		tx := t.(*txn)
		now := tx.now()
		op := hub.OpModified
		if w.ID == "" {
			w.ID = uuid.NewString()
		}
		if existing, ok := tx.workers[w.ID]; ok {
			w.CreatedAt = existing.CreatedAt
		} else {
			w.CreatedAt = now
			op = hub.OpAdded
		}
		w.UpdatedAt = now
		put(tx, tx.workers, w.ID, *w)
		tx.record(store.Workers, op, w.ID, *w)
		return nil
	})
}

func (s *Store) GetFeederPoint(ctx context.Context, id string) (models.FeederPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetFeederPoint(ctx, id)
}

func (s *Store) ListFeederPoints(ctx context.Context, f store.FeederPointFilter) ([]models.FeederPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListFeederPoints(ctx, f)
}

func (s *Store) GetWorker(ctx context.Context, id string) (models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetWorker(ctx, id)
}

func (s *Store) ListWorkers(ctx context.Context, f store.WorkerFilter) ([]models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListWorkers(ctx, f)
}

func (s *Store) GetTripSession(ctx context.Context, id string) (models.TripSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetTripSession(ctx, id)
}

func (s *Store) QueryTripSessions(ctx context.Context, f store.TripFilter) ([]models.TripSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.QueryTripSessions(ctx, f)
}

func (s *Store) GetAttendance(ctx context.Context, id string) (models.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetAttendance(ctx, id)
}

func (s *Store) QueryAttendance(ctx context.Context, f store.AttendanceFilter) ([]models.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.QueryAttendance(ctx, f)
}

// state holds the documents. Values are copied on every write; slices inside
// documents are never mutated in place. Transactions write straight into it
// and undo their own writes on failure.
type state struct {
	feederPoints map[string]models.FeederPoint
	workers      map[string]models.Worker
	trips        map[string]models.TripSession
	attendance   map[string]models.AttendanceRecord
}

func newState() *state {
	return &state{
		feederPoints: make(map[string]models.FeederPoint),
		workers:      make(map[string]models.Worker),
		trips:        make(map[string]models.TripSession),
		attendance:   make(map[string]models.AttendanceRecord),
	}
}

func (st *state) GetFeederPoint(_ context.Context, id string) (models.FeederPoint, error) {
	fp, ok := st.feederPoints[id]
	if !ok {
		return models.FeederPoint{}, store.ErrNotFound
	}
	return fp, nil
}

func (st *state) ListFeederPoints(_ context.Context, f store.FeederPointFilter) ([]models.FeederPoint, error) {
	out := []models.FeederPoint{}
	for _, fp := range st.feederPoints {
		if len(f.IDs) > 0 && !contains(f.IDs, fp.ID) {
			continue
		}
		if f.Ward != "" && fp.Ward != f.Ward {
			continue
		}
		if f.ActiveOnly && !fp.Active {
			continue
		}
		if len(f.GeohashPrefixes) > 0 && !hasAnyPrefix(fp.Geohash, f.GeohashPrefixes) {
			continue
		}
		out = append(out, fp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (st *state) GetWorker(_ context.Context, id string) (models.Worker, error) {
	w, ok := st.workers[id]
	if !ok {
		return models.Worker{}, store.ErrNotFound
	}
	return w, nil
}

func (st *state) ListWorkers(_ context.Context, f store.WorkerFilter) ([]models.Worker, error) {
	out := []models.Worker{}
	for _, w := range st.workers {
		if len(f.IDs) > 0 && !contains(f.IDs, w.ID) {
			continue
		}
		if f.FeederPointID != "" && w.FeederPointID != f.FeederPointID {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (st *state) GetTripSession(_ context.Context, id string) (models.TripSession, error) {
	t, ok := st.trips[id]
	if !ok {
		return models.TripSession{}, store.ErrNotFound
	}
	return t, nil
}

func (st *state) QueryTripSessions(_ context.Context, f store.TripFilter) ([]models.TripSession, error) {
	out := []models.TripSession{}
	for _, t := range st.trips {
		if f.DriverID != "" && t.DriverID != f.DriverID {
			continue
		}
		if f.FeederPointID != "" && t.FeederPointID != f.FeederPointID {
			continue
		}
		if f.ContractorID != "" && t.ContractorID != f.ContractorID {
			continue
		}
		if f.Day != "" && t.TripDay != f.Day {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
			continue
		}
		if !inRange(t.StartTime, f.From, f.To) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (st *state) GetAttendance(_ context.Context, id string) (models.AttendanceRecord, error) {
	r, ok := st.attendance[id]
	if !ok {
		return models.AttendanceRecord{}, store.ErrNotFound
	}
	return r, nil
}

func (st *state) QueryAttendance(_ context.Context, f store.AttendanceFilter) ([]models.AttendanceRecord, error) {
	out := []models.AttendanceRecord{}
	for _, r := range st.attendance {
		if len(f.IDs) > 0 && !contains(f.IDs, r.ID) {
			continue
		}
		if f.WorkerID != "" && r.WorkerID != f.WorkerID {
			continue
		}
		if f.DriverID != "" && r.DriverID != f.DriverID {
			continue
		}
		if f.TripID != "" && r.TripID != f.TripID {
			continue
		}
		if f.FeederPointID != "" && r.FeederPointID != f.FeederPointID {
			continue
		}
		if f.Day != "" && r.Day != f.Day {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if !inRange(r.Timestamp, f.From, f.To) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

type txn struct {
	*state
	now     func() time.Time
	changes []hub.Change
	undo    []func()
}

// put writes m[id] = v and remembers how to restore the previous value.
func put[T any](tx *txn, m map[string]T, id string, v T) {
	prev, existed := m[id]
	tx.undo = append(tx.undo, func() {
		if existed {
			m[id] = prev
		} else {
			delete(m, id)
		}
	})
	m[id] = v
}

func (tx *txn) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.changes = nil
}

func (tx *txn) record(collection string, op hub.Op, id string, doc interface{}) {
	tx.changes = append(tx.changes, hub.Change{
		Collection: collection,
		Op:         op,
		ID:         id,
		Doc:        doc,
		At:         tx.now(),
	})
}

func (tx *txn) AddTripSession(_ context.Context, t *models.TripSession) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := tx.trips[t.ID]; exists {
		return "", &store.ConflictError{Constraint: "trip_sessions_pkey"}
	}
	for _, other := range tx.trips {
		if other.DriverID != t.DriverID {
			continue
		}
		if t.Status.Active() && other.Status.Active() {
			return "", &store.ConflictError{Constraint: store.ConstraintActiveTrip}
		}
		if t.Status != models.TripCancelled && other.Status != models.TripCancelled &&
			other.FeederPointID == t.FeederPointID && other.TripDay == t.TripDay && other.TripNumber == t.TripNumber {
			return "", &store.ConflictError{Constraint: store.ConstraintTripSlot}
		}
	}
	now := tx.now()
	t.CreatedAt, t.UpdatedAt = now, now
	t.AttendanceRecordIDs = copyStrings(t.AttendanceRecordIDs)
	t.PhotoRefs = copyStrings(t.PhotoRefs)
	put(tx, tx.trips, t.ID, *t)
	tx.record(store.TripSessions, hub.OpAdded, t.ID, *t)
	return t.ID, nil
}

func (tx *txn) UpdateTripSession(_ context.Context, id string, p store.Patch) error {
	t, err := tx.patchedTrip(id, p)
	if err != nil {
		return err
	}
	put(tx, tx.trips, id, t)
	tx.record(store.TripSessions, hub.OpModified, id, t)
	return nil
}

func (tx *txn) AddAttendance(_ context.Context, r *models.AttendanceRecord) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, exists := tx.attendance[r.ID]; exists {
		return "", &store.ConflictError{Constraint: "worker_attendance_pkey"}
	}
	if err := tx.checkAttendanceUnique(*r); err != nil {
		return "", err
	}
	now := tx.now()
	r.CreatedAt, r.UpdatedAt = now, now
	put(tx, tx.attendance, r.ID, *r)
	tx.record(store.WorkerAttendance, hub.OpAdded, r.ID, *r)
	return r.ID, nil
}

func (tx *txn) UpdateAttendance(_ context.Context, id string, p store.Patch) error {
	r, err := tx.patchedAttendance(id, p)
	if err != nil {
		return err
	}
	if err := tx.checkAttendanceUnique(r); err != nil {
		return err
	}
	put(tx, tx.attendance, id, r)
	tx.record(store.WorkerAttendance, hub.OpModified, id, r)
	return nil
}

// checkAttendanceUnique mirrors the partial unique indexes on worker_attendance.
func (tx *txn) checkAttendanceUnique(r models.AttendanceRecord) error {
	for _, other := range tx.attendance {
		if other.ID == r.ID || other.WorkerID != r.WorkerID {
			continue
		}
		if r.Source == models.SourceDirect && other.Source == models.SourceDirect &&
			other.DriverID == r.DriverID && other.Day == r.Day {
			return &store.ConflictError{Constraint: store.ConstraintDirectAttendance}
		}
		if r.TripID != "" && other.TripID == r.TripID {
			return &store.ConflictError{Constraint: store.ConstraintTripAttendance}
		}
	}
	return nil
}

func (tx *txn) BatchWrite(ctx context.Context, writes []store.Write) error {
	trips := make(map[string]models.TripSession)
	records := make(map[string]models.AttendanceRecord)
	var order []store.Write

	// Stage every write against the staged documents first; nothing is
	// applied unless all of them succeed.
	for _, w := range writes {
		switch w.Collection {
		case store.TripSessions:
			base, ok := trips[w.ID]
			if !ok {
				var err error
				if base, err = tx.GetTripSession(ctx, w.ID); err != nil {
					return err
				}
			}
			t, err := applyTripPatch(base, w.Patch, tx.now())
			if err != nil {
				return err
			}
			trips[w.ID] = t
		case store.WorkerAttendance:
			base, ok := records[w.ID]
			if !ok {
				var err error
				if base, err = tx.GetAttendance(ctx, w.ID); err != nil {
					return err
				}
			}
			r, err := applyAttendancePatch(base, w.Patch, tx.now())
			if err != nil {
				return err
			}
			records[w.ID] = r
		default:
			return unsupportedCollection(w.Collection)
		}
		order = append(order, w)
	}

	for _, w := range order {
		switch w.Collection {
		case store.TripSessions:
			put(tx, tx.trips, w.ID, trips[w.ID])
			tx.record(w.Collection, hub.OpModified, w.ID, trips[w.ID])
		case store.WorkerAttendance:
			put(tx, tx.attendance, w.ID, records[w.ID])
			tx.record(w.Collection, hub.OpModified, w.ID, records[w.ID])
		}
	}
	return nil
}

func (tx *txn) patchedTrip(id string, p store.Patch) (models.TripSession, error) {
	t, ok := tx.trips[id]
	if !ok {
		return models.TripSession{}, store.ErrNotFound
	}
	return applyTripPatch(t, p, tx.now())
}

func (tx *txn) patchedAttendance(id string, p store.Patch) (models.AttendanceRecord, error) {
	r, ok := tx.attendance[id]
	if !ok {
		return models.AttendanceRecord{}, store.ErrNotFound
	}
	return applyAttendancePatch(r, p, tx.now())
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsStatus(list []models.TripStatus, v models.TripStatus) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

func copyStrings(in pq.StringArray) pq.StringArray {
	out := make(pq.StringArray, len(in))
	copy(out, in)
	return out
}
