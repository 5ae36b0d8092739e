package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"wasteops/internal/geo"
	"wasteops/internal/hub"
	"wasteops/internal/models"
	"wasteops/internal/store"
)

// Optional evidence is passed as pointers: nil means "not provided". Every
// write path normalizes these to "" or an unset geo.Point before they reach
// the store.

type TripAttendanceInput struct {
	TripID          string
	WorkerID        string
	WorkerName      string
	FeederPointID   string
	FeederPointName string
	DriverID        string
	DriverName      string
	Status          models.AttendanceStatus
	Location        *geo.Point
	PhotoRef        *string
	Notes           *string
}

// DirectAttendanceInput is the driver-direct flow that needs no open trip.
type DirectAttendanceInput struct {
	WorkerID    string
	WorkerName  string
	DriverID    string
	DriverName  string
	VehicleID   *string
	Present     bool
	CheckInTime time.Time // zero means now
	PhotoRef    *string
	Location    *geo.Point
	Notes       *string
}

// RecordPatch is an HR correction. Nil fields are left untouched; an empty
// Notes string clears the notes.
type RecordPatch struct {
	Status    *models.AttendanceStatus
	Notes     *string
	Timestamp *time.Time
}

const RosterPending = "pending"

type RosterEntry struct {
	WorkerID   string     `json:"worker_id"`
	WorkerName string     `json:"worker_name"`
	Role       string     `json:"role"`
	Status     string     `json:"status"` // present, absent or pending
	RecordID   string     `json:"record_id,omitempty"`
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
}

type AttendanceRecorder struct {
	store   store.Store
	clock   Clock
	metrics Metrics
	loc     *time.Location
}

func NewAttendanceRecorder(d Deps) *AttendanceRecorder {
	d = d.withDefaults()
	return &AttendanceRecorder{
		store:   d.Store,
		clock:   d.Clock,
		metrics: d.Metrics,
		loc:     d.Options.Location,
	}
}

func optString(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func optPoint(p *geo.Point) (geo.Point, error) {
	if p == nil || !p.Valid {
		return geo.Point{}, nil
	}
	if !p.InBounds() {
		return geo.Point{}, invalid(CodeInvalidLocation, "Location is out of range.")
	}
	return *p, nil
}

// counterDelta is the change to a trip's present/absent counters when a
// record moves from one status to another. from == "" means a new record.
func counterDelta(from, to models.AttendanceStatus) (present, absent int) {
	switch from {
	case models.AttendancePresent:
		present--
	case models.AttendanceAbsent:
		absent--
	}
	switch to {
	case models.AttendancePresent:
		present++
	case models.AttendanceAbsent:
		absent++
	}
	return present, absent
}

func counterPatch(present, absent int) store.Patch {
	p := store.Patch{}
	if present != 0 {
		p["present_workers"] = store.Inc(present)
	}
	if absent != 0 {
		p["absent_workers"] = store.Inc(absent)
	}
	return p
}

// RecordAttendance appends a trip-scoped record and, in the same transaction,
// bumps the trip counters, appends the record id and promotes a started trip
// to in_progress.
func (r *AttendanceRecorder) RecordAttendance(ctx context.Context, in TripAttendanceInput) (models.AttendanceRecord, error) {
	if strings.TrimSpace(in.TripID) == "" || strings.TrimSpace(in.WorkerID) == "" {
		return models.AttendanceRecord{}, invalid(CodeInvalidInput, "Trip and worker are required.")
	}
	if !in.Status.Valid() {
		return models.AttendanceRecord{}, invalid(CodeInvalidStatus, "Status must be present or absent.")
	}
	loc, err := optPoint(in.Location)
	if err != nil {
		return models.AttendanceRecord{}, err
	}

	var rec models.AttendanceRecord
	err = r.store.RunInTx(ctx, func(tx store.Tx) error {
		trip, err := tx.GetTripSession(ctx, in.TripID)
		if err != nil {
			return err
		}
		if !trip.Status.Active() {
			return invalid(CodeTripNotActive, "Trip is %s. Attendance can only be recorded on an open trip.", trip.Status)
		}
		if in.DriverID != "" && in.DriverID != trip.DriverID {
			return invalid(CodeTripDriverMismatch, "Trip belongs to another driver.")
		}
		existing, err := tx.QueryAttendance(ctx, store.AttendanceFilter{TripID: trip.ID, WorkerID: in.WorkerID, Limit: 1})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return invalid(CodeAlreadyRecorded, "Attendance for this worker has already been recorded on this trip.")
		}

		name := strings.TrimSpace(in.WorkerName)
		if name == "" {
			w, err := tx.GetWorker(ctx, in.WorkerID)
			switch {
			case err == nil:
				name = w.Name
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		now := r.clock.Now()
		rec = models.AttendanceRecord{
			WorkerID:        in.WorkerID,
			WorkerName:      name,
			FeederPointID:   firstNonEmpty(in.FeederPointID, trip.FeederPointID),
			FeederPointName: firstNonEmpty(in.FeederPointName, trip.FeederPointName),
			DriverID:        trip.DriverID,
			DriverName:      strings.TrimSpace(in.DriverName),
			VehicleID:       trip.VehicleID,
			TripID:          trip.ID,
			Status:          in.Status,
			Source:          models.SourceTrip,
			Timestamp:       now,
			Day:             DayKey(now, r.loc),
			Location:        loc,
			PhotoRef:        optString(in.PhotoRef),
			Notes:           optString(in.Notes),
		}
		id, err := tx.AddAttendance(ctx, &rec)
		if err != nil {
			return err
		}

		patch := counterPatch(counterDelta("", in.Status))
		patch["attendance_record_ids"] = store.Append(id)
		if trip.Status == models.TripStarted {
			patch["status"] = models.TripInProgress
		}
		return tx.UpdateTripSession(ctx, trip.ID, patch)
	})
	if err != nil {
		return models.AttendanceRecord{}, classify(attendanceConflict(err), "trip session", in.TripID)
	}

	r.metrics.AttendanceRecorded(models.SourceTrip, rec.Status)
	logrus.WithFields(logrus.Fields{
		"record_id": rec.ID,
		"trip_id":   rec.TripID,
		"worker_id": rec.WorkerID,
		"status":    rec.Status,
	}).Info("Attendance recorded")
	return rec, nil
}

// MarkAttendance upserts the driver-direct record for (worker, driver, day of
// check-in). The second call on a day overwrites status and evidence in place.
// created reports whether a new record was inserted.
func (r *AttendanceRecorder) MarkAttendance(ctx context.Context, in DirectAttendanceInput) (rec models.AttendanceRecord, created bool, err error) {
	if strings.TrimSpace(in.WorkerID) == "" || strings.TrimSpace(in.DriverID) == "" {
		return rec, false, invalid(CodeInvalidInput, "Worker and driver are required.")
	}
	loc, err := optPoint(in.Location)
	if err != nil {
		return rec, false, err
	}
	ts := in.CheckInTime
	if ts.IsZero() {
		ts = r.clock.Now()
	}
	status := models.AttendanceAbsent
	if in.Present {
		status = models.AttendancePresent
	}
	day := DayKey(ts, r.loc)

	upsert := func(tx store.Tx) error {
		created = false
		same, err := tx.QueryAttendance(ctx, store.AttendanceFilter{WorkerID: in.WorkerID, DriverID: in.DriverID, Day: day})
		if err != nil {
			return err
		}
		for _, existing := range same {
			if existing.Source != models.SourceDirect {
				continue
			}
			patch := store.Patch{
				"status":     status,
				"timestamp":  ts,
				"vehicle_id": optString(in.VehicleID),
				"photo_ref":  optString(in.PhotoRef),
				"location":   loc,
				"notes":      optString(in.Notes),
			}
			if name := strings.TrimSpace(in.WorkerName); name != "" {
				patch["worker_name"] = name
			}
			if name := strings.TrimSpace(in.DriverName); name != "" {
				patch["driver_name"] = name
			}
			if err := tx.UpdateAttendance(ctx, existing.ID, patch); err != nil {
				return err
			}
			rec, err = tx.GetAttendance(ctx, existing.ID)
			return err
		}

		rec = models.AttendanceRecord{
			WorkerID:   in.WorkerID,
			WorkerName: strings.TrimSpace(in.WorkerName),
			DriverID:   in.DriverID,
			DriverName: strings.TrimSpace(in.DriverName),
			VehicleID:  optString(in.VehicleID),
			Status:     status,
			Source:     models.SourceDirect,
			Timestamp:  ts,
			Day:        day,
			Location:   loc,
			PhotoRef:   optString(in.PhotoRef),
			Notes:      optString(in.Notes),
		}
		if w, err := tx.GetWorker(ctx, in.WorkerID); err == nil {
			rec.WorkerName = firstNonEmpty(rec.WorkerName, w.Name)
			rec.FeederPointID = w.FeederPointID
			if fp, err := tx.GetFeederPoint(ctx, w.FeederPointID); err == nil {
				rec.FeederPointName = fp.Name
			}
		}
		created = true
		_, err = tx.AddAttendance(ctx, &rec)
		return err
	}
	err = r.store.RunInTx(ctx, upsert)
	if isConflict(err, store.ConstraintDirectAttendance) {
		// a concurrent call inserted the day's record first; update it instead
		err = r.store.RunInTx(ctx, upsert)
	}
	if err != nil {
		return models.AttendanceRecord{}, false, classify(attendanceConflict(err), "attendance record", "")
	}

	r.metrics.AttendanceRecorded(models.SourceDirect, rec.Status)
	logrus.WithFields(logrus.Fields{
		"record_id": rec.ID,
		"worker_id": rec.WorkerID,
		"driver_id": rec.DriverID,
		"status":    rec.Status,
		"created":   created,
	}).Info("Direct attendance marked")
	return rec, created, nil
}

// BulkSetStatus applies status to every record in one batch. An unknown id
// fails the whole call before anything is written. Owning trip counters are
// adjusted in the same batch. It returns the number of records that changed.
func (r *AttendanceRecorder) BulkSetStatus(ctx context.Context, ids []string, status models.AttendanceStatus) (int, error) {
	if !status.Valid() {
		return 0, invalid(CodeInvalidStatus, "Status must be present or absent.")
	}
	ids = uniqueNonEmpty(ids)
	if len(ids) == 0 {
		return 0, invalid(CodeInvalidInput, "At least one record id is required.")
	}

	changed := 0
	missing := ""
	err := r.store.RunInTx(ctx, func(tx store.Tx) error {
		changed = 0
		var writes []store.Write
		type delta struct{ present, absent int }
		trips := map[string]*delta{}
		var tripOrder []string

		for _, id := range ids {
			rec, err := tx.GetAttendance(ctx, id)
			if err != nil {
				missing = id
				return err
			}
			if rec.Status == status {
				continue
			}
			changed++
			writes = append(writes, store.Write{
				Collection: store.WorkerAttendance,
				ID:         id,
				Patch:      store.Patch{"status": status},
			})
			if rec.TripID == "" {
				continue
			}
			d, ok := trips[rec.TripID]
			if !ok {
				d = &delta{}
				trips[rec.TripID] = d
				tripOrder = append(tripOrder, rec.TripID)
			}
			p, a := counterDelta(rec.Status, status)
			d.present += p
			d.absent += a
		}
		for _, tripID := range tripOrder {
			d := trips[tripID]
			if patch := counterPatch(d.present, d.absent); len(patch) > 0 {
				writes = append(writes, store.Write{Collection: store.TripSessions, ID: tripID, Patch: patch})
			}
		}
		if len(writes) == 0 {
			return nil
		}
		return tx.BatchWrite(ctx, writes)
	})
	if err != nil {
		return 0, classify(err, "attendance record", missing)
	}
	logrus.WithFields(logrus.Fields{
		"requested": len(ids),
		"changed":   changed,
		"status":    status,
	}).Info("Bulk attendance status applied")
	return changed, nil
}

// UpdateRecord applies an HR correction, keeping the owning trip's counters
// consistent when the status changes.
func (r *AttendanceRecorder) UpdateRecord(ctx context.Context, id string, p RecordPatch) (models.AttendanceRecord, error) {
	if p.Status == nil && p.Notes == nil && p.Timestamp == nil {
		return models.AttendanceRecord{}, invalid(CodeEmptyPatch, "Nothing to update.")
	}
	if p.Status != nil && !p.Status.Valid() {
		return models.AttendanceRecord{}, invalid(CodeInvalidStatus, "Status must be present or absent.")
	}
	if p.Timestamp != nil && p.Timestamp.IsZero() {
		return models.AttendanceRecord{}, invalid(CodeInvalidInput, "Timestamp must be set.")
	}

	var rec models.AttendanceRecord
	err := r.store.RunInTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetAttendance(ctx, id)
		if err != nil {
			return err
		}
		patch := store.Patch{}
		if p.Notes != nil {
			patch["notes"] = strings.TrimSpace(*p.Notes)
		}
		if p.Timestamp != nil {
			day := DayKey(*p.Timestamp, r.loc)
			if current.Source == models.SourceDirect && day != current.Day {
				same, err := tx.QueryAttendance(ctx, store.AttendanceFilter{WorkerID: current.WorkerID, DriverID: current.DriverID, Day: day})
				if err != nil {
					return err
				}
				for _, other := range same {
					if other.ID != current.ID && other.Source == models.SourceDirect {
						return invalid(CodeDuplicateDay, "%s already has a check-in on %s. Correct that record instead.", nameOr(current.WorkerName, current.WorkerID), day)
					}
				}
			}
			patch["timestamp"] = *p.Timestamp
			patch["day"] = day
		}
		if p.Status != nil && *p.Status != current.Status {
			patch["status"] = *p.Status
			if current.TripID != "" {
				if tp := counterPatch(counterDelta(current.Status, *p.Status)); len(tp) > 0 {
					if err := tx.UpdateTripSession(ctx, current.TripID, tp); err != nil {
						return err
					}
				}
			}
		}
		if len(patch) == 0 {
			rec = current
			return nil
		}
		if err := tx.UpdateAttendance(ctx, id, patch); err != nil {
			return err
		}
		rec, err = tx.GetAttendance(ctx, id)
		return err
	})
	if err != nil {
		return models.AttendanceRecord{}, classify(attendanceConflict(err), "attendance record", id)
	}
	logrus.WithFields(logrus.Fields{"record_id": id, "status": rec.Status}).Info("Attendance record corrected")
	return rec, nil
}

// TripRoster lists the workers assigned to the trip's feeder point with their
// status on this trip. Workers recorded on the trip but not assigned are appended.
func (r *AttendanceRecorder) TripRoster(ctx context.Context, tripID string) ([]RosterEntry, error) {
	trip, err := r.store.GetTripSession(ctx, tripID)
	if err != nil {
		return nil, classify(err, "trip session", tripID)
	}
	var workers []models.Worker
	fp, err := r.store.GetFeederPoint(ctx, trip.FeederPointID)
	switch {
	case err == nil && len(fp.AssignedWorkerIDs) > 0:
		workers, err = r.store.ListWorkers(ctx, store.WorkerFilter{IDs: fp.AssignedWorkerIDs})
	case err == nil || errors.Is(err, store.ErrNotFound):
		workers, err = r.store.ListWorkers(ctx, store.WorkerFilter{FeederPointID: trip.FeederPointID})
	}
	if err != nil {
		return nil, classify(err, "worker", "")
	}
	records, err := r.store.QueryAttendance(ctx, store.AttendanceFilter{TripID: trip.ID})
	if err != nil {
		return nil, classify(err, "attendance record", "")
	}

	byWorker := make(map[string]models.AttendanceRecord, len(records))
	for _, rec := range records {
		byWorker[rec.WorkerID] = rec
	}
	entry := func(id, name, role string) RosterEntry {
		e := RosterEntry{WorkerID: id, WorkerName: name, Role: role, Status: RosterPending}
		if rec, ok := byWorker[id]; ok {
			ts := rec.Timestamp
			e.Status = string(rec.Status)
			e.RecordID = rec.ID
			e.RecordedAt = &ts
			if e.WorkerName == "" {
				e.WorkerName = rec.WorkerName
			}
			delete(byWorker, id)
		}
		return e
	}

	out := make([]RosterEntry, 0, len(workers)+len(byWorker))
	for _, w := range workers {
		out = append(out, entry(w.ID, w.Name, w.Role))
	}
	extra := make([]string, 0, len(byWorker))
	for id := range byWorker {
		extra = append(extra, id)
	}
	sort.Strings(extra)
	for _, id := range extra {
		out = append(out, entry(id, "", ""))
	}
	return out, nil
}

func (r *AttendanceRecorder) List(ctx context.Context, f store.AttendanceFilter) ([]models.AttendanceRecord, error) {
	recs, err := r.store.QueryAttendance(ctx, f)
	if err != nil {
		return nil, classify(err, "attendance record", "")
	}
	return recs, nil
}

// WorkerHistory returns a worker's records in [from, to), newest first.
func (r *AttendanceRecorder) WorkerHistory(ctx context.Context, workerID string, from, to time.Time) ([]models.AttendanceRecord, error) {
	return r.List(ctx, store.AttendanceFilter{WorkerID: workerID, From: from, To: to})
}

// Subscribe delivers committed attendance changes accepted by filter (nil for all).
func (r *AttendanceRecorder) Subscribe(filter func(models.AttendanceRecord) bool, cb func(models.AttendanceRecord)) (unsubscribe func()) {
	return r.store.Subscribe(store.WorkerAttendance, func(c hub.Change) bool {
		rec, ok := c.Doc.(models.AttendanceRecord)
		return ok && (filter == nil || filter(rec))
	}, func(c hub.Change) {
		cb(c.Doc.(models.AttendanceRecord))
	})
}

func isConflict(err error, constraint string) bool {
	var ce *store.ConflictError
	return errors.As(err, &ce) && ce.Constraint == constraint
}

// attendanceConflict maps a unique-index violation on worker_attendance to the
// validation error the read-side checks would have returned.
func attendanceConflict(err error) error {
	switch {
	case isConflict(err, store.ConstraintTripAttendance):
		return invalid(CodeAlreadyRecorded, "Attendance for this worker has already been recorded on this trip.")
	case isConflict(err, store.ConstraintDirectAttendance):
		return invalid(CodeDuplicateDay, "This worker already has a check-in with this driver on that day.")
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func uniqueNonEmpty(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
