package memstore

import (
	"fmt"
	"reflect"
	"time"

	"github.com/lib/pq"

	"wasteops/internal/geo"
	"wasteops/internal/models"
	"wasteops/internal/store"
)

func unsupportedCollection(c string) error {
	return fmt.Errorf("memstore: batch writes to %q are not supported", c)
}

func applyTripPatch(t models.TripSession, p store.Patch, now time.Time) (models.TripSession, error) {
	if err := p.Validate(); err != nil {
		return t, err
	}
	var err error
	for _, k := range p.Keys() {
		v := p[k]
		switch k {
		case "status":
			var s string
			s, err = asString(k, v)
			t.Status = models.TripStatus(s)
		case "end_time":
			var ts time.Time
			ts, err = asTime(k, v)
			t.EndTime = &ts
		case "end_location":
			t.EndLocation, err = asPoint(k, v)
		case "start_location":
			t.StartLocation, err = asPoint(k, v)
		case "waste_weight_kg":
			t.WasteWeightKg, err = asFloat(k, v)
		case "notes":
			t.Notes, err = asString(k, v)
		case "photo_refs":
			t.PhotoRefs, err = asStrings(k, v, t.PhotoRefs)
		case "attendance_record_ids":
			t.AttendanceRecordIDs, err = asStrings(k, v, t.AttendanceRecordIDs)
		case "total_workers":
			t.TotalWorkers, err = asInt(k, v, t.TotalWorkers)
		case "present_workers":
			t.PresentWorkers, err = asInt(k, v, t.PresentWorkers)
		case "absent_workers":
			t.AbsentWorkers, err = asInt(k, v, t.AbsentWorkers)
		default:
			err = fmt.Errorf("memstore: unknown trip_sessions field %q", k)
		}
		if err != nil {
			return t, err
		}
	}
	t.UpdatedAt = now
	return t, nil
}

func applyAttendancePatch(r models.AttendanceRecord, p store.Patch, now time.Time) (models.AttendanceRecord, error) {
	if err := p.Validate(); err != nil {
		return r, err
	}
	var err error
	for _, k := range p.Keys() {
		v := p[k]
		switch k {
		case "status":
			var s string
			s, err = asString(k, v)
			r.Status = models.AttendanceStatus(s)
		case "timestamp":
			r.Timestamp, err = asTime(k, v)
		case "day":
			r.Day, err = asString(k, v)
		case "notes":
			r.Notes, err = asString(k, v)
		case "photo_ref":
			r.PhotoRef, err = asString(k, v)
		case "location":
			r.Location, err = asPoint(k, v)
		case "vehicle_id":
			r.VehicleID, err = asString(k, v)
		case "worker_name":
			r.WorkerName, err = asString(k, v)
		case "driver_name":
			r.DriverName, err = asString(k, v)
		case "feeder_point_id":
			r.FeederPointID, err = asString(k, v)
		case "feeder_point_name":
			r.FeederPointName, err = asString(k, v)
		case "trip_id":
			r.TripID, err = asString(k, v)
		case "source":
			r.Source, err = asString(k, v)
		default:
			err = fmt.Errorf("memstore: unknown worker_attendance field %q", k)
		}
		if err != nil {
			return r, err
		}
	}
	r.UpdatedAt = now
	return r, nil
}

func mismatch(field string, v interface{}) error {
	return fmt.Errorf("memstore: field %q: unexpected value type %T", field, v)
}

// asString accepts strings and string-kinded types such as models.TripStatus.
func asString(field string, v interface{}) (string, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.String {
		return "", mismatch(field, v)
	}
	return rv.String(), nil
}

func asTime(field string, v interface{}) (time.Time, error) {
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}, mismatch(field, v)
	}
	return t, nil
}

func asPoint(field string, v interface{}) (geo.Point, error) {
	p, ok := v.(geo.Point)
	if !ok {
		return geo.Point{}, mismatch(field, v)
	}
	return p, nil
}

func asFloat(field string, v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	}
	return 0, mismatch(field, v)
}

func asInt(field string, v interface{}, current int) (int, error) {
	switch n := v.(type) {
	case store.Inc:
		return current + int(n), nil
	case int:
		return n, nil
	}
	return 0, mismatch(field, v)
}

func asStrings(field string, v interface{}, current pq.StringArray) (pq.StringArray, error) {
	switch a := v.(type) {
	case store.Append:
		out := make(pq.StringArray, 0, len(current)+1)
		out = append(out, current...)
		return append(out, string(a)), nil
	case pq.StringArray:
		return copyStrings(a), nil
	case []string:
		return copyStrings(a), nil
	}
	return nil, mismatch(field, v)
}
