package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"wasteops/internal/models"
	"wasteops/internal/store"
)

// Everything here is recomputed from the records passed in; nothing is cached
// between calls.

type Summary struct {
	Total   int     `json:"total"`
	Present int     `json:"present"`
	Absent  int     `json:"absent"`
	Rate    float64 `json:"rate"` // present/total, 0 when total is 0
}

func (s *Summary) add(status models.AttendanceStatus) {
	s.Total++
	switch status {
	case models.AttendancePresent:
		s.Present++
	case models.AttendanceAbsent:
		s.Absent++
	}
}

func (s *Summary) finish() {
	s.Rate = rate(s.Present, s.Total)
}

func rate(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

func Summarize(recs []models.AttendanceRecord) Summary {
	var s Summary
	for _, r := range recs {
		s.add(r.Status)
	}
	s.finish()
	return s
}

type WorkerRate struct {
	WorkerID   string `json:"worker_id"`
	WorkerName string `json:"worker_name"`
	Summary
}

// WorkerRates groups by worker in order of first appearance.
func WorkerRates(recs []models.AttendanceRecord) []WorkerRate {
	index := map[string]int{}
	var out []WorkerRate
	for _, r := range recs {
		i, ok := index[r.WorkerID]
		if !ok {
			i = len(out)
			index[r.WorkerID] = i
			out = append(out, WorkerRate{WorkerID: r.WorkerID, WorkerName: r.WorkerName})
		}
		if out[i].WorkerName == "" {
			out[i].WorkerName = r.WorkerName
		}
		out[i].add(r.Status)
	}
	for i := range out {
		out[i].finish()
	}
	return out
}

// TopPerformers returns up to n workers with the highest rate. Ties keep input order.
func TopPerformers(rates []WorkerRate, n int) []WorkerRate {
	return rankWorkers(rates, n, func(a, b WorkerRate) bool { return a.Rate > b.Rate })
}

// BottomPerformers returns up to n workers with the lowest rate. Ties keep input order.
func BottomPerformers(rates []WorkerRate, n int) []WorkerRate {
	return rankWorkers(rates, n, func(a, b WorkerRate) bool { return a.Rate < b.Rate })
}

func rankWorkers(rates []WorkerRate, n int, less func(a, b WorkerRate) bool) []WorkerRate {
	sorted := append([]WorkerRate(nil), rates...)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	if n >= 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

type DayStat struct {
	Day string `json:"day"`
	Summary
}

func recordDay(r models.AttendanceRecord, loc *time.Location) string {
	if r.Day != "" {
		return r.Day
	}
	return DayKey(r.Timestamp, loc)
}

// DailySeries groups records by calendar day, oldest day first.
func DailySeries(recs []models.AttendanceRecord, loc *time.Location) []DayStat {
	byDay := map[string]*DayStat{}
	for _, r := range recs {
		day := recordDay(r, loc)
		d, ok := byDay[day]
		if !ok {
			d = &DayStat{Day: day}
			byDay[day] = d
		}
		d.add(r.Status)
	}
	out := make([]DayStat, 0, len(byDay))
	for _, d := range byDay {
		d.finish()
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out
}

// PeakDays returns up to n days with the highest rate.
func PeakDays(series []DayStat, n int) []DayStat {
	return rankDays(series, n, func(a, b DayStat) bool { return a.Rate > b.Rate })
}

// LowDays returns up to n days with the lowest rate.
func LowDays(series []DayStat, n int) []DayStat {
	return rankDays(series, n, func(a, b DayStat) bool { return a.Rate < b.Rate })
}

func rankDays(series []DayStat, n int, less func(a, b DayStat) bool) []DayStat {
	sorted := append([]DayStat(nil), series...)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	if n >= 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

type CheckInStats struct {
	Present        int     `json:"present"`
	AverageCheckIn string  `json:"average_check_in"` // HH:MM, "" without present records
	Late           int     `json:"late"`
	LateRate       float64 `json:"late_rate"`
}

// CheckInStatistics averages the minute of day of present records in loc.
// A check-in strictly after cutoffMinutes counts as late.
func CheckInStatistics(recs []models.AttendanceRecord, loc *time.Location, cutoffMinutes int) CheckInStats {
	var st CheckInStats
	sum := 0
	for _, r := range recs {
		if r.Status != models.AttendancePresent {
			continue
		}
		t := r.Timestamp.In(loc)
		m := t.Hour()*60 + t.Minute()
		sum += m
		st.Present++
		if m > cutoffMinutes {
			st.Late++
		}
	}
	if st.Present == 0 {
		return st
	}
	avg := int(math.Round(float64(sum) / float64(st.Present)))
	st.AverageCheckIn = fmt.Sprintf("%02d:%02d", avg/60, avg%60)
	st.LateRate = rate(st.Late, st.Present)
	return st
}

// Grouping selects the bucket width of a trend.
type Grouping string

const (
	GroupDay   Grouping = "day"
	GroupWeek  Grouping = "week"
	GroupMonth Grouping = "month"
)

func ParseGrouping(s string) (Grouping, error) {
	switch g := Grouping(s); g {
	case GroupDay, GroupWeek, GroupMonth:
		return g, nil
	case "":
		return GroupDay, nil
	}
	return "", invalid(CodeInvalidInput, "Unknown grouping %q, expected day, week or month.", s)
}

type Bucket struct {
	Key   string    `json:"key"`
	Label string    `json:"label,omitempty"`
	Start time.Time `json:"start,omitempty"`
	Summary
}

// bucketStart truncates t (in loc) to the start of its day, ISO week or month.
func bucketStart(t time.Time, g Grouping, loc *time.Location) (time.Time, string) {
	t = t.In(loc)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	switch g {
	case GroupWeek:
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		start := day.AddDate(0, 0, -offset)
		y, w := start.ISOWeek()
		return start, fmt.Sprintf("%d-W%02d", y, w)
	case GroupMonth:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
		return start, start.Format("2006-01")
	}
	return day, day.Format(dayLayout)
}

// Trend buckets records by g, oldest bucket first.
func Trend(recs []models.AttendanceRecord, g Grouping, loc *time.Location) []Bucket {
	byKey := map[string]*Bucket{}
	for _, r := range recs {
		start, key := bucketStart(r.Timestamp, g, loc)
		b, ok := byKey[key]
		if !ok {
			b = &Bucket{Key: key, Start: start}
			byKey[key] = b
		}
		b.add(r.Status)
	}
	out := make([]Bucket, 0, len(byKey))
	for _, b := range byKey {
		b.finish()
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Dimension selects what a breakdown groups by.
type Dimension string

const (
	ByFeederPoint Dimension = "feeder_point"
	ByDriver      Dimension = "driver"
	ByStatus      Dimension = "status"
)

func ParseDimension(s string) (Dimension, error) {
	switch d := Dimension(s); d {
	case ByFeederPoint, ByDriver, ByStatus:
		return d, nil
	}
	return "", invalid(CodeInvalidInput, "Unknown breakdown %q, expected feeder_point, driver or status.", s)
}

func dimensionKey(r models.AttendanceRecord, d Dimension) (key, label string) {
	switch d {
	case ByFeederPoint:
		return r.FeederPointID, r.FeederPointName
	case ByDriver:
		return r.DriverID, r.DriverName
	}
	return string(r.Status), ""
}

// Breakdown groups records by d, largest group first, then by key.
func Breakdown(recs []models.AttendanceRecord, d Dimension) []Bucket {
	byKey := map[string]*Bucket{}
	for _, r := range recs {
		key, label := dimensionKey(r, d)
		b, ok := byKey[key]
		if !ok {
			b = &Bucket{Key: key}
			byKey[key] = b
		}
		if b.Label == "" {
			b.Label = label
		}
		b.add(r.Status)
	}
	out := make([]Bucket, 0, len(byKey))
	for _, b := range byKey {
		b.finish()
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Key < out[j].Key
	})
	return out
}

type ReportQuery struct {
	From, To      time.Time // To is exclusive
	FeederPointID string
	DriverID      string
	WorkerID      string
	Grouping      Grouping
	TopN          int
}

type Report struct {
	From         time.Time    `json:"from"`
	To           time.Time    `json:"to"`
	Summary      Summary      `json:"summary"`
	Top          []WorkerRate `json:"top_performers"`
	Bottom       []WorkerRate `json:"bottom_performers"`
	Daily        []DayStat    `json:"daily"`
	PeakDays     []DayStat    `json:"peak_days"`
	LowDays      []DayStat    `json:"low_days"`
	CheckIns     CheckInStats `json:"check_ins"`
	Trend        []Bucket     `json:"trend"`
	FeederPoints []Bucket     `json:"by_feeder_point"`
}

// BuildReport is pure over recs.
func BuildReport(recs []models.AttendanceRecord, q ReportQuery, loc *time.Location, cutoffMinutes int) Report {
	n := q.TopN
	if n <= 0 {
		n = 5
	}
	g := q.Grouping
	if g == "" {
		g = GroupDay
	}
	rates := WorkerRates(recs)
	daily := DailySeries(recs, loc)
	return Report{
		From:         q.From,
		To:           q.To,
		Summary:      Summarize(recs),
		Top:          TopPerformers(rates, n),
		Bottom:       BottomPerformers(rates, n),
		Daily:        daily,
		PeakDays:     PeakDays(daily, n),
		LowDays:      LowDays(daily, n),
		CheckIns:     CheckInStatistics(recs, loc, cutoffMinutes),
		Trend:        Trend(recs, g, loc),
		FeederPoints: Breakdown(recs, ByFeederPoint),
	}
}

// Aggregator loads records for a range and computes the analytics over them.
type Aggregator struct {
	store  store.Reader
	clock  Clock
	loc    *time.Location
	cutoff int
}

func NewAggregator(d Deps) *Aggregator {
	d = d.withDefaults()
	return &Aggregator{store: d.Store, clock: d.Clock, loc: d.Options.Location, cutoff: d.Options.LateCutoffMinutes}
}

// Records loads the range. A zero range defaults to the last 30 days.
func (a *Aggregator) Records(ctx context.Context, q *ReportQuery) ([]models.AttendanceRecord, error) {
	if q.To.IsZero() {
		_, end, _ := DayRange(DayKey(a.clock.Now(), a.loc), a.loc)
		q.To = end
	}
	if q.From.IsZero() {
		q.From = q.To.AddDate(0, 0, -30)
	}
	if !q.From.Before(q.To) {
		return nil, invalid(CodeInvalidInput, "The start of the range must be before its end.")
	}
	recs, err := a.store.QueryAttendance(ctx, store.AttendanceFilter{
		WorkerID:      q.WorkerID,
		DriverID:      q.DriverID,
		FeederPointID: q.FeederPointID,
		From:          q.From,
		To:            q.To,
	})
	if err != nil {
		return nil, classify(err, "attendance record", "")
	}
	return recs, nil
}

func (a *Aggregator) Report(ctx context.Context, q ReportQuery) (Report, error) {
	recs, err := a.Records(ctx, &q)
	if err != nil {
		return Report{}, err
	}
	return BuildReport(recs, q, a.loc, a.cutoff), nil
}

func (a *Aggregator) Breakdown(ctx context.Context, q ReportQuery, d Dimension) ([]Bucket, error) {
	recs, err := a.Records(ctx, &q)
	if err != nil {
		return nil, err
	}
	return Breakdown(recs, d), nil
}
