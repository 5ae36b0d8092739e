package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wasteops/internal/models"
)

type Collector struct {
	reg *prometheus.Registry

	TripsStarted   prometheus.Counter
	TripsCompleted prometheus.Counter
	TripsCancelled prometheus.Counter
	StartRejects   *prometheus.CounterVec // code label
	TripDuration   prometheus.Histogram

	Attendance      *prometheus.CounterVec // source, status
	ProximityChecks *prometheus.CounterVec // within: true|false

	EventsPublished   prometheus.Counter
	EventsPublishErrs prometheus.Counter
	EventsConnected   prometheus.Gauge
	PublishDuration   prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		TripsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasteops_trips_started_total",
			Help: "Total trips started.",
		}),
		TripsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasteops_trips_completed_total",
			Help: "Total trips completed.",
		}),
		TripsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasteops_trips_cancelled_total",
			Help: "Total trips cancelled.",
		}),
		StartRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasteops_trip_start_rejections_total",
			Help: "Trip start requests rejected, by reason code.",
		}, []string{"code"}),
		TripDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wasteops_trip_duration_seconds",
			Help:    "Duration of completed trips.",
			Buckets: prometheus.ExponentialBuckets(60, 2, 10),
		}),
		Attendance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasteops_attendance_recorded_total",
			Help: "Attendance records written, by source and status.",
		}, []string{"source", "status"}),
		ProximityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasteops_proximity_checks_total",
			Help: "Proximity checks, by result.",
		}, []string{"within"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasteops_nats_published_total",
			Help: "Total change events published to NATS.",
		}),
		EventsPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasteops_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		EventsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wasteops_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wasteops_publish_duration_seconds",
			Help:    "Duration to marshal and publish a change event.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.TripsStarted, c.TripsCompleted, c.TripsCancelled, c.StartRejects, c.TripDuration,
		c.Attendance, c.ProximityChecks,
		c.EventsPublished, c.EventsPublishErrs, c.EventsConnected, c.PublishDuration,
	)
	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Registry exposes the private registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) TripStarted()   { c.TripsStarted.Inc() }
func (c *Collector) TripCancelled() { c.TripsCancelled.Inc() }

func (c *Collector) TripEnded(d time.Duration) {
	c.TripsCompleted.Inc()
	c.TripDuration.Observe(d.Seconds())
}

func (c *Collector) StartRejected(code string) { c.StartRejects.WithLabelValues(code).Inc() }

func (c *Collector) AttendanceRecorded(source string, status models.AttendanceStatus) {
	c.Attendance.WithLabelValues(source, string(status)).Inc()
}

func (c *Collector) ProximityChecked(within bool) {
	c.ProximityChecks.WithLabelValues(strconv.FormatBool(within)).Inc()
}

// Publisher hooks.

func (c *Collector) NATSPublishedInc()              { c.EventsPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.EventsPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.EventsConnected.Set(1)
		return
	}
	c.EventsConnected.Set(0)
}
