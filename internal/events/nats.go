// Package events forwards committed store changes to NATS so downstream
// consumers (dashboards, reporting jobs) can follow trips and attendance.
package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"wasteops/internal/hub"
)

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// Subscriber is the subscribe half of the store.
type Subscriber interface {
	Subscribe(collection string, filter hub.Filter, cb hub.Callback) (unsubscribe func())
}

type conn interface {
	Publish(subject string, data []byte) error
}

type Publisher struct {
	nc      *nats.Conn
	conn    conn
	prefix  string
	metrics PublisherMetrics
	unsubs  []func()
}

func Connect(url, prefix string, m PublisherMetrics) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("wasteops"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logrus.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logrus.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logrus.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	p := newPublisher(nc, prefix, m)
	p.nc = nc
	return p, nil
}

func newPublisher(c conn, prefix string, m PublisherMetrics) *Publisher {
	if prefix == "" {
		prefix = "wasteops"
	}
	return &Publisher{conn: c, prefix: subjectToken(prefix), metrics: m}
}

// Forward publishes every committed change on the given collections until Close.
func (p *Publisher) Forward(src Subscriber, collections ...string) {
	for _, col := range collections {
		p.unsubs = append(p.unsubs, src.Subscribe(col, nil, func(c hub.Change) {
			if err := p.Publish(c); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"collection": c.Collection,
					"doc_id":     c.ID,
				}).Error("Failed to publish change event")
			}
		}))
	}
}

// Subject is <prefix>.<collection>.<op>.
func (p *Publisher) Subject(c hub.Change) string {
	return p.prefix + "." + subjectToken(c.Collection) + "." + subjectToken(string(c.Op))
}

func (p *Publisher) Publish(c hub.Change) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	start := time.Now()
	err = p.conn.Publish(p.Subject(c), b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func (p *Publisher) Close() {
	for _, u := range p.unsubs {
		u()
	}
	p.unsubs = nil
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS tokens cannot contain spaces, '>', '*' or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
