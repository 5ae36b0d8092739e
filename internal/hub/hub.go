// Package hub fans store change events out to subscribers: dashboards over
// websocket, the NATS forwarder and in-process observers.
package hub

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Op string

const (
	OpAdded    Op = "added"
	OpModified Op = "modified"
)

// Change describes one committed write. Doc holds the document after the write.
type Change struct {
	Collection string      `json:"collection"`
	Op         Op          `json:"op"`
	ID         string      `json:"id"`
	Doc        interface{} `json:"doc"`
	At         time.Time   `json:"at"`
}

// Filter selects the changes a subscriber wants. A nil Filter accepts everything.
type Filter func(Change) bool

// Callback receives changes on the subscription's own goroutine.
type Callback func(Change)

type subscriber struct {
	collection string
	filter     Filter
	ch         chan Change
	once       sync.Once
}

func (s *subscriber) wants(c Change) bool {
	if s.collection != "" && s.collection != c.Collection {
		return false
	}
	return s.filter == nil || s.filter(c)
}

// Hub owns the subscriber set and a single dispatch goroutine.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64

	closeMu   sync.RWMutex
	closed    bool
	broadcast chan Change
	done      chan struct{}
}

// New creates a Hub and starts its dispatch loop.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	h := &Hub{
		subs:      make(map[uint64]*subscriber),
		broadcast: make(chan Change, buffer),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.done)
	for c := range h.broadcast {
		h.mu.Lock()
		for id, sub := range h.subs {
			if !sub.wants(c) {
				continue
			}
			select {
			case sub.ch <- c:
			default:
				logrus.WithFields(logrus.Fields{
					"subscription": id,
					"collection":   c.Collection,
					"doc_id":       c.ID,
				}).Warn("Subscriber queue full, dropping change.")
			}
		}
		h.mu.Unlock()
	}
}

// Publish queues changes for delivery. It never blocks; when the queue is
// full the change is dropped and logged.
func (h *Hub) Publish(changes ...Change) {
	h.closeMu.RLock()
	defer h.closeMu.RUnlock()
	if h.closed {
		return
	}
	for _, c := range changes {
		if c.At.IsZero() {
			c.At = time.Now().UTC()
		}
		select {
		case h.broadcast <- c:
		default:
			logrus.WithFields(logrus.Fields{
				"collection": c.Collection,
				"doc_id":     c.ID,
			}).Warn("Change broadcast channel full, dropping change.")
		}
	}
}

// Subscribe registers cb for changes on collection ("" for all collections)
// that pass filter. The returned function cancels the subscription; it is safe
// to call more than once.
func (h *Hub) Subscribe(collection string, filter Filter, cb Callback) (unsubscribe func()) {
	sub := &subscriber{
		collection: collection,
		filter:     filter,
		ch:         make(chan Change, 64),
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	go func() {
		for c := range sub.ch {
			cb(c)
		}
	}()

	logrus.WithFields(logrus.Fields{"subscription": id, "collection": collection}).Debug("Subscriber registered.")

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
		logrus.WithField("subscription", id).Debug("Subscriber unregistered.")
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close stops dispatching and ends every subscription.
func (h *Hub) Close() {
	h.closeMu.Lock()
	if h.closed {
		h.closeMu.Unlock()
		return
	}
	h.closed = true
	close(h.broadcast)
	h.closeMu.Unlock()

	<-h.done

	h.mu.Lock()
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
	h.mu.Unlock()
}
