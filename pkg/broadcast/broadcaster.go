// Package broadcast fans mutation events out to live subscribers of a table.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/models"
)

// DefaultQueueSize is used when Options.QueueSize is not positive.
const DefaultQueueSize = 64

// EventRowUpdated is published after an edit, row update or undo commits.
const EventRowUpdated = "row_updated"

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broadcaster closed")

// Event is a committed mutation notification.
type Event struct {
	Type   string    `json:"type"`
	Table  string    `json:"table"`
	RowPK  string    `json:"row_pk"`
	Column string    `json:"column,omitempty"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

// Subscriber receives events for one table through a bounded queue.
type Subscriber struct {
	ID    uuid.UUID
	table string
	queue chan Event

	closeOnce sync.Once
	mu        sync.Mutex
	dropped   bool
}

// Events yields queued events. The channel is closed when the subscriber is
// released, dropped for falling behind, or the broadcaster shuts down.
func (s *Subscriber) Events() <-chan Event {
	return s.queue
}

// Table returns the subscribed table.
func (s *Subscriber) Table() string {
	return s.table
}

// Dropped reports whether the subscriber was removed because its queue was full.
func (s *Subscriber) Dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) close(dropped bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.dropped = dropped
		s.mu.Unlock()
		close(s.queue)
	})
}

// Options configures a Broadcaster.
type Options struct {
	QueueSize  int
	Registerer prometheus.Registerer
}

// Broadcaster maps tables to subscriber sets.
//
// Publishes are serialized so every subscriber sees events in commit order.
// A subscriber whose queue is full is dropped rather than waited on.
type Broadcaster struct {
	queueSize int
	logger    *zap.Logger
	gauge     *prometheus.GaugeVec

	// publishMu serializes Publish and every close of a subscriber queue.
	publishMu sync.Mutex

	mu     sync.RWMutex
	tables map[string]map[*Subscriber]struct{}
	closed bool
}

// New creates a Broadcaster.
func New(opts Options, logger *zap.Logger) *Broadcaster {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	b := &Broadcaster{
		queueSize: opts.QueueSize,
		logger:    logger.Named("broadcast"),
		tables:    make(map[string]map[*Subscriber]struct{}),
		gauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "casegrid",
			Subsystem: "ws",
			Name:      "subscribers",
			Help:      "Live change-stream subscribers per table.",
		}, []string{"table"}),
	}
	if opts.Registerer != nil {
		if err := opts.Registerer.Register(b.gauge); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
					b.gauge = existing
				}
			}
		}
	}
	return b
}

// Subscribe registers a subscriber for table. The returned release func
// removes it and may be called any number of times.
func (b *Broadcaster) Subscribe(table string) (*Subscriber, func(), error) {
	table = models.NormalizeTableName(table)
	sub := &Subscriber{
		ID:    uuid.New(),
		table: table,
		queue: make(chan Event, b.queueSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	set, ok := b.tables[table]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.tables[table] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	b.gauge.WithLabelValues(table).Inc()

	b.logger.Debug("Subscriber added", zap.String("table", table), zap.String("subscriber_id", sub.ID.String()))

	release := func() {
		b.publishMu.Lock()
		defer b.publishMu.Unlock()
		if b.removeLocked(sub) {
			sub.close(false)
		}
	}
	return sub, release, nil
}

// Publish enqueues ev for every current subscriber of ev.Table without
// blocking and returns the number of subscribers that received it.
func (b *Broadcaster) Publish(ev Event) int {
	ev.Table = models.NormalizeTableName(ev.Table)
	if ev.Type == "" {
		ev.Type = EventRowUpdated
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.RLock()
	set := b.tables[ev.Table]
	snapshot := make([]*Subscriber, 0, len(set))
	for sub := range set {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range snapshot {
		select {
		case sub.queue <- ev:
			delivered++
		default:
			if b.removeLocked(sub) {
				sub.close(true)
				b.logger.Warn("Dropped slow subscriber",
					zap.String("table", ev.Table),
					zap.String("subscriber_id", sub.ID.String()))
			}
		}
	}
	return delivered
}

// SubscriberCount returns the number of live subscribers for table.
func (b *Broadcaster) SubscriberCount(table string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tables[models.NormalizeTableName(table)])
}

// Close drops every subscriber. Later Subscribe calls fail with ErrClosed.
func (b *Broadcaster) Close() {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	tables := b.tables
	b.tables = make(map[string]map[*Subscriber]struct{})
	b.closed = true
	b.mu.Unlock()

	n := 0
	for table, set := range tables {
		for sub := range set {
			sub.close(false)
			n++
		}
		b.gauge.WithLabelValues(table).Set(0)
	}
	b.logger.Info("Broadcaster closed", zap.Int("subscribers_dropped", n))
}

// removeLocked deletes sub from its set. The caller holds publishMu.
func (b *Broadcaster) removeLocked(sub *Subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.tables[sub.table]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.tables, sub.table)
	}
	b.gauge.WithLabelValues(sub.table).Dec()
	return true
}
