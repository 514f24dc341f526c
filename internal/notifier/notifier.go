// Package notifier forwards sync status events to the live connection of
// their owner. Delivery is best effort: events for owners without a
// connection, or with a full buffer, are dropped.
package notifier

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/chansync/internal/model"
	"github.com/t77yq/chansync/internal/monitor"
)

const (
	DefaultBufferSize  = 64
	DefaultSendTimeout = 5 * time.Second
)

// Drop reasons reported to metrics
const (
	DropNoSession  = "no_session"
	DropBufferFull = "buffer_full"
	DropSendFailed = "send_failed"
)

// Conn is a live client connection. Implementations must be comparable
// (typically a pointer type).
type Conn interface {
	Send(ctx context.Context, event *model.StatusEvent) error
}

// Publisher accepts status events for an owner
type Publisher interface {
	Publish(ownerID string, event *model.StatusEvent)
}

type session struct {
	owner  string
	conn   Conn
	events chan *model.StatusEvent
}

// Notifier maps each owner to at most one live session
type Notifier struct {
	logger      *zap.Logger
	metrics     *monitor.Metrics
	bufferSize  int
	sendTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

var _ Publisher = (*Notifier)(nil)

// Option configures a Notifier
type Option func(*Notifier)

// WithBufferSize sets the per-session event buffer
func WithBufferSize(n int) Option {
	return func(no *Notifier) {
		if n > 0 {
			no.bufferSize = n
		}
	}
}

// WithSendTimeout bounds each Conn.Send call
func WithSendTimeout(d time.Duration) Option {
	return func(no *Notifier) {
		if d > 0 {
			no.sendTimeout = d
		}
	}
}

// WithMetrics counts dropped events
func WithMetrics(m *monitor.Metrics) Option {
	return func(no *Notifier) { no.metrics = m }
}

// New creates a notifier
func New(logger *zap.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		logger:      logger.Named("notifier"),
		bufferSize:  DefaultBufferSize,
		sendTimeout: DefaultSendTimeout,
		sessions:    make(map[string]*session),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Register makes conn the live connection of ownerID, replacing any earlier one
func (n *Notifier) Register(ownerID string, conn Conn) {
	s := &session{
		owner:  ownerID,
		conn:   conn,
		events: make(chan *model.StatusEvent, n.bufferSize),
	}

	n.mu.Lock()
	if old, ok := n.sessions[ownerID]; ok {
		close(old.events)
		n.logger.Debug("Replacing session", zap.String("owner_id", ownerID))
	}
	n.sessions[ownerID] = s
	n.wg.Add(1)
	n.mu.Unlock()

	go n.pump(s)
}

// Unregister removes conn if it is still the live connection of its owner.
// It reports whether a session was removed.
func (n *Notifier) Unregister(conn Conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for owner, s := range n.sessions {
		if s.conn == conn {
			delete(n.sessions, owner)
			close(s.events)
			return true
		}
	}
	return false
}

// Publish queues event for the live connection of ownerID. It never blocks.
func (n *Notifier) Publish(ownerID string, event *model.StatusEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, ok := n.sessions[ownerID]
	if !ok {
		n.metrics.RecordDrop(DropNoSession)
		return
	}

	select {
	case s.events <- event:
	default:
		n.metrics.RecordDrop(DropBufferFull)
		n.logger.Warn("Session buffer full, dropping event",
			zap.String("owner_id", ownerID),
			zap.String("job_id", event.JobID))
	}
}

// Connected reports whether ownerID has a live session
func (n *Notifier) Connected(ownerID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.sessions[ownerID]
	return ok
}

// Close ends every session and waits for pending sends to finish
func (n *Notifier) Close() {
	n.mu.Lock()
	for owner, s := range n.sessions {
		delete(n.sessions, owner)
		close(s.events)
	}
	n.mu.Unlock()

	n.wg.Wait()
}

func (n *Notifier) pump(s *session) {
	defer n.wg.Done()

	for event := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), n.sendTimeout)
		err := s.conn.Send(ctx, event)
		cancel()
		if err != nil {
			n.metrics.RecordDrop(DropSendFailed)
			n.logger.Debug("Failed to send event",
				zap.String("owner_id", s.owner),
				zap.String("job_id", event.JobID),
				zap.Error(err))
		}
	}
}
