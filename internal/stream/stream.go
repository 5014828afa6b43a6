// Package stream holds the in-flight delivery channels that carry each job's
// single terminal outcome to the client connection claiming it.
//
// A channel is created when a job is accepted and may be reached by the
// executor (Publish) and the client connection (Attach) in either order. At
// most one outcome is buffered and at most one connection is attached.
// Channels nobody attaches to are purged after a TTL.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/genhub/internal/model"
)

var (
	// ErrStreamNotFound is returned for unknown, delivered or expired handles.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrDuplicateConnection is returned when a connection is already attached.
	ErrDuplicateConnection = errors.New("stream already has a connection")

	// ErrAlreadyPublished is returned on a second publish for the same handle.
	ErrAlreadyPublished = errors.New("stream outcome already published")
)

// State is the delivery state of a stream channel.
type State int

const (
	StateCreated State = iota
	StateResultBuffered
	StateConnectionOpen
	StateDelivering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateResultBuffered:
		return "result_buffered"
	case StateConnectionOpen:
		return "connection_open"
	case StateDelivering:
		return "delivering"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type channel struct {
	state     State
	feed      chan model.Outcome
	createdAt time.Time
}

// Registry is a keyed store of stream channels. All transitions for a handle
// happen under one lock so publish and attach never race. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*channel
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewRegistry creates a registry whose unclaimed channels expire after ttl.
func NewRegistry(ttl time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		streams: make(map[string]*channel),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With("component", "stream"),
	}
}

// Create mints a new handle in the Created state.
func (r *Registry) Create() string {
	id := model.NewID()

	r.mu.Lock()
	r.streams[id] = &channel{
		state:     StateCreated,
		feed:      make(chan model.Outcome, 1),
		createdAt: r.now(),
	}
	r.mu.Unlock()

	streamsOpen.Inc()
	return id
}

// Publish hands the terminal outcome to the channel. Before a connection is
// attached the outcome is buffered; afterwards it is delivered to the feed.
// Publishing to an unknown handle is a logged no-op.
func (r *Registry) Publish(id string, outcome model.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.streams[id]
	if !ok {
		r.logger.Warn("discarding outcome for unknown stream", "stream_id", id)
		return ErrStreamNotFound
	}

	switch ch.state {
	case StateCreated:
		ch.state = StateResultBuffered
	case StateConnectionOpen:
		ch.state = StateDelivering
	default:
		r.logger.Error("rejecting second outcome for stream", "stream_id", id, "state", ch.state.String())
		return ErrAlreadyPublished
	}

	outcome.StreamID = id
	ch.feed <- outcome
	return nil
}

// Attach claims the channel for a connection and returns the feed on which
// the single outcome arrives, immediately if it is already buffered.
func (r *Registry) Attach(id string) (<-chan model.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.streams[id]
	if !ok {
		return nil, ErrStreamNotFound
	}

	switch ch.state {
	case StateCreated:
		ch.state = StateConnectionOpen
	case StateResultBuffered:
		ch.state = StateDelivering
	default:
		return nil, ErrDuplicateConnection
	}
	return ch.feed, nil
}

// Close removes the channel. The handle is invalid afterwards: later attaches
// get ErrStreamNotFound and later publishes are dropped.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.streams[id]
	if !ok {
		return
	}
	reason := "abandoned"
	if ch.state == StateDelivering {
		reason = "delivered"
	}
	r.remove(id, reason)
}

// State returns the current state of a handle; removed handles report StateClosed.
func (r *Registry) State(id string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.streams[id]
	if !ok {
		return StateClosed
	}
	return ch.state
}

// Len returns the number of live channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// Sweep purges channels that no connection attached to within the TTL,
// whether or not their outcome has arrived, and returns how many it removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	purged := 0
	for id, ch := range r.streams {
		if ch.state != StateCreated && ch.state != StateResultBuffered {
			continue
		}
		if now.Sub(ch.createdAt) < r.ttl {
			continue
		}
		r.logger.Info("stream expired", "stream_id", id, "state", ch.state.String())
		r.remove(id, "expired")
		purged++
	}
	return purged
}

// Run sweeps expired channels every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// remove must be called with r.mu held.
func (r *Registry) remove(id, reason string) {
	delete(r.streams, id)
	streamsOpen.Dec()
	streamsClosed.WithLabelValues(reason).Inc()
}
