// Package broadcast relays chunked uploads to in-process consumers.
// A producer that performed the original fetch pushes chunks under a
// stream id; any number of consumers attach and receive the buffered
// prefix plus everything pushed afterwards. This decouples who fetches
// a resource from who serves it.
package broadcast

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// BufferCap bounds how much history is retained for late
	// attachers. Chunks past the cap still reach already-attached
	// consumers but are not buffered.
	BufferCap = 512 * 1024

	defaultDeleteDelay = 60 * time.Second
	defaultIdleTimeout = 2 * time.Minute

	consumerQueue = 256
)

var (
	// ErrTruncated means a consumer attached after the buffer cap was
	// exceeded; only the earliest buffered bytes are available.
	ErrTruncated = errors.New("stream buffer truncated before attach")

	// ErrOverflow means a consumer fell too far behind the live feed
	// and was dropped.
	ErrOverflow = errors.New("consumer queue overflow")
)

// Consumer is one attached reader. Read the buffered prefix via
// Replay, then drain Live until it closes, then check Err.
type Consumer struct {
	replay []byte
	ch     chan []byte

	mu  sync.Mutex
	err error
}

// Replay returns the chunk history buffered before this consumer
// attached.
func (c *Consumer) Replay() []byte { return c.replay }

// Live yields chunks pushed after attach. Closed when the stream
// completes or the consumer is dropped.
func (c *Consumer) Live() <-chan []byte { return c.ch }

// Err reports why Live closed. Nil means clean end of stream.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Consumer) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

type entry struct {
	buffer    []byte
	truncated bool
	complete  bool
	totalSize int64
	consumers map[*Consumer]struct{}
	lastPush  time.Time
}

// Relay is the process-wide entry table. One instance is shared by the
// push and attach HTTP handlers.
type Relay struct {
	mu      sync.Mutex
	entries map[string]*entry
	log     *slog.Logger

	deleteDelay time.Duration
	idleTimeout time.Duration
}

func New(log *slog.Logger) *Relay {
	return &Relay{
		entries:     make(map[string]*entry),
		log:         log,
		deleteDelay: defaultDeleteDelay,
		idleTimeout: defaultIdleTimeout,
	}
}

// SetIdleTimeout overrides how long a never-completed entry with no
// consumers survives between sweeps.
func (r *Relay) SetIdleTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idleTimeout = d
}

func (r *Relay) getOrCreate(streamID string) *entry {
	e, ok := r.entries[streamID]
	if !ok {
		e = &entry{consumers: make(map[*Consumer]struct{}), lastPush: time.Now()}
		r.entries[streamID] = e
	}
	return e
}

// Push appends a chunk to streamID's buffer and forwards it to every
// attached consumer. final marks the stream complete, closing all
// consumers and scheduling the entry for deletion. totalSize, when
// positive, records the expected full length; it may arrive on any
// push once the producer learns it.
func (r *Relay) Push(streamID string, chunk []byte, final bool, totalSize int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.getOrCreate(streamID)
	if e.complete {
		return
	}
	e.lastPush = time.Now()
	if totalSize > 0 {
		e.totalSize = totalSize
	}

	if len(chunk) > 0 {
		// Once a chunk has been dropped the buffer stays frozen: a
		// later, smaller chunk must not be appended over the hole.
		if e.truncated || len(e.buffer)+len(chunk) > BufferCap {
			e.truncated = true
		} else {
			e.buffer = append(e.buffer, chunk...)
		}
		owned := append([]byte(nil), chunk...)
		for c := range e.consumers {
			select {
			case c.ch <- owned:
			default:
				c.fail(ErrOverflow)
				close(c.ch)
				delete(e.consumers, c)
			}
		}
	}

	if final {
		e.complete = true
		for c := range e.consumers {
			close(c.ch)
		}
		e.consumers = make(map[*Consumer]struct{})
		time.AfterFunc(r.deleteDelay, func() { r.delete(streamID) })
	}
}

// Attach registers a consumer on streamID, creating a pending entry if
// none exists yet. The consumer immediately holds the buffered prefix;
// live chunks follow on its channel. Attaching to a complete stream
// yields the full buffer and a closed channel. Attaching after the
// buffer cap was exceeded yields the earliest bytes and ErrTruncated.
func (r *Relay) Attach(streamID string) *Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.getOrCreate(streamID)
	c := &Consumer{
		replay: append([]byte(nil), e.buffer...),
		ch:     make(chan []byte, consumerQueue),
	}
	switch {
	case e.truncated:
		c.fail(ErrTruncated)
		close(c.ch)
	case e.complete:
		close(c.ch)
	default:
		e.consumers[c] = struct{}{}
	}
	return c
}

// Detach removes a consumer without affecting the stream or its other
// consumers.
func (r *Relay) Detach(streamID string, c *Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[streamID]
	if !ok {
		return
	}
	if _, attached := e.consumers[c]; attached {
		delete(e.consumers, c)
		close(c.ch)
	}
}

// TotalSize returns the producer's length hint for streamID, 0 when
// unknown.
func (r *Relay) TotalSize(streamID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[streamID]; ok {
		return e.totalSize
	}
	return 0
}

// Truncated reports whether streamID's buffer stopped short of the
// full stream, meaning a late attacher cannot receive every byte.
func (r *Relay) Truncated(streamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[streamID]; ok {
		return e.truncated
	}
	return false
}

// Len reports the number of live entries, for gauge export.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Relay) delete(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[streamID]
	if !ok {
		return
	}
	for c := range e.consumers {
		close(c.ch)
	}
	delete(r.entries, streamID)
}

// Sweep evicts entries that never completed and have sat idle with no
// consumers past the idle timeout. Called periodically by the server.
func (r *Relay) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.idleTimeout)
	for id, e := range r.entries {
		if !e.complete && len(e.consumers) == 0 && e.lastPush.Before(cutoff) {
			r.log.Info("evicting idle relay entry", "stream_id", id, "buffered", len(e.buffer))
			delete(r.entries, id)
		}
	}
}
