// ABOUTME: Process-wide table of standing queries and their read sets
// ABOUTME: Invalidate re-runs every subscription whose read set intersects the touched keys

package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// recentLimit bounds the invalidation log used to catch writes that land
	// while a query is running. A subscription that fell further behind than
	// this simply reruns.
	recentLimit = 256
)

// ErrHubClosed is returned by Subscribe after Close.
var ErrHubClosed = errors.New("live: hub closed")

// Key names a row or an index range a query read. Writes touch keys;
// queries depend on keys.
type Key string

// Tables and index ranges used as key prefixes.
const (
	TableUsers                = "users"
	TableConversations        = "conversations"
	TableMessages             = "messages"
	IndexUserConversations    = "user_conversations"
	IndexConversationMessages = "conversation_messages"
	IndexUserExternalID       = "user_external"
)

// Row builds the key for a row (or index range) identified by id.
func Row(table, id string) Key {
	return Key(table + "/" + id)
}

// Publisher is the write side: called once per successful write with every
// key the write touched.
type Publisher interface {
	Publish(ctx context.Context, keys ...Key) error
}

type invalidation struct {
	seq  uint64
	keys []Key
}

// entry is the hub's view of one subscription actor.
type entry struct {
	id      string
	name    string
	deps    map[Key]struct{}
	trigger chan struct{}
	cancel  context.CancelFunc
}

// poke schedules a rerun. Pending pokes coalesce.
func (e *entry) poke() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Hub tracks standing queries and re-runs them when their dependencies change.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*entry           // subID -> entry
	index  map[Key]map[string]*entry   // dependency -> subID -> entry
	seq    uint64                      // incremented per Invalidate
	recent []invalidation              // newest last, at most recentLimit
	closed bool
	logger *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]*entry),
		index:  make(map[Key]map[string]*entry),
		logger: logger.With("component", "live"),
	}
}

// Publish implements Publisher for single-process deployments.
func (h *Hub) Publish(_ context.Context, keys ...Key) error {
	h.Invalidate(keys...)
	return nil
}

// Invalidate records a write and pokes every subscription whose last read set
// contains one of keys. It never blocks on subscribers.
func (h *Hub) Invalidate(keys ...Key) {
	if len(keys) == 0 {
		return
	}

	h.mu.Lock()
	h.seq++
	h.recent = append(h.recent, invalidation{seq: h.seq, keys: keys})
	if len(h.recent) > recentLimit {
		h.recent = h.recent[len(h.recent)-recentLimit:]
	}

	var targets []*entry
	seen := make(map[string]struct{})
	for _, k := range keys {
		for id, e := range h.index[k] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, e)
		}
	}
	h.mu.Unlock()

	for _, e := range targets {
		e.poke()
	}

	if len(targets) > 0 {
		h.logger.Debug("invalidated subscriptions", "keys", len(keys), "subscriptions", len(targets))
	}
}

// register adds an entry with an empty read set and returns the sequence
// number the first run starts from.
func (h *Hub) register(e *entry) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrHubClosed
	}
	h.subs[e.id] = e
	return h.seq, nil
}

// currentSeq returns the latest invalidation sequence number.
func (h *Hub) currentSeq() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// track replaces the entry's read set. If anything the new read set covers was
// invalidated after start (while the query was running), the entry is poked so
// the result it is about to deliver gets superseded.
func (h *Hub) track(e *entry, deps []Key, start uint64) {
	h.mu.Lock()
	if _, ok := h.subs[e.id]; !ok {
		h.mu.Unlock()
		return
	}

	h.unindexLocked(e)
	e.deps = make(map[Key]struct{}, len(deps))
	for _, k := range deps {
		e.deps[k] = struct{}{}
		subs := h.index[k]
		if subs == nil {
			subs = make(map[string]*entry)
			h.index[k] = subs
		}
		subs[e.id] = e
	}

	stale := false
	if start < h.seq {
		if len(h.recent) == 0 || h.recent[0].seq > start+1 {
			stale = true
		} else {
			for _, inv := range h.recent {
				if inv.seq <= start {
					continue
				}
				for _, k := range inv.keys {
					if _, ok := e.deps[k]; ok {
						stale = true
						break
					}
				}
				if stale {
					break
				}
			}
		}
	}
	h.mu.Unlock()

	if stale {
		e.poke()
	}
}

func (h *Hub) unindexLocked(e *entry) {
	for k := range e.deps {
		subs := h.index[k]
		delete(subs, e.id)
		if len(subs) == 0 {
			delete(h.index, k)
		}
	}
}

// remove drops a subscription from the table.
func (h *Hub) remove(e *entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[e.id]; !ok {
		return
	}
	h.unindexLocked(e)
	delete(h.subs, e.id)

	h.logger.Debug("subscription removed", "sub_id", e.id, "query", e.name)
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close cancels every subscription. Subscribe fails afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	entries := make([]*entry, 0, len(h.subs))
	for _, e := range h.subs {
		entries = append(entries, e)
	}
	h.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}

	h.logger.Debug("hub closed", "subscriptions", len(entries))
}

// RunFunc evaluates a standing query, returning its result and the keys it read.
type RunFunc[T any] func(ctx context.Context) (T, []Key, error)

// Subscription delivers full results of a standing query. C holds at most the
// newest undelivered result; it is closed when the subscription ends.
type Subscription[T any] struct {
	ID   string
	Name string

	out    chan T
	cancel context.CancelFunc
	done   chan struct{}
}

// C returns the result channel.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Done is closed once the subscription has stopped.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Cancel stops re-deliveries and waits for the subscription to shut down.
func (s *Subscription[T]) Cancel() {
	s.cancel()
	<-s.done
}

// Subscribe evaluates run once and returns a subscription whose channel already
// holds that result. Afterwards run is re-evaluated whenever a key it read is
// invalidated, until ctx is cancelled or Cancel is called. An error from the
// first evaluation is returned and nothing is registered.
func Subscribe[T any](ctx context.Context, h *Hub, name string, run RunFunc[T]) (*Subscription[T], error) {
	ctx, cancel := context.WithCancel(ctx)

	e := &entry{
		id:      uuid.New().String(),
		name:    name,
		trigger: make(chan struct{}, 1),
		cancel:  cancel,
	}

	start, err := h.register(e)
	if err != nil {
		cancel()
		return nil, err
	}

	value, deps, err := run(ctx)
	if err != nil {
		h.remove(e)
		cancel()
		return nil, err
	}
	h.track(e, deps, start)

	sub := &Subscription[T]{
		ID:     e.id,
		Name:   name,
		out:    make(chan T, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sub.out <- value

	h.logger.Debug("subscription added", "sub_id", e.id, "query", name, "deps", len(deps))

	go sub.loop(ctx, h, e, run)
	return sub, nil
}

// loop is the subscription actor: wait for a poke, recompute, push.
func (s *Subscription[T]) loop(ctx context.Context, h *Hub, e *entry, run RunFunc[T]) {
	defer close(s.done)
	defer close(s.out)
	defer h.remove(e)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
		}

		start := h.currentSeq()
		value, deps, err := run(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Keep the previous read set; the next write retries
			h.logger.Warn("standing query failed", "sub_id", e.id, "query", e.name, "error", err)
			continue
		}
		h.track(e, deps, start)
		s.deliver(value)
	}
}

// deliver replaces any undelivered result with value. Only the actor sends on
// out, so the second send cannot block.
func (s *Subscription[T]) deliver(value T) {
	select {
	case s.out <- value:
		return
	default:
	}
	select {
	case <-s.out:
	default:
	}
	select {
	case s.out <- value:
	default:
	}
}
