package events

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"htlcbridge/core/types"
)

const defaultHubHistory = 2048

// Update is a sequenced event delivered to stream subscribers.
type Update struct {
	Sequence uint64       `json:"sequence"`
	Cursor   string       `json:"cursor"`
	Event    *types.Event `json:"event"`
}

func cloneUpdate(update Update) Update {
	cloned := update
	cloned.Event = update.Event.Clone()
	return cloned
}

// Hub is an Emitter that sequences events, retains a bounded history and
// broadcasts every event to live subscribers. Slow subscribers drop updates
// rather than block the publisher.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	limit   int
	history []Update
	subs    map[uint64]chan Update
}

// NewHub constructs a hub retaining up to limit historical updates. A
// non-positive limit selects the default.
func NewHub(limit int) *Hub {
	if limit <= 0 {
		limit = defaultHubHistory
	}
	return &Hub{limit: limit, subs: make(map[uint64]chan Update)}
}

// Emit implements the Emitter interface.
func (h *Hub) Emit(evt Event) {
	if h == nil || evt == nil {
		return
	}
	flat := Flatten(evt)

	h.mu.Lock()
	h.seq++
	update := Update{Sequence: h.seq, Cursor: strconv.FormatUint(h.seq, 10), Event: flat.Clone()}
	h.history = append(h.history, update)
	if len(h.history) > h.limit {
		excess := len(h.history) - h.limit
		trimmed := make([]Update, h.limit)
		copy(trimmed, h.history[excess:])
		h.history = trimmed
	}
	subscribers := make([]chan Update, 0, len(h.subs))
	for _, ch := range h.subs {
		subscribers = append(subscribers, ch)
	}
	h.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- cloneUpdate(update):
		default:
		}
	}
}

// Subscribe registers a subscriber for updates sequenced after cursor. The
// returned backlog holds retained updates the subscriber missed. The cancel
// function is idempotent and is invoked automatically when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, cursor string) (<-chan Update, func(), []Update) {
	updates := make(chan Update, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = updates
	backlog := make([]Update, 0, len(h.history))
	for _, entry := range h.history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneUpdate(entry))
		}
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
			h.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
