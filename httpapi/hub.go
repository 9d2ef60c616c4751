package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/shellrelay/internal/logx"
	"pkt.systems/shellrelay/schema"
)

// StreamEvent is sent to SSE and WebSocket subscribers. Seq is the hub's
// per-database stream position, distinct from Commit.Seq: kicks consume a
// stream seq but never a commit seq.
type StreamEvent struct {
	Seq       uint64                   `json:"seq"`
	Type      string                   `json:"type"`
	Database  schema.DatabaseName      `json:"database"`
	Commit    *schema.Commit           `json:"commit,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
	Snapshot  *schema.DatabaseSnapshot `json:"snapshot,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

// Stream event types.
const (
	eventInitialSubscription = "initial_subscription"
	eventTransactionUpdate   = "transaction_update"
	eventKick                = "kick"
)

// Hub broadcasts committed events per database.
type Hub struct {
	mu          sync.Mutex
	databases   map[schema.DatabaseName]*databaseHub
	historySize int
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Hub{
		databases:   make(map[schema.DatabaseName]*databaseHub),
		historySize: historySize,
	}
}

// OnEvent implements core.EventSink.
func (h *Hub) OnEvent(event schema.Event) {
	log := logx.WithDatabase(context.Background(), event.Database)
	switch event.Type {
	case schema.EventCommit:
		commit := event.Commit
		log.Trace("hub commit event", "commit_seq", commit.Seq, "reducer", commit.Reducer, "deltas", len(commit.Deltas))
		h.publish(event.Database, StreamEvent{
			Type:      eventTransactionUpdate,
			Database:  event.Database,
			Commit:    &commit,
			Timestamp: time.Now(),
		})
	case schema.EventKick:
		log.Trace("hub kick event", "reason", event.Reason)
		h.publish(event.Database, StreamEvent{
			Type:      eventKick,
			Database:  event.Database,
			Reason:    event.Reason,
			Timestamp: time.Now(),
		})
	}
}

// Subscribe registers a subscriber for a database.
func (h *Hub) Subscribe(db schema.DatabaseName) (<-chan StreamEvent, func(), uint64, []StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dh := h.getOrCreateDatabaseHubLocked(db)
	ch := make(chan StreamEvent, 256)
	dh.subs[ch] = struct{}{}
	history := append([]StreamEvent(nil), dh.history...)
	seq := dh.seq
	log := logx.WithDatabase(context.Background(), db)
	log.Info("hub subscribe", "subs", len(dh.subs), "history", len(history))
	unsub := func() {
		h.mu.Lock()
		delete(dh.subs, ch)
		close(ch)
		remaining := len(dh.subs)
		h.mu.Unlock()
		log.Info("hub unsubscribe", "subs", remaining)
	}
	return ch, unsub, seq, history
}

// Replay returns events after the provided stream seq.
func (h *Hub) Replay(db schema.DatabaseName, after uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	dh := h.databases[db]
	if dh == nil {
		return nil
	}
	events := make([]StreamEvent, 0, len(dh.history))
	for _, event := range dh.history {
		if event.Seq > after {
			events = append(events, event)
		}
	}
	logx.WithDatabase(context.Background(), db).Debug("hub replay", "after", after, "count", len(events))
	return events
}

// publish stamps the event and fans it out. Sends stay under the mutex so an
// unsubscribe cannot close a channel mid-send; the sends never block, slow
// subscribers drop events instead.
func (h *Hub) publish(db schema.DatabaseName, event StreamEvent) {
	h.mu.Lock()
	dh := h.getOrCreateDatabaseHubLocked(db)
	dh.seq++
	event.Seq = dh.seq
	dh.history = append(dh.history, event)
	if len(dh.history) > h.historySize {
		dh.history = dh.history[len(dh.history)-h.historySize:]
	}
	dropped := 0
	for sub := range dh.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()

	if dropped > 0 {
		logx.WithDatabase(context.Background(), db).Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}

func (h *Hub) getOrCreateDatabaseHubLocked(db schema.DatabaseName) *databaseHub {
	dh := h.databases[db]
	if dh == nil {
		dh = &databaseHub{
			subs: make(map[chan StreamEvent]struct{}),
		}
		h.databases[db] = dh
	}
	return dh
}

type databaseHub struct {
	seq     uint64
	history []StreamEvent
	subs    map[chan StreamEvent]struct{}
}
