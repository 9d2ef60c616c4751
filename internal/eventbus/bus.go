// Package eventbus fans committed events out to per-database subscribers.
// Publishing never blocks: slow subscribers lose events and recover through
// snapshot + commit replay on their transport.
package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/shellrelay/schema"
)

// Bus fans events out to per-database subscribers.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.DatabaseName]map[chan schema.Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.DatabaseName]map[chan schema.Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for one database and returns a channel +
// cancel. Cancel closes the channel.
func (b *Bus) Subscribe(db schema.DatabaseName) (<-chan schema.Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan schema.Event, b.depth)
	b.mu.Lock()
	dbSubs := b.subs[db]
	if dbSubs == nil {
		dbSubs = make(map[chan schema.Event]struct{})
		b.subs[db] = dbSubs
	}
	dbSubs[ch] = struct{}{}
	count := len(dbSubs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.With("db", db).Debug("eventbus subscribe", "subs", count)
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[db]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, db)
				}
			}
			b.mu.Unlock()
			close(ch)
			if b.log != nil {
				b.log.With("db", db).Debug("eventbus unsubscribe")
			}
		})
	}
}

// OnEvent publishes an event to the database's subscribers. It satisfies the
// host's event sink and runs under the host's database mutex, so sends stay
// nonblocking and the mutex is held only for channel pushes.
func (b *Bus) OnEvent(event schema.Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	dropped := 0
	for sub := range b.subs[event.Database] {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 && b.log != nil {
		b.log.With("db", event.Database).Trace("eventbus dropped", "count", dropped)
	}
}
