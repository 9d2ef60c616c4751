package core

import "pkt.systems/shellrelay/schema"

// EventSink receives host events in commit order. Implementations must not
// block: they run while the database lock is held so subscribers observe
// commits in seq order.
type EventSink interface {
	OnEvent(event schema.Event)
}

type noopSink struct{}

func (noopSink) OnEvent(schema.Event) {}
