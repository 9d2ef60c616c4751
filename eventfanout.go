package shellrelay

import (
	"pkt.systems/shellrelay/core"
	"pkt.systems/shellrelay/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnEvent(event schema.Event) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnEvent(event)
	}
}
