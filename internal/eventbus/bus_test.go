package eventbus

import (
	"testing"
	"time"

	"pkt.systems/shellrelay/schema"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("shell-relay-test")
	defer cancel()

	bus.OnEvent(schema.Event{
		Type:     schema.EventCommit,
		Database: "shell-relay-test",
		Commit:   schema.Commit{Database: "shell-relay-test", Seq: 1, Reducer: "send_message"},
	})

	select {
	case got := <-ch:
		if got.Type != schema.EventCommit {
			t.Fatalf("expected commit event, got %v", got.Type)
		}
		if got.Commit.Seq != 1 || got.Commit.Reducer != "send_message" {
			t.Fatalf("unexpected payload: %+v", got.Commit)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event")
	}
}

func TestPublishScopedToDatabase(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("shell-relay-test")
	defer cancel()
	other, cancelOther := bus.Subscribe("other-db")
	defer cancelOther()

	bus.OnEvent(schema.Event{Type: schema.EventKick, Database: "other-db", Reason: "database deleted"})

	select {
	case got := <-other:
		if got.Type != schema.EventKick {
			t.Fatalf("expected kick event, got %v", got.Type)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event")
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected event for other database: %+v", got)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("shell-relay-test")
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
	cancel()
}

func TestPublishDoesNotBlockWhenFull(t *testing.T) {
	bus := New(nil)
	bus.depth = 1
	ch, cancel := bus.Subscribe("shell-relay-test")
	defer cancel()

	bus.OnEvent(schema.Event{Type: schema.EventCommit, Database: "shell-relay-test", Commit: schema.Commit{Seq: 1}})
	done := make(chan struct{})
	go func() {
		bus.OnEvent(schema.Event{Type: schema.EventCommit, Database: "shell-relay-test", Commit: schema.Commit{Seq: 2}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("publish blocked on full channel")
	}

	got := <-ch
	if got.Commit.Seq != 1 {
		t.Fatalf("expected first event retained, got seq %d", got.Commit.Seq)
	}
	select {
	case extra := <-ch:
		t.Fatalf("expected overflow dropped, got %+v", extra)
	default:
	}
}
