package core

import (
	"time"

	"pkt.systems/shellrelay/relaymod"
	"pkt.systems/shellrelay/schema"

	"pkt.systems/pslog"
)

// CommitLog is the durable append-only journal of committed transactions.
// Append runs inside the commit path; a failed append aborts the commit.
type CommitLog interface {
	Append(commit schema.Commit) error
	After(db schema.DatabaseName, after schema.CommitSeq) ([]schema.Commit, error)
	LastSeq(db schema.DatabaseName) (schema.CommitSeq, error)
	DeleteDatabase(db schema.DatabaseName) error
}

// StateStore persists database snapshots for fast restarts. The commit log
// replays anything newer than the snapshot seq.
type StateStore interface {
	Save(state DatabaseState) error
	Load(name schema.DatabaseName) (DatabaseState, error)
	Delete(name schema.DatabaseName) error
	List() ([]schema.DatabaseName, error)
}

// ServiceDeps captures dependencies for the relay host service.
type ServiceDeps struct {
	Registry  *relaymod.Registry
	CommitLog CommitLog
	States    StateStore
	EventSink EventSink
	Logger    pslog.Logger
	// Now overrides the commit timestamp source in tests.
	Now func() time.Time
}
