package schema

import (
	"encoding/json"
	"time"
)

// DeltaOp describes how a committed transaction changed a row.
type DeltaOp string

const (
	// DeltaInsert records a new row.
	DeltaInsert DeltaOp = "insert"
	// DeltaUpdate records a replaced row.
	DeltaUpdate DeltaOp = "update"
	// DeltaDelete records a removed row.
	DeltaDelete DeltaOp = "delete"
)

// RowDelta is one row change within a commit.
type RowDelta struct {
	Table  TableName       `json:"table"`
	Op     DeltaOp         `json:"op"`
	Key    string          `json:"key"`
	Row    json.RawMessage `json:"row,omitempty"`
	OldRow json.RawMessage `json:"old_row,omitempty"`
}

// CommitStatus reports whether a reducer transaction applied.
type CommitStatus string

const (
	// CommitCommitted indicates the transaction applied.
	CommitCommitted CommitStatus = "committed"
	// CommitFailed indicates the reducer returned an error and no deltas applied.
	CommitFailed CommitStatus = "failed"
)

// Commit is one entry of a database's append-only log. Seq is assigned by the
// host on commit and is strictly increasing per database. Failed commits carry
// no deltas and do not consume a seq.
type Commit struct {
	Database  DatabaseName `json:"database"`
	Seq       CommitSeq    `json:"seq"`
	Reducer   ReducerName  `json:"reducer"`
	Caller    Identity     `json:"caller,omitempty"`
	Status    CommitStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Deltas    []RowDelta   `json:"deltas,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ReducerClear is the synthetic reducer name recorded when a publish clears
// table data.
const ReducerClear ReducerName = "__clear"

// EventType describes host events delivered to subscribers.
type EventType string

const (
	// EventCommit carries a committed transaction.
	EventCommit EventType = "commit"
	// EventKick tells subscribers the database schema broke under them.
	EventKick EventType = "kick"
)

// Event is the unit of fan-out from the host to subscription transports.
// Transports define their own wire envelopes; this type never serializes.
type Event struct {
	Type     EventType
	Database DatabaseName
	Commit   Commit
	Reason   string
}

// TableRows is the full content of one table at a point in time.
type TableRows struct {
	Table TableName         `json:"table"`
	Rows  []json.RawMessage `json:"rows"`
}

// DatabaseSnapshot is the subscription bootstrap view: every row of every
// table, plus the commit seq the rows reflect.
type DatabaseSnapshot struct {
	Database DatabaseName `json:"database"`
	Seq      CommitSeq    `json:"seq"`
	Tables   []TableRows  `json:"tables"`
}
