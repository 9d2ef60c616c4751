package schema

import "encoding/json"

// Publish and database management.

// DeleteDataPolicy controls what happens to stored rows on publish.
type DeleteDataPolicy string

const (
	// DeleteDataNever keeps stored rows; conflicting schema changes fail.
	DeleteDataNever DeleteDataPolicy = "never"
	// DeleteDataOnConflict clears rows only when the new schema conflicts.
	DeleteDataOnConflict DeleteDataPolicy = "on-conflict"
	// DeleteDataAlways clears rows unconditionally before publishing.
	DeleteDataAlways DeleteDataPolicy = "always"
)

// ParseDeleteDataPolicy validates a --delete-data flag value.
func ParseDeleteDataPolicy(value string) (DeleteDataPolicy, error) {
	switch DeleteDataPolicy(value) {
	case DeleteDataNever, DeleteDataOnConflict, DeleteDataAlways:
		return DeleteDataPolicy(value), nil
	case "":
		return DeleteDataNever, nil
	default:
		return "", ErrInvalidRequest
	}
}

// PublishRequest describes a request to create or update a database.
type PublishRequest struct {
	Name         DatabaseName
	Module       ModuleDef
	Owner        Identity
	BreakClients bool
	DeleteData   DeleteDataPolicy
}

// PublishOutcome reports what a publish did.
type PublishOutcome string

const (
	// PublishCreated indicates a new database was created.
	PublishCreated PublishOutcome = "created"
	// PublishUpdated indicates an existing database was updated in place.
	PublishUpdated PublishOutcome = "updated"
	// PublishReplaced indicates the update broke clients or cleared data.
	PublishReplaced PublishOutcome = "replaced"
)

// PublishResponse reports the published database and what happened to it.
type PublishResponse struct {
	Database    DatabaseInfo   `json:"database"`
	Outcome     PublishOutcome `json:"outcome"`
	Breaking    []string       `json:"breaking,omitempty"`
	DataCleared bool           `json:"data_cleared,omitempty"`
	KickedConns int            `json:"kicked_conns,omitempty"`
}

// DeleteDatabaseRequest describes a request to drop a database.
type DeleteDatabaseRequest struct {
	Name  DatabaseName
	Owner Identity
}

// DeleteDatabaseResponse reports the dropped database.
type DeleteDatabaseResponse struct {
	Database DatabaseInfo `json:"database"`
}

// ListDatabasesRequest describes a request to list hosted databases.
type ListDatabasesRequest struct{}

// ListDatabasesResponse reports all hosted databases sorted by name.
type ListDatabasesResponse struct {
	Databases []DatabaseInfo `json:"databases"`
}

// GetDatabaseRequest describes a request for one database's info.
type GetDatabaseRequest struct {
	Name DatabaseName
}

// GetDatabaseResponse reports one database's info.
type GetDatabaseResponse struct {
	Database DatabaseInfo `json:"database"`
}

// Connection lifecycle.

// ConnectRequest describes a client attaching to a database.
type ConnectRequest struct {
	Database DatabaseName
	Identity Identity
	ConnID   ConnectionID
}

// ConnectResponse reports the lifecycle commit, if the module declares one.
type ConnectResponse struct {
	Commit *Commit `json:"commit,omitempty"`
}

// DisconnectRequest describes a client detaching from a database.
type DisconnectRequest struct {
	Database DatabaseName
	Identity Identity
	ConnID   ConnectionID
}

// DisconnectResponse reports the lifecycle commit, if the module declares one.
type DisconnectResponse struct {
	Commit *Commit `json:"commit,omitempty"`
}

// Reducer calls and reads.

// CallReducerRequest describes a reducer invocation.
type CallReducerRequest struct {
	Database DatabaseName
	Reducer  ReducerName
	Caller   Identity
	Args     json.RawMessage
}

// CallReducerResponse reports the resulting commit. A failed reducer returns
// a Commit with CommitFailed status and no error; transport and validation
// problems return errors.
type CallReducerResponse struct {
	Commit Commit `json:"commit"`
}

// SnapshotRequest describes a subscription bootstrap read.
type SnapshotRequest struct {
	Database DatabaseName
}

// SnapshotResponse reports all rows and the seq they reflect.
type SnapshotResponse struct {
	Snapshot DatabaseSnapshot `json:"snapshot"`
}

// CommitsRequest describes a replay read of commits after a seq.
type CommitsRequest struct {
	Database DatabaseName
	After    CommitSeq
}

// CommitsResponse reports commits in seq order.
type CommitsResponse struct {
	Commits []Commit `json:"commits"`
}
