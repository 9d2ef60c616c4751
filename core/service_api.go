package core

import (
	"context"

	"pkt.systems/shellrelay/schema"
)

// Service is the transport-agnostic API of the relay host: publishing and
// deleting databases, connection lifecycle, reducer calls, and subscription
// reads.
type Service interface {
	Publish(ctx context.Context, req schema.PublishRequest) (schema.PublishResponse, error)
	DeleteDatabase(ctx context.Context, req schema.DeleteDatabaseRequest) (schema.DeleteDatabaseResponse, error)
	ListDatabases(ctx context.Context, req schema.ListDatabasesRequest) (schema.ListDatabasesResponse, error)
	GetDatabase(ctx context.Context, req schema.GetDatabaseRequest) (schema.GetDatabaseResponse, error)
	Connect(ctx context.Context, req schema.ConnectRequest) (schema.ConnectResponse, error)
	Disconnect(ctx context.Context, req schema.DisconnectRequest) (schema.DisconnectResponse, error)
	CallReducer(ctx context.Context, req schema.CallReducerRequest) (schema.CallReducerResponse, error)
	Snapshot(ctx context.Context, req schema.SnapshotRequest) (schema.SnapshotResponse, error)
	Commits(ctx context.Context, req schema.CommitsRequest) (schema.CommitsResponse, error)
}
