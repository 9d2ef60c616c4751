package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"pkt.systems/shellrelay/chatmod"
	"pkt.systems/shellrelay/relaymod"
	"pkt.systems/shellrelay/schema"
)

func TestPublishRejectsInvalidNames(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(t)

	for _, name := range []string{"", "Shell-Relay", "-leading", "trailing-", "under_score", "sp ace"} {
		if _, err := svc.Publish(context.Background(), schema.PublishRequest{
			Name:   schema.DatabaseName(name),
			Module: chatmod.ModuleDef(),
			Owner:  "c0ffee",
		}); !errors.Is(err, schema.ErrNameInvalid) {
			t.Fatalf("expected ErrNameInvalid for %q, got %v", name, err)
		}
	}
}

func TestPublishRejectsUnknownModule(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(t)

	def := chatmod.ModuleDef()
	def.Name = "warp-core"
	if _, err := svc.Publish(context.Background(), schema.PublishRequest{
		Name:   "shell-relay-test",
		Module: def,
		Owner:  "c0ffee",
	}); !errors.Is(err, schema.ErrModuleUnknown) {
		t.Fatalf("expected ErrModuleUnknown, got %v", err)
	}
}

func TestPublishRejectsUnimplementedReducer(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(t)

	def := chatmod.ModuleDef()
	def.Reducers = append(def.Reducers, "purge_all")
	if _, err := svc.Publish(context.Background(), schema.PublishRequest{
		Name:   "shell-relay-test",
		Module: def,
		Owner:  "c0ffee",
	}); !errors.Is(err, schema.ErrModuleInvalid) {
		t.Fatalf("expected ErrModuleInvalid, got %v", err)
	}
}

func TestPublishCompatibleUpdateKeepsClients(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(t)
	publishChat(t, svc, "shell-relay-test")
	connect(t, svc, "shell-relay-test", "a1b2c3d4e5f6", "conn-1")

	def := chatmod.ModuleDef()
	def.Tables = append(def.Tables, schema.TableDef{
		Name:       "rooms",
		PrimaryKey: "name",
		Columns: []schema.ColumnDef{
			{Name: "name", Type: schema.ColumnString},
			{Name: "topic", Type: schema.ColumnString},
		},
	})
	resp, err := svc.Publish(context.Background(), schema.PublishRequest{
		Name:   "shell-relay-test",
		Module: def,
		Owner:  "c0ffee",
	})
	if err != nil {
		t.Fatalf("compatible publish: %v", err)
	}
	if resp.Outcome != schema.PublishUpdated {
		t.Fatalf("expected updated outcome, got %s", resp.Outcome)
	}
	if resp.KickedConns != 0 || resp.DataCleared {
		t.Fatalf("compatible publish must not kick or clear: %+v", resp)
	}
	if resp.Database.Connections != 1 {
		t.Fatalf("expected connection to survive, got %d", resp.Database.Connections)
	}
	if users := chatUsers(t, svc, "shell-relay-test"); len(users) != 1 || !users[0].Online {
		t.Fatalf("expected user data to survive, got %+v", users)
	}
}

func TestPublishBreakingRequiresBreakClients(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(t)
	publishChat(t, svc, "shell-relay-test")
	connect(t, svc, "shell-relay-test", "a1b2c3d4e5f6", "conn-1")
	sendMessage(t, svc, "shell-relay-test", "a1b2c3d4e5f6", "keep me")

	def := chatmod.ModuleDef()
	def.Reducers = []schema.ReducerName{"identity_connected", "identity_disconnected", "send_message"}
	def.Version = "1.1.0"

	if _, err := svc.Publish(context.Background(), schema.PublishRequest{
		Name:   "shell-relay-test",
		Module: def,
		Owner:  "c0ffee",
	}); !errors.Is(err, schema.ErrSchemaBreaking) {
		t.Fatalf("expected ErrSchemaBreaking, got %v", err)
	}

	resp, err := svc.Publish(context.Background(), schema.PublishRequest{
		Name:         "shell-relay-test",
		Module:       def,
		Owner:        "c0ffee",
		BreakClients: true,
	})
	if err != nil {
		t.Fatalf("breaking publish: %v", err)
	}
	if resp.Outcome != schema.PublishReplaced {
		t.Fatalf("expected replaced outcome, got %s", resp.Outcome)
	}
	if resp.KickedConns != 1 || resp.DataCleared {
		t.Fatalf("expected one kick and no clear, got %+v", resp)
	}
	if len(resp.Breaking) == 0 {
		t.Fatalf("expected breaking changes listed")
	}

	if messages := chatMessages(t, svc, "shell-relay-test"); len(messages) != 1 {
		t.Fatalf("expected data to survive a non-conflicting break, got %+v", messages)
	}
	users := chatUsers(t, svc, "shell-relay-test")
	if len(users) != 1 || users[0].Online {
		t.Fatalf("expected kicked user marked offline, got %+v", users)
	}

	events := env.sink.Events()
	last := events[len(events)-1]
	if last.Type != schema.EventKick {
		t.Fatalf("expected kick event, got %+v", last)
	}
	if _, err := svc.Disconnect(context.Background(), schema.DisconnectRequest{
		Database: "shell-relay-test",
		ConnID:   "conn-1",
	}); !errors.Is(err, schema.ErrNotConnected) {
		t.Fatalf("expected kicked connection gone, got %v", err)
	}
}

func TestPublishConflictHonorsDeletePolicy(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(t)
	publishChat(t, svc, "shell-relay-test")
	connect(t, svc, "shell-relay-test", "a1b2c3d4e5f6", "conn-1")
	sendMessage(t, svc, "shell-relay-test", "a1b2c3d4e5f6", "doomed")

	def := chatmod.ModuleDef()
	for i, table := range def.Tables {
		if table.Name != chatmod.TableUsers {
			continue
		}
		for j, col := range table.Columns {
			if col.Name == "online" {
				def.Tables[i].Columns[j].Type = schema.ColumnString
			}
		}
	}
	def.Version = "2.0.0"

	if _, err := svc.Publish(context.Background(), schema.PublishRequest{
		Name:         "shell-relay-test",
		Module:       def,
		Owner:        "c0ffee",
		BreakClients: true,
	}); !errors.Is(err, schema.ErrDataConflict) {
		t.Fatalf("expected ErrDataConflict without a delete policy, got %v", err)
	}

	resp, err := svc.Publish(context.Background(), schema.PublishRequest{
		Name:         "shell-relay-test",
		Module:       def,
		Owner:        "c0ffee",
		BreakClients: true,
		DeleteData:   schema.DeleteDataOnConflict,
	})
	if err != nil {
		t.Fatalf("conflicting publish with on-conflict: %v", err)
	}
	if !resp.DataCleared || resp.Outcome != schema.PublishReplaced {
		t.Fatalf("expected cleared replace, got %+v", resp)
	}
	if messages := chatMessages(t, svc, "shell-relay-test"); len(messages) != 0 {
		t.Fatalf("expected messages cleared, got %+v", messages)
	}
	if users := chatUsers(t, svc, "shell-relay-test"); len(users) != 0 {
		t.Fatalf("expected users cleared, got %+v", users)
	}

	logged, err := env.log.After("shell-relay-test", 0)
	if err != nil {
		t.Fatalf("log after: %v", err)
	}
	lastCommit := logged[len(logged)-1]
	if lastCommit.Reducer != schema.ReducerClear {
		t.Fatalf("expected clear commit journaled, got %+v", lastCommit)
	}
}

func TestPublishDeleteAlwaysClearsWithoutConflict(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(t)
	publishChat(t, svc, "shell-relay-test")
	connect(t, svc, "shell-relay-test", "a1b2c3d4e5f6", "conn-1")
	sendMessage(t, svc, "shell-relay-test", "a1b2c3d4e5f6", "doomed")

	resp, err := svc.Publish(context.Background(), schema.PublishRequest{
		Name:       "shell-relay-test",
		Module:     chatmod.ModuleDef(),
		Owner:      "c0ffee",
		DeleteData: schema.DeleteDataAlways,
	})
	if err != nil {
		t.Fatalf("publish with delete-data=always: %v", err)
	}
	if !resp.DataCleared || resp.Outcome != schema.PublishReplaced {
		t.Fatalf("expected cleared replace, got %+v", resp)
	}
	if resp.KickedConns != 1 {
		t.Fatalf("expected subscriber kicked on clear, got %d", resp.KickedConns)
	}
	if messages := chatMessages(t, svc, "shell-relay-test"); len(messages) != 0 {
		t.Fatalf("expected messages cleared, got %+v", messages)
	}
}

func TestPublishInitReducerSeedsNewDatabase(t *testing.T) {
	env := newTestEnv(t)
	if err := env.registry.Register(counterDefinition()); err != nil {
		t.Fatalf("register counter module: %v", err)
	}
	svc := env.service(t)

	def := counterDefinition().Def
	resp, err := svc.Publish(context.Background(), schema.PublishRequest{
		Name:   "counter-test",
		Module: def,
		Owner:  "c0ffee",
	})
	if err != nil {
		t.Fatalf("publish counter: %v", err)
	}
	if resp.Database.CommitSeq != 1 {
		t.Fatalf("expected init commit at seq 1, got %d", resp.Database.CommitSeq)
	}
	rows := tableRows(t, svc, "counter-test", "counters")
	if len(rows) != 1 {
		t.Fatalf("expected seeded row, got %+v", rows)
	}
}

func TestDeleteDatabaseFreesNameAndJournal(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(t)
	publishChat(t, svc, "shell-relay-test")
	connect(t, svc, "shell-relay-test", "a1b2c3d4e5f6", "conn-1")

	resp, err := svc.DeleteDatabase(context.Background(), schema.DeleteDatabaseRequest{
		Name:  "shell-relay-test",
		Owner: "c0ffee",
	})
	if err != nil {
		t.Fatalf("delete database: %v", err)
	}
	if resp.Database.Name != "shell-relay-test" || resp.Database.Connections != 1 {
		t.Fatalf("unexpected delete info: %+v", resp.Database)
	}
	if _, err := svc.GetDatabase(context.Background(), schema.GetDatabaseRequest{Name: "shell-relay-test"}); !errors.Is(err, schema.ErrDatabaseNotFound) {
		t.Fatalf("expected ErrDatabaseNotFound after delete, got %v", err)
	}
	if _, ok := env.states.get("shell-relay-test"); ok {
		t.Fatalf("expected persisted state removed")
	}
	events := env.sink.Events()
	last := events[len(events)-1]
	if last.Type != schema.EventKick || last.Reason != "database deleted" {
		t.Fatalf("expected delete kick event, got %+v", last)
	}

	publishChat(t, svc, "shell-relay-test")
	connResp, err := svc.Connect(context.Background(), schema.ConnectRequest{
		Database: "shell-relay-test",
		Identity: "a1b2c3d4e5f6",
		ConnID:   "conn-2",
	})
	if err != nil {
		t.Fatalf("connect after republish: %v", err)
	}
	if connResp.Commit.Seq != 1 {
		t.Fatalf("expected seq restart at 1 after delete, got %d", connResp.Commit.Seq)
	}
}

func counterDefinition() relaymod.Definition {
	return relaymod.Definition{
		Def: schema.ModuleDef{
			Name:    "counter",
			Version: "0.1.0",
			Tables: []schema.TableDef{{
				Name:       "counters",
				PrimaryKey: "name",
				Columns: []schema.ColumnDef{
					{Name: "name", Type: schema.ColumnString},
					{Name: "value", Type: schema.ColumnUint64},
				},
			}},
			Reducers:  []schema.ReducerName{"seed", "bump"},
			Lifecycle: schema.LifecycleDef{Init: "seed"},
		},
		Reducers: map[schema.ReducerName]relaymod.Reducer{
			"seed": func(ctx *relaymod.Ctx, _ json.RawMessage) error {
				return ctx.Insert("counters", "hits", map[string]any{"name": "hits", "value": 0})
			},
			"bump": func(ctx *relaymod.Ctx, _ json.RawMessage) error {
				var row map[string]any
				if err := ctx.Get("counters", "hits", &row); err != nil {
					return err
				}
				value, _ := row["value"].(float64)
				row["value"] = value + 1
				return ctx.Update("counters", "hits", row)
			},
		},
	}
}
