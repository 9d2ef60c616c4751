package chatmod

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"pkt.systems/shellrelay/relaymod"
	"pkt.systems/shellrelay/schema"
)

type fakeTx struct {
	tables map[schema.TableName]map[string]json.RawMessage
	nextID map[schema.TableName]uint64
}

func newFakeTx() *fakeTx {
	return &fakeTx{
		tables: make(map[schema.TableName]map[string]json.RawMessage),
		nextID: make(map[schema.TableName]uint64),
	}
}

func (f *fakeTx) rowsOf(table schema.TableName) map[string]json.RawMessage {
	rows, ok := f.tables[table]
	if !ok {
		rows = make(map[string]json.RawMessage)
		f.tables[table] = rows
	}
	return rows
}

func (f *fakeTx) Insert(table schema.TableName, key string, row any) error {
	rows := f.rowsOf(table)
	if _, exists := rows[key]; exists {
		return schema.ErrDuplicateKey
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	rows[key] = raw
	return nil
}

func (f *fakeTx) Update(table schema.TableName, key string, row any) error {
	rows := f.rowsOf(table)
	if _, exists := rows[key]; !exists {
		return schema.ErrRowNotFound
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	rows[key] = raw
	return nil
}

func (f *fakeTx) Delete(table schema.TableName, key string) error {
	rows := f.rowsOf(table)
	if _, exists := rows[key]; !exists {
		return schema.ErrRowNotFound
	}
	delete(rows, key)
	return nil
}

func (f *fakeTx) Get(table schema.TableName, key string, dest any) error {
	raw, ok := f.rowsOf(table)[key]
	if !ok {
		return schema.ErrRowNotFound
	}
	return json.Unmarshal(raw, dest)
}

func (f *fakeTx) Rows(table schema.TableName) ([]json.RawMessage, error) {
	rows := f.rowsOf(table)
	keys := make([]string, 0, len(rows))
	for key := range rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]json.RawMessage, 0, len(keys))
	for _, key := range keys {
		out = append(out, rows[key])
	}
	return out, nil
}

func (f *fakeTx) NextID(table schema.TableName) (uint64, error) {
	f.nextID[table]++
	return f.nextID[table], nil
}

func callReducer(t *testing.T, tx *fakeTx, sender schema.Identity, reducer schema.ReducerName, args any) error {
	t.Helper()
	def := Definition()
	impl, ok := def.Reducers[reducer]
	if !ok {
		t.Fatalf("reducer %s not defined", reducer)
	}
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			t.Fatalf("marshal args: %v", err)
		}
		raw = data
	}
	ctx := relaymod.NewCtx(tx, sender, time.Unix(1700000000, 0).UTC(), nil)
	return impl(ctx, raw)
}

func TestDefinitionIsValid(t *testing.T) {
	if err := Definition().Validate(); err != nil {
		t.Fatalf("chat module definition invalid: %v", err)
	}
}

func TestIdentityConnectedInsertsAnonymousUser(t *testing.T) {
	tx := newFakeTx()
	sender := schema.Identity("aa11")
	if err := callReducer(t, tx, sender, "identity_connected", nil); err != nil {
		t.Fatalf("identity_connected: %v", err)
	}
	var user User
	if err := tx.Get(TableUsers, UserKey(sender), &user); err != nil {
		t.Fatalf("expected user row: %v", err)
	}
	if !user.Online || user.Name != "" || user.Identity != sender {
		t.Fatalf("unexpected user row: %+v", user)
	}
}

func TestIdentityConnectedMarksExistingOnline(t *testing.T) {
	tx := newFakeTx()
	sender := schema.Identity("aa11")
	if err := tx.Insert(TableUsers, UserKey(sender), User{Identity: sender, Name: "morgana", Online: false}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := callReducer(t, tx, sender, "identity_connected", nil); err != nil {
		t.Fatalf("identity_connected: %v", err)
	}
	var user User
	if err := tx.Get(TableUsers, UserKey(sender), &user); err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !user.Online || user.Name != "morgana" {
		t.Fatalf("expected online user keeping name, got %+v", user)
	}
}

func TestIdentityDisconnected(t *testing.T) {
	tx := newFakeTx()
	sender := schema.Identity("aa11")
	if err := tx.Insert(TableUsers, UserKey(sender), User{Identity: sender, Online: true}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := callReducer(t, tx, sender, "identity_disconnected", nil); err != nil {
		t.Fatalf("identity_disconnected: %v", err)
	}
	var user User
	if err := tx.Get(TableUsers, UserKey(sender), &user); err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.Online {
		t.Fatalf("expected user offline")
	}

	if err := callReducer(t, tx, "unknown", "identity_disconnected", nil); !errors.Is(err, ErrUnknownSender) {
		t.Fatalf("expected ErrUnknownSender, got %v", err)
	}
}

func TestSendMessageRejectsEmptyText(t *testing.T) {
	tx := newFakeTx()
	for _, text := range []string{"", "   ", "\t\n"} {
		err := callReducer(t, tx, "aa11", "send_message", SendMessageArgs{Text: text})
		if !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("expected ErrEmptyMessage for %q, got %v", text, err)
		}
	}
	rows, err := tx.Rows(TableMessages)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no messages stored, got %d", len(rows))
	}
}

func TestSendMessageAssignsSequentialIDs(t *testing.T) {
	tx := newFakeTx()
	for i := 1; i <= 3; i++ {
		args := SendMessageArgs{Text: fmt.Sprintf("message %d", i)}
		if err := callReducer(t, tx, "aa11", "send_message", args); err != nil {
			t.Fatalf("send_message %d: %v", i, err)
		}
	}
	rows, err := tx.Rows(TableMessages)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	messages := DecodeMessages(rows)
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	for i, message := range messages {
		if message.ID != uint64(i+1) {
			t.Fatalf("expected id %d at position %d, got %d", i+1, i, message.ID)
		}
		if message.SentAt.IsZero() {
			t.Fatalf("expected host timestamp on message %d", message.ID)
		}
	}
}

func TestSetName(t *testing.T) {
	tx := newFakeTx()
	sender := schema.Identity("aa11")
	if err := tx.Insert(TableUsers, UserKey(sender), User{Identity: sender, Online: true}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := callReducer(t, tx, sender, "set_name", SetNameArgs{Name: "  elowen  "}); err != nil {
		t.Fatalf("set_name: %v", err)
	}
	var user User
	if err := tx.Get(TableUsers, UserKey(sender), &user); err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.Name != "elowen" {
		t.Fatalf("expected trimmed name, got %q", user.Name)
	}

	if err := callReducer(t, tx, sender, "set_name", SetNameArgs{Name: "   "}); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
	if err := callReducer(t, tx, "unknown", "set_name", SetNameArgs{Name: "kael"}); !errors.Is(err, ErrUnknownSender) {
		t.Fatalf("expected ErrUnknownSender, got %v", err)
	}
}
