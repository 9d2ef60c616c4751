// Package chatmod is the chat module: a users table keyed by identity, a
// messages table with autoinc ids, and the reducers that mutate them. It is
// the module the relay registers by default.
package chatmod

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/shellrelay/relaymod"
	"pkt.systems/shellrelay/schema"
)

// Name is the registered module name manifests reference.
const Name schema.ModuleName = "chat"

// Version is the module schema version.
const Version = "1.0.0"

const (
	// TableUsers holds one row per known identity.
	TableUsers schema.TableName = "users"
	// TableMessages holds the message log.
	TableMessages schema.TableName = "messages"
)

var (
	// ErrEmptyMessage rejects messages that are empty after trimming.
	ErrEmptyMessage = errors.New("messages must not be empty")
	// ErrEmptyName rejects names that are empty after trimming.
	ErrEmptyName = errors.New("names must not be empty")
	// ErrUnknownSender indicates a reducer call from an identity with no
	// user row.
	ErrUnknownSender = errors.New("sender has no user row")
)

// User is a row of the users table. Presence is the Online flag; Name may be
// empty, in which case clients render a shortened identity.
type User struct {
	Identity schema.Identity `json:"identity"`
	Name     string          `json:"name"`
	Online   bool            `json:"online"`
}

// Message is a row of the messages table.
type Message struct {
	ID     uint64          `json:"id"`
	Sender schema.Identity `json:"sender"`
	Text   string          `json:"text"`
	SentAt time.Time       `json:"sent_at"`
}

// SendMessageArgs are the arguments of the send_message reducer.
type SendMessageArgs struct {
	Text string `json:"text"`
}

// SetNameArgs are the arguments of the set_name reducer.
type SetNameArgs struct {
	Name string `json:"name"`
}

// MessageKey renders an autoinc id as a table key whose lexical order
// matches numeric order.
func MessageKey(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

// UserKey renders an identity as a users table key.
func UserKey(identity schema.Identity) string {
	return string(identity)
}

// ModuleDef returns the chat module schema.
func ModuleDef() schema.ModuleDef {
	return schema.ModuleDef{
		Name:    Name,
		Version: Version,
		Tables: []schema.TableDef{
			{
				Name:       TableUsers,
				PrimaryKey: "identity",
				Columns: []schema.ColumnDef{
					{Name: "identity", Type: schema.ColumnIdentity},
					{Name: "name", Type: schema.ColumnString},
					{Name: "online", Type: schema.ColumnBool},
				},
			},
			{
				Name:       TableMessages,
				PrimaryKey: "id",
				AutoInc:    true,
				Columns: []schema.ColumnDef{
					{Name: "id", Type: schema.ColumnUint64},
					{Name: "sender", Type: schema.ColumnIdentity},
					{Name: "text", Type: schema.ColumnString},
					{Name: "sent_at", Type: schema.ColumnTimestamp},
				},
			},
		},
		Reducers: []schema.ReducerName{
			"identity_connected",
			"identity_disconnected",
			"send_message",
			"set_name",
		},
		Lifecycle: schema.LifecycleDef{
			OnConnect:    "identity_connected",
			OnDisconnect: "identity_disconnected",
		},
	}
}

// Definition returns the chat module ready for registration.
func Definition() relaymod.Definition {
	return relaymod.Definition{
		Def: ModuleDef(),
		Reducers: map[schema.ReducerName]relaymod.Reducer{
			"identity_connected":    identityConnected,
			"identity_disconnected": identityDisconnected,
			"send_message":          sendMessage,
			"set_name":              setName,
		},
	}
}

func identityConnected(ctx *relaymod.Ctx, _ json.RawMessage) error {
	key := UserKey(ctx.Sender())
	var user User
	err := ctx.Get(TableUsers, key, &user)
	switch {
	case err == nil:
		user.Online = true
		return ctx.Update(TableUsers, key, user)
	case errors.Is(err, schema.ErrRowNotFound):
		return ctx.Insert(TableUsers, key, User{Identity: ctx.Sender(), Online: true})
	default:
		return err
	}
}

func identityDisconnected(ctx *relaymod.Ctx, _ json.RawMessage) error {
	key := UserKey(ctx.Sender())
	var user User
	if err := ctx.Get(TableUsers, key, &user); err != nil {
		if errors.Is(err, schema.ErrRowNotFound) {
			return fmt.Errorf("%w: %s disconnected", ErrUnknownSender, ctx.Sender())
		}
		return err
	}
	user.Online = false
	return ctx.Update(TableUsers, key, user)
}

func sendMessage(ctx *relaymod.Ctx, args json.RawMessage) error {
	var in SendMessageArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return fmt.Errorf("send_message args: %w", err)
	}
	if strings.TrimSpace(in.Text) == "" {
		return ErrEmptyMessage
	}
	id, err := ctx.NextID(TableMessages)
	if err != nil {
		return err
	}
	return ctx.Insert(TableMessages, MessageKey(id), Message{
		ID:     id,
		Sender: ctx.Sender(),
		Text:   in.Text,
		SentAt: ctx.Timestamp(),
	})
}

func setName(ctx *relaymod.Ctx, args json.RawMessage) error {
	var in SetNameArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return fmt.Errorf("set_name args: %w", err)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return ErrEmptyName
	}
	key := UserKey(ctx.Sender())
	var user User
	if err := ctx.Get(TableUsers, key, &user); err != nil {
		if errors.Is(err, schema.ErrRowNotFound) {
			return fmt.Errorf("%w: set_name from %s", ErrUnknownSender, ctx.Sender())
		}
		return err
	}
	user.Name = name
	return ctx.Update(TableUsers, key, user)
}
