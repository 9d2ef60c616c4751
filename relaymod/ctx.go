package relaymod

import (
	"context"
	"encoding/json"
	"time"

	"pkt.systems/shellrelay/schema"

	"pkt.systems/pslog"
)

// Tx is the transactional table view a reducer mutates. The host provides
// the implementation; writes stay buffered until the reducer returns nil.
type Tx interface {
	Insert(table schema.TableName, key string, row any) error
	Update(table schema.TableName, key string, row any) error
	Delete(table schema.TableName, key string) error
	// Get unmarshals the row at key into dest. Returns schema.ErrRowNotFound
	// when absent.
	Get(table schema.TableName, key string, dest any) error
	// Rows returns every row of the table in key order, including writes
	// buffered earlier in the same transaction.
	Rows(table schema.TableName) ([]json.RawMessage, error)
	// NextID reserves the next autoinc value for the table.
	NextID(table schema.TableName) (uint64, error)
}

// Ctx carries a reducer invocation: the transaction, the calling identity,
// and the host-assigned timestamp.
type Ctx struct {
	tx        Tx
	sender    schema.Identity
	timestamp time.Time
	log       pslog.Logger
}

// NewCtx builds a reducer context. The host calls this; modules never do.
func NewCtx(tx Tx, sender schema.Identity, timestamp time.Time, log pslog.Logger) *Ctx {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Ctx{tx: tx, sender: sender, timestamp: timestamp, log: log}
}

// Sender returns the identity that invoked the reducer.
func (c *Ctx) Sender() schema.Identity { return c.sender }

// Timestamp returns the host-assigned commit timestamp.
func (c *Ctx) Timestamp() time.Time { return c.timestamp }

// Log returns a logger scoped to the invocation.
func (c *Ctx) Log() pslog.Logger { return c.log }

// Insert adds a row under key.
func (c *Ctx) Insert(table schema.TableName, key string, row any) error {
	return c.tx.Insert(table, key, row)
}

// Update replaces the row under key.
func (c *Ctx) Update(table schema.TableName, key string, row any) error {
	return c.tx.Update(table, key, row)
}

// Delete removes the row under key.
func (c *Ctx) Delete(table schema.TableName, key string) error {
	return c.tx.Delete(table, key)
}

// Get unmarshals the row under key into dest.
func (c *Ctx) Get(table schema.TableName, key string, dest any) error {
	return c.tx.Get(table, key, dest)
}

// Rows returns every row of the table in key order.
func (c *Ctx) Rows(table schema.TableName) ([]json.RawMessage, error) {
	return c.tx.Rows(table)
}

// NextID reserves the next autoinc value for the table.
func (c *Ctx) NextID(table schema.TableName) (uint64, error) {
	return c.tx.NextID(table)
}
