package client

import (
	"encoding/json"

	"pkt.systems/shellrelay/schema"
)

// cache mirrors the subscribed database's tables. Rows are addressed by their
// serialized form: the relay stores each row as canonical JSON and repeats
// those exact bytes in snapshots and in delta old_row fields, so byte equality
// is row identity. Counts make the cache a multiset in case a module keeps
// identical rows under different keys.
type cache struct {
	tables map[schema.TableName]map[string]*cachedRow
}

type cachedRow struct {
	raw   json.RawMessage
	count int
}

func newCache(snapshot schema.DatabaseSnapshot) *cache {
	c := &cache{tables: make(map[schema.TableName]map[string]*cachedRow, len(snapshot.Tables))}
	for _, table := range snapshot.Tables {
		for _, raw := range table.Rows {
			c.add(table.Table, raw)
		}
		if _, ok := c.tables[table.Table]; !ok {
			c.tables[table.Table] = make(map[string]*cachedRow)
		}
	}
	return c
}

// apply folds one committed delta into the cache. It reports false when an
// update or delete names a row the cache never held, which means the stream
// and the cache have diverged.
func (c *cache) apply(delta schema.RowDelta) bool {
	switch delta.Op {
	case schema.DeltaInsert:
		c.add(delta.Table, delta.Row)
		return true
	case schema.DeltaUpdate:
		ok := c.remove(delta.Table, delta.OldRow)
		c.add(delta.Table, delta.Row)
		return ok
	case schema.DeltaDelete:
		return c.remove(delta.Table, delta.OldRow)
	default:
		return false
	}
}

func (c *cache) add(table schema.TableName, raw json.RawMessage) {
	rows, ok := c.tables[table]
	if !ok {
		rows = make(map[string]*cachedRow)
		c.tables[table] = rows
	}
	if entry, ok := rows[string(raw)]; ok {
		entry.count++
		return
	}
	rows[string(raw)] = &cachedRow{raw: raw, count: 1}
}

func (c *cache) remove(table schema.TableName, raw json.RawMessage) bool {
	rows, ok := c.tables[table]
	if !ok {
		return false
	}
	entry, ok := rows[string(raw)]
	if !ok {
		return false
	}
	entry.count--
	if entry.count <= 0 {
		delete(rows, string(raw))
	}
	return true
}

// clear drops every row but keeps the table set, matching a publish that
// wiped data without changing the schema.
func (c *cache) clear() {
	for table := range c.tables {
		c.tables[table] = make(map[string]*cachedRow)
	}
}

// rows copies the current content of one table. Order is unspecified; callers
// sort through their module's typed helpers.
func (c *cache) rows(table schema.TableName) []json.RawMessage {
	entries := c.tables[table]
	out := make([]json.RawMessage, 0, len(entries))
	for _, entry := range entries {
		for i := 0; i < entry.count; i++ {
			out = append(out, entry.raw)
		}
	}
	return out
}
