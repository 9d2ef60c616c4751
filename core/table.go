package core

import (
	"encoding/json"
	"sort"
	"strconv"

	"pkt.systems/shellrelay/schema"
)

// table is the in-memory state of one module table: raw JSON rows keyed by
// primary key, plus the autoinc high-water mark.
type table struct {
	def     schema.TableDef
	rows    map[string]json.RawMessage
	autoInc uint64
}

func newTable(def schema.TableDef) *table {
	return &table{def: def, rows: make(map[string]json.RawMessage)}
}

func (t *table) sortedKeys() []string {
	keys := make([]string, 0, len(t.rows))
	for key := range t.rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (t *table) sortedRows() []json.RawMessage {
	keys := t.sortedKeys()
	rows := make([]json.RawMessage, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, t.rows[key])
	}
	return rows
}

// bumpAutoInc raises the counter to cover a replayed or restored key.
func (t *table) bumpAutoInc(key string) {
	if !t.def.AutoInc {
		return
	}
	id, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return
	}
	if id > t.autoInc {
		t.autoInc = id
	}
}

// TableState is the persistable form of a table.
type TableState struct {
	AutoInc uint64                     `json:"auto_inc,omitempty"`
	Rows    map[string]json.RawMessage `json:"rows"`
}

// DatabaseState is the persistable form of a database: schema, rows, and the
// commit seq the rows reflect.
type DatabaseState struct {
	Name   schema.DatabaseName             `json:"name"`
	Owner  schema.Identity                 `json:"owner,omitempty"`
	Module schema.ModuleDef                `json:"module"`
	Seq    schema.CommitSeq                `json:"seq"`
	Tables map[schema.TableName]TableState `json:"tables"`
}
