package core

import (
	"encoding/json"
	"sync"

	"pkt.systems/shellrelay/relaymod"
	"pkt.systems/shellrelay/schema"
)

// database holds one hosted database: its module binding, table state, commit
// position, and attached connections. mu guards everything below it; event
// emission happens while mu is held so subscribers observe commit order.
type database struct {
	mu     sync.Mutex
	name   schema.DatabaseName
	owner  schema.Identity
	def    relaymod.Definition
	tables map[schema.TableName]*table
	seq    schema.CommitSeq
	conns  map[schema.ConnectionID]schema.Identity
}

func newDatabase(name schema.DatabaseName, owner schema.Identity, def relaymod.Definition) *database {
	db := &database{
		name:   name,
		owner:  owner,
		def:    def,
		tables: make(map[schema.TableName]*table, len(def.Def.Tables)),
		conns:  make(map[schema.ConnectionID]schema.Identity),
	}
	for _, tableDef := range def.Def.Tables {
		db.tables[tableDef.Name] = newTable(tableDef)
	}
	return db
}

// infoLocked builds the transport view. Callers hold db.mu.
func (db *database) infoLocked() schema.DatabaseInfo {
	return schema.DatabaseInfo{
		Name:        db.name,
		Module:      db.def.Def.Name,
		Version:     db.def.Def.Version,
		Owner:       db.owner,
		CommitSeq:   db.seq,
		Connections: len(db.conns),
	}
}

// snapshotLocked serializes every table in key order. Callers hold db.mu.
func (db *database) snapshotLocked() schema.DatabaseSnapshot {
	snapshot := schema.DatabaseSnapshot{
		Database: db.name,
		Seq:      db.seq,
		Tables:   make([]schema.TableRows, 0, len(db.def.Def.Tables)),
	}
	for _, tableDef := range db.def.Def.Tables {
		tbl := db.tables[tableDef.Name]
		snapshot.Tables = append(snapshot.Tables, schema.TableRows{
			Table: tableDef.Name,
			Rows:  tbl.sortedRows(),
		})
	}
	return snapshot
}

// stateLocked builds the persistable form. Callers hold db.mu.
func (db *database) stateLocked() DatabaseState {
	state := DatabaseState{
		Name:   db.name,
		Owner:  db.owner,
		Module: db.def.Def,
		Seq:    db.seq,
		Tables: make(map[schema.TableName]TableState, len(db.tables)),
	}
	for name, tbl := range db.tables {
		rows := make(map[string]json.RawMessage, len(tbl.rows))
		for key, raw := range tbl.rows {
			rows[key] = raw
		}
		state.Tables[name] = TableState{AutoInc: tbl.autoInc, Rows: rows}
	}
	return state
}

// clearLocked drops all rows and resets autoinc counters. Callers hold db.mu.
func (db *database) clearLocked() {
	for _, tbl := range db.tables {
		tbl.rows = make(map[string]json.RawMessage)
		tbl.autoInc = 0
	}
}

// applyCommitLocked replays a logged commit into table state. Callers hold
// db.mu. Replay trusts the log: deltas apply without key checks.
func (db *database) applyCommitLocked(commit schema.Commit) {
	if commit.Reducer == schema.ReducerClear {
		db.clearLocked()
		db.seq = commit.Seq
		return
	}
	for _, delta := range commit.Deltas {
		tbl, ok := db.tables[delta.Table]
		if !ok {
			continue
		}
		switch delta.Op {
		case schema.DeltaInsert, schema.DeltaUpdate:
			tbl.rows[delta.Key] = delta.Row
			tbl.bumpAutoInc(delta.Key)
		case schema.DeltaDelete:
			delete(tbl.rows, delta.Key)
		}
	}
	db.seq = commit.Seq
}
