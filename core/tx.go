package core

import (
	"encoding/json"
	"fmt"
	"sort"

	"pkt.systems/shellrelay/schema"
)

// tx implements relaymod.Tx with buffered writes. Nothing touches the base
// tables until apply; a reducer error discards the whole buffer.
type tx struct {
	db      *database
	staged  map[schema.TableName]map[string]stagedRow
	nextIDs map[schema.TableName]uint64
	deltas  []schema.RowDelta
}

// stagedRow overlays one key. A nil row marks a buffered delete.
type stagedRow struct {
	row json.RawMessage
}

func newTx(db *database) *tx {
	return &tx{
		db:      db,
		staged:  make(map[schema.TableName]map[string]stagedRow),
		nextIDs: make(map[schema.TableName]uint64),
	}
}

func (t *tx) tableFor(name schema.TableName) (*table, error) {
	tbl, ok := t.db.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrTableNotFound, name)
	}
	return tbl, nil
}

func (t *tx) overlay(name schema.TableName) map[string]stagedRow {
	rows, ok := t.staged[name]
	if !ok {
		rows = make(map[string]stagedRow)
		t.staged[name] = rows
	}
	return rows
}

// current returns the row at key as visible inside the transaction.
func (t *tx) current(tbl *table, key string) (json.RawMessage, bool) {
	if overlay, ok := t.staged[tbl.def.Name]; ok {
		if staged, ok := overlay[key]; ok {
			return staged.row, staged.row != nil
		}
	}
	raw, ok := tbl.rows[key]
	return raw, ok
}

func (t *tx) Insert(name schema.TableName, key string, row any) error {
	tbl, err := t.tableFor(name)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%w: empty key for table %s", schema.ErrInvalidRequest, name)
	}
	if _, exists := t.current(tbl, key); exists {
		return fmt.Errorf("%w: %s[%s]", schema.ErrDuplicateKey, name, key)
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row %s[%s]: %w", name, key, err)
	}
	t.overlay(name)[key] = stagedRow{row: raw}
	t.deltas = append(t.deltas, schema.RowDelta{Table: name, Op: schema.DeltaInsert, Key: key, Row: raw})
	return nil
}

func (t *tx) Update(name schema.TableName, key string, row any) error {
	tbl, err := t.tableFor(name)
	if err != nil {
		return err
	}
	old, exists := t.current(tbl, key)
	if !exists {
		return fmt.Errorf("%w: %s[%s]", schema.ErrRowNotFound, name, key)
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row %s[%s]: %w", name, key, err)
	}
	t.overlay(name)[key] = stagedRow{row: raw}
	t.deltas = append(t.deltas, schema.RowDelta{Table: name, Op: schema.DeltaUpdate, Key: key, Row: raw, OldRow: old})
	return nil
}

func (t *tx) Delete(name schema.TableName, key string) error {
	tbl, err := t.tableFor(name)
	if err != nil {
		return err
	}
	old, exists := t.current(tbl, key)
	if !exists {
		return fmt.Errorf("%w: %s[%s]", schema.ErrRowNotFound, name, key)
	}
	t.overlay(name)[key] = stagedRow{}
	t.deltas = append(t.deltas, schema.RowDelta{Table: name, Op: schema.DeltaDelete, Key: key, OldRow: old})
	return nil
}

func (t *tx) Get(name schema.TableName, key string, dest any) error {
	tbl, err := t.tableFor(name)
	if err != nil {
		return err
	}
	raw, exists := t.current(tbl, key)
	if !exists {
		return fmt.Errorf("%w: %s[%s]", schema.ErrRowNotFound, name, key)
	}
	return json.Unmarshal(raw, dest)
}

func (t *tx) Rows(name schema.TableName) ([]json.RawMessage, error) {
	tbl, err := t.tableFor(name)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]struct{}, len(tbl.rows))
	for key := range tbl.rows {
		keys[key] = struct{}{}
	}
	for key := range t.staged[name] {
		keys[key] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)
	rows := make([]json.RawMessage, 0, len(sorted))
	for _, key := range sorted {
		if raw, ok := t.current(tbl, key); ok {
			rows = append(rows, raw)
		}
	}
	return rows, nil
}

func (t *tx) NextID(name schema.TableName) (uint64, error) {
	tbl, err := t.tableFor(name)
	if err != nil {
		return 0, err
	}
	if !tbl.def.AutoInc {
		return 0, fmt.Errorf("%w: table %s has no autoinc key", schema.ErrInvalidRequest, name)
	}
	next, ok := t.nextIDs[name]
	if !ok {
		next = tbl.autoInc
	}
	next++
	t.nextIDs[name] = next
	return next, nil
}

// apply moves the buffered writes into the base tables. Callers hold the
// database lock.
func (t *tx) apply() {
	for name, overlay := range t.staged {
		tbl := t.db.tables[name]
		for key, staged := range overlay {
			if staged.row == nil {
				delete(tbl.rows, key)
				continue
			}
			tbl.rows[key] = staged.row
			tbl.bumpAutoInc(key)
		}
	}
	for name, next := range t.nextIDs {
		if tbl := t.db.tables[name]; tbl != nil && next > tbl.autoInc {
			tbl.autoInc = next
		}
	}
}
