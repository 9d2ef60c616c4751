package schema

import "fmt"

// SchemaDiff classifies the changes between a database's current module
// definition and a newly published one.
type SchemaDiff struct {
	// Compatible lists additive changes: new tables, columns, reducers.
	Compatible []string
	// Breaking lists changes existing clients cannot follow: removed
	// tables or columns, changed column types or keys, removed reducers.
	Breaking []string
	// Conflicting lists breaking changes that also invalidate stored rows:
	// removed tables, changed column types, changed primary keys.
	Conflicting []string
}

// IsBreaking reports whether any change breaks existing clients.
func (d SchemaDiff) IsBreaking() bool {
	return len(d.Breaking) > 0
}

// HasConflict reports whether any change invalidates stored rows.
func (d SchemaDiff) HasConflict() bool {
	return len(d.Conflicting) > 0
}

// DiffModules compares two module definitions table by table and reducer by
// reducer. Adding is compatible; removing or reshaping is breaking; reshaping
// that invalidates rows already stored under the old definition conflicts.
func DiffModules(current, next ModuleDef) SchemaDiff {
	var diff SchemaDiff
	breaking := func(conflicts bool, format string, args ...any) {
		change := fmt.Sprintf(format, args...)
		diff.Breaking = append(diff.Breaking, change)
		if conflicts {
			diff.Conflicting = append(diff.Conflicting, change)
		}
	}
	compatible := func(format string, args ...any) {
		diff.Compatible = append(diff.Compatible, fmt.Sprintf(format, args...))
	}

	for _, oldTable := range current.Tables {
		newTable, ok := next.Table(oldTable.Name)
		if !ok {
			breaking(true, "table %s removed", oldTable.Name)
			continue
		}
		if newTable.PrimaryKey != oldTable.PrimaryKey {
			breaking(true, "table %s primary key changed from %s to %s", oldTable.Name, oldTable.PrimaryKey, newTable.PrimaryKey)
		}
		if newTable.AutoInc != oldTable.AutoInc {
			breaking(true, "table %s autoinc changed", oldTable.Name)
		}
		for _, oldCol := range oldTable.Columns {
			newCol, ok := newTable.Column(oldCol.Name)
			if !ok {
				breaking(false, "table %s column %s removed", oldTable.Name, oldCol.Name)
				continue
			}
			if newCol.Type != oldCol.Type {
				breaking(true, "table %s column %s type changed from %s to %s", oldTable.Name, oldCol.Name, oldCol.Type, newCol.Type)
			}
		}
		for _, newCol := range newTable.Columns {
			if _, ok := oldTable.Column(newCol.Name); !ok {
				compatible("table %s column %s added", newTable.Name, newCol.Name)
			}
		}
	}
	for _, newTable := range next.Tables {
		if _, ok := current.Table(newTable.Name); !ok {
			compatible("table %s added", newTable.Name)
		}
	}

	for _, oldReducer := range current.Reducers {
		if !next.HasReducer(oldReducer) {
			breaking(false, "reducer %s removed", oldReducer)
		}
	}
	for _, newReducer := range next.Reducers {
		if !current.HasReducer(newReducer) {
			compatible("reducer %s added", newReducer)
		}
	}
	return diff
}
