package schema

import "strings"

// MaxDatabaseNameLen bounds database names.
const MaxDatabaseNameLen = 64

// NormalizeDatabaseName validates a database name. Allowed characters are
// lowercase letters, digits, and hyphens, with no leading or trailing hyphen
// (e.g. "shell-relay-test"). No case folding is applied.
func NormalizeDatabaseName(name string) (DatabaseName, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed != name {
		return "", ErrNameInvalid
	}
	if name == "" || len(name) > MaxDatabaseNameLen {
		return "", ErrNameInvalid
	}
	for _, r := range name {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '-' {
			continue
		}
		return "", ErrNameInvalid
	}
	if name[0] == '-' || name[len(name)-1] == '-' {
		return "", ErrNameInvalid
	}
	return DatabaseName(name), nil
}

// ValidateUserID ensures a user id matches [a-z0-9._-] with no normalization.
func ValidateUserID(userID UserID) error {
	raw := string(userID)
	if raw == "" {
		return ErrInvalidUser
	}
	if strings.TrimSpace(raw) != raw {
		return ErrInvalidUser
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		return ErrInvalidUser
	}
	return nil
}

// ValidateReducerName ensures a reducer name matches [a-z0-9_]+.
func ValidateReducerName(name ReducerName) error {
	raw := string(name)
	if raw == "" {
		return ErrModuleInvalid
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '_' {
			continue
		}
		return ErrModuleInvalid
	}
	return nil
}

func validColumnType(t ColumnType) bool {
	switch t {
	case ColumnIdentity, ColumnString, ColumnUint64, ColumnBool, ColumnTimestamp:
		return true
	default:
		return false
	}
}

// ValidateModuleDef checks a module definition for structural problems:
// missing names, unknown column types, absent primary keys, autoinc on a
// non-uint64 key, and duplicate or malformed reducer names.
func ValidateModuleDef(def ModuleDef) error {
	if strings.TrimSpace(string(def.Name)) == "" {
		return ErrModuleInvalid
	}
	if len(def.Tables) == 0 {
		return ErrModuleInvalid
	}
	seenTables := make(map[TableName]struct{}, len(def.Tables))
	for _, table := range def.Tables {
		if table.Name == "" || len(table.Columns) == 0 {
			return ErrModuleInvalid
		}
		if _, dup := seenTables[table.Name]; dup {
			return ErrModuleInvalid
		}
		seenTables[table.Name] = struct{}{}
		pk, ok := table.Column(table.PrimaryKey)
		if !ok {
			return ErrModuleInvalid
		}
		if table.AutoInc && pk.Type != ColumnUint64 {
			return ErrModuleInvalid
		}
		seenCols := make(map[string]struct{}, len(table.Columns))
		for _, col := range table.Columns {
			if col.Name == "" || !validColumnType(col.Type) {
				return ErrModuleInvalid
			}
			if _, dup := seenCols[col.Name]; dup {
				return ErrModuleInvalid
			}
			seenCols[col.Name] = struct{}{}
		}
	}
	seenReducers := make(map[ReducerName]struct{}, len(def.Reducers))
	for _, reducer := range def.Reducers {
		if err := ValidateReducerName(reducer); err != nil {
			return err
		}
		if _, dup := seenReducers[reducer]; dup {
			return ErrModuleInvalid
		}
		seenReducers[reducer] = struct{}{}
	}
	for _, hook := range []ReducerName{def.Lifecycle.OnConnect, def.Lifecycle.OnDisconnect, def.Lifecycle.Init} {
		if hook != "" && !def.HasReducer(hook) {
			return ErrModuleInvalid
		}
	}
	return nil
}
