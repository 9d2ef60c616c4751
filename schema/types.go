package schema

// Identity identifies a client principal as lowercase hex.
type Identity string

// Short abbreviates the identity for display and logs. Identities up to 18
// characters render verbatim; longer ones keep the first 10 and last 6
// characters around "..".
func (i Identity) Short() string {
	raw := string(i)
	if len(raw) <= 18 {
		return raw
	}
	return raw[:10] + ".." + raw[len(raw)-6:]
}

// DatabaseName identifies a hosted database.
type DatabaseName string

// ModuleName identifies a registered module implementation.
type ModuleName string

// TableName identifies a table within a module schema.
type TableName string

// ReducerName identifies a reducer within a module schema.
type ReducerName string

// ConnectionID identifies a single client connection.
type ConnectionID string

// UserID identifies an operator account.
type UserID string

// CommitSeq is the position of a commit in a database's log.
type CommitSeq uint64

// ThemeName identifies a terminal UI theme.
type ThemeName string

// Role describes what a token is allowed to do.
type Role string

const (
	// RoleClient may connect, call reducers, and subscribe.
	RoleClient Role = "client"
	// RoleOperator may additionally publish and delete databases.
	RoleOperator Role = "operator"
)

// ColumnType enumerates the storable column types.
type ColumnType string

const (
	// ColumnIdentity stores a client identity.
	ColumnIdentity ColumnType = "identity"
	// ColumnString stores UTF-8 text.
	ColumnString ColumnType = "string"
	// ColumnUint64 stores an unsigned integer.
	ColumnUint64 ColumnType = "uint64"
	// ColumnBool stores a boolean.
	ColumnBool ColumnType = "bool"
	// ColumnTimestamp stores a UTC instant in RFC 3339 form.
	ColumnTimestamp ColumnType = "timestamp"
)

// ColumnDef describes one column of a table.
type ColumnDef struct {
	Name string     `json:"name" yaml:"name"`
	Type ColumnType `json:"type" yaml:"type"`
}

// TableDef describes one table of a module schema.
type TableDef struct {
	Name       TableName   `json:"name" yaml:"name"`
	PrimaryKey string      `json:"primary_key" yaml:"primary_key"`
	AutoInc    bool        `json:"auto_inc,omitempty" yaml:"auto_inc,omitempty"`
	Columns    []ColumnDef `json:"columns" yaml:"columns"`
}

// Column returns the named column definition, if present.
func (t TableDef) Column(name string) (ColumnDef, bool) {
	for _, col := range t.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return ColumnDef{}, false
}

// LifecycleDef names the reducers invoked on connection lifecycle.
type LifecycleDef struct {
	OnConnect    ReducerName `json:"on_connect,omitempty" yaml:"on_connect,omitempty"`
	OnDisconnect ReducerName `json:"on_disconnect,omitempty" yaml:"on_disconnect,omitempty"`
	Init         ReducerName `json:"init,omitempty" yaml:"init,omitempty"`
}

// ModuleDef is the published schema of a module: its tables and reducers.
type ModuleDef struct {
	Name      ModuleName    `json:"name" yaml:"name"`
	Version   string        `json:"version" yaml:"version"`
	Tables    []TableDef    `json:"tables" yaml:"tables"`
	Reducers  []ReducerName `json:"reducers" yaml:"reducers"`
	Lifecycle LifecycleDef  `json:"lifecycle,omitempty" yaml:"lifecycle,omitempty"`
}

// Table returns the named table definition, if present.
func (m ModuleDef) Table(name TableName) (TableDef, bool) {
	for _, table := range m.Tables {
		if table.Name == name {
			return table, true
		}
	}
	return TableDef{}, false
}

// HasReducer reports whether the module declares the reducer.
func (m ModuleDef) HasReducer(name ReducerName) bool {
	for _, reducer := range m.Reducers {
		if reducer == name {
			return true
		}
	}
	return false
}

// DatabaseInfo is a read-only view of a hosted database for transports.
type DatabaseInfo struct {
	Name        DatabaseName `json:"name"`
	Module      ModuleName   `json:"module"`
	Version     string       `json:"version"`
	Owner       Identity     `json:"owner,omitempty"`
	CommitSeq   CommitSeq    `json:"commit_seq"`
	Connections int          `json:"connections"`
}
