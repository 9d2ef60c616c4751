package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNameInvalid indicates a database name outside [a-z0-9-].
	ErrNameInvalid = errors.New("invalid database name")
	// ErrDatabaseNotFound indicates a requested database does not exist.
	ErrDatabaseNotFound = errors.New("database not found")
	// ErrDatabaseExists indicates a database already exists.
	ErrDatabaseExists = errors.New("database already exists")
	// ErrModuleUnknown indicates a manifest references an unregistered module.
	ErrModuleUnknown = errors.New("module not registered")
	// ErrModuleInvalid indicates a module definition failed validation.
	ErrModuleInvalid = errors.New("invalid module definition")
	// ErrTableNotFound indicates a reducer touched an undeclared table.
	ErrTableNotFound = errors.New("table not found")
	// ErrReducerNotFound indicates a call named an undeclared reducer.
	ErrReducerNotFound = errors.New("reducer not found")
	// ErrDuplicateKey indicates an insert collided with an existing row key.
	ErrDuplicateKey = errors.New("duplicate row key")
	// ErrRowNotFound indicates an update or delete missed its row.
	ErrRowNotFound = errors.New("row not found")
	// ErrSchemaBreaking indicates a publish would break connected clients.
	ErrSchemaBreaking = errors.New("schema change breaks existing clients")
	// ErrDataConflict indicates stored rows are invalid under the new schema.
	ErrDataConflict = errors.New("schema change conflicts with stored data")
	// ErrNotConnected indicates an operation on an unknown connection.
	ErrNotConnected = errors.New("connection not found")
	// ErrInvalidUser indicates a malformed operator username.
	ErrInvalidUser = errors.New("invalid user")
	// ErrUnauthorized indicates a missing or invalid token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates a valid token without the required role.
	ErrForbidden = errors.New("forbidden")
)
