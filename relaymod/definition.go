// Package relaymod is the authoring surface for relay modules: a module
// declares its table schema and binds reducer implementations to it. The
// host refuses to publish a database whose manifest names a module that was
// never registered here.
package relaymod

import (
	"encoding/json"
	"fmt"

	"pkt.systems/shellrelay/schema"
)

// Reducer is a transactional mutation function. It runs with exclusive
// access to the database; returning an error aborts the transaction and
// none of its writes apply.
type Reducer func(ctx *Ctx, args json.RawMessage) error

// Definition binds a module schema to its reducer implementations.
type Definition struct {
	Def      schema.ModuleDef
	Reducers map[schema.ReducerName]Reducer
}

// Validate checks that the schema is well formed and that declared reducers
// and implementations match one to one.
func (d Definition) Validate() error {
	if err := schema.ValidateModuleDef(d.Def); err != nil {
		return err
	}
	for _, name := range d.Def.Reducers {
		if _, ok := d.Reducers[name]; !ok {
			return fmt.Errorf("%w: reducer %s has no implementation", schema.ErrModuleInvalid, name)
		}
	}
	for name := range d.Reducers {
		if !d.Def.HasReducer(name) {
			return fmt.Errorf("%w: implementation %s not declared", schema.ErrModuleInvalid, name)
		}
	}
	return nil
}
