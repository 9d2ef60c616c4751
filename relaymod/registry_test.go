package relaymod

import (
	"encoding/json"
	"errors"
	"testing"

	"pkt.systems/shellrelay/schema"
)

func testDefinition() Definition {
	noop := func(ctx *Ctx, args json.RawMessage) error { return nil }
	return Definition{
		Def: schema.ModuleDef{
			Name:    "echo",
			Version: "0.1.0",
			Tables: []schema.TableDef{{
				Name:       "lines",
				PrimaryKey: "id",
				AutoInc:    true,
				Columns: []schema.ColumnDef{
					{Name: "id", Type: schema.ColumnUint64},
					{Name: "text", Type: schema.ColumnString},
				},
			}},
			Reducers: []schema.ReducerName{"echo"},
		},
		Reducers: map[schema.ReducerName]Reducer{"echo": noop},
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(testDefinition()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := reg.Lookup("echo"); !ok {
		t.Fatalf("expected echo to be registered")
	}
	if err := reg.Register(testDefinition()); !errors.Is(err, schema.ErrModuleInvalid) {
		t.Fatalf("expected duplicate register rejected, got %v", err)
	}
	names := reg.Names()
	if len(names) != 1 || names[0] != "echo" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestDefinitionValidateMismatchedReducers(t *testing.T) {
	def := testDefinition()
	def.Reducers = map[schema.ReducerName]Reducer{}
	if err := def.Validate(); !errors.Is(err, schema.ErrModuleInvalid) {
		t.Fatalf("expected missing implementation rejected, got %v", err)
	}

	def = testDefinition()
	def.Reducers["extra"] = func(ctx *Ctx, args json.RawMessage) error { return nil }
	if err := def.Validate(); !errors.Is(err, schema.ErrModuleInvalid) {
		t.Fatalf("expected undeclared implementation rejected, got %v", err)
	}
}
