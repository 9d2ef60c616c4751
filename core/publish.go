package core

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/pslog"
	"pkt.systems/shellrelay/internal/logx"
	"pkt.systems/shellrelay/relaymod"
	"pkt.systems/shellrelay/schema"
)

func (s *service) Publish(ctx context.Context, req schema.PublishRequest) (schema.PublishResponse, error) {
	name, err := schema.NormalizeDatabaseName(string(req.Name))
	if err != nil {
		return schema.PublishResponse{}, fmt.Errorf("%w: %q", err, string(req.Name))
	}
	if err := schema.ValidateModuleDef(req.Module); err != nil {
		return schema.PublishResponse{}, err
	}
	impl, ok := s.reg.Lookup(req.Module.Name)
	if !ok {
		return schema.PublishResponse{}, fmt.Errorf("%w: %s", schema.ErrModuleUnknown, req.Module.Name)
	}
	for _, reducer := range req.Module.Reducers {
		if _, ok := impl.Reducers[reducer]; !ok {
			return schema.PublishResponse{}, fmt.Errorf("%w: reducer %s has no implementation in module %s", schema.ErrModuleInvalid, reducer, req.Module.Name)
		}
	}
	def := relaymod.Definition{Def: req.Module, Reducers: impl.Reducers}
	log := logx.WithDatabase(ctx, name)

	s.mu.Lock()
	db, exists := s.dbs[name]
	if !exists {
		return s.createDatabase(log, name, req, def)
	}
	s.mu.Unlock()
	return s.updateDatabase(log, db, req, def)
}

// createDatabase runs with s.mu held and releases it once the new database is
// visible. The database is built before insertion, so a failing init reducer
// never leaves a half-made entry behind.
func (s *service) createDatabase(log pslog.Logger, name schema.DatabaseName, req schema.PublishRequest, def relaymod.Definition) (schema.PublishResponse, error) {
	db := newDatabase(name, req.Owner, def)
	db.mu.Lock()
	defer db.mu.Unlock()
	if init := def.Def.Lifecycle.Init; init != "" {
		if _, err := s.runReducerLocked(log, db, init, req.Owner, nil); err != nil {
			s.mu.Unlock()
			return schema.PublishResponse{}, err
		}
	}
	s.dbs[name] = db
	s.mu.Unlock()

	s.saveSnapshotLocked(log, db)
	log.Info("database published", "outcome", schema.PublishCreated, "module", def.Def.Name, "version", def.Def.Version)
	return schema.PublishResponse{
		Database: db.infoLocked(),
		Outcome:  schema.PublishCreated,
	}, nil
}

func (s *service) updateDatabase(log pslog.Logger, db *database, req schema.PublishRequest, def relaymod.Definition) (schema.PublishResponse, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	diff := schema.DiffModules(db.def.Def, def.Def)
	if diff.IsBreaking() && !req.BreakClients {
		return schema.PublishResponse{}, fmt.Errorf("%w: %s", schema.ErrSchemaBreaking, strings.Join(diff.Breaking, "; "))
	}
	clearData := req.DeleteData == schema.DeleteDataAlways ||
		(diff.HasConflict() && req.DeleteData == schema.DeleteDataOnConflict)
	if diff.HasConflict() && !clearData {
		return schema.PublishResponse{}, fmt.Errorf("%w: %s", schema.ErrDataConflict, strings.Join(diff.Conflicting, "; "))
	}

	kick := diff.IsBreaking() || clearData
	kicked := 0
	if kick && !clearData {
		// Run disconnect hooks under the old definition so presence rows
		// settle before the schema swap. Cleared data makes this moot.
		if reducer := db.def.Def.Lifecycle.OnDisconnect; reducer != "" {
			for _, identity := range db.conns {
				if _, err := s.runReducerLocked(log, db, reducer, identity, nil); err != nil {
					return schema.PublishResponse{}, err
				}
			}
		}
	}
	if clearData {
		if err := s.clearDataLocked(log, db); err != nil {
			return schema.PublishResponse{}, err
		}
	}

	db.def = def
	migrateTables(db, def)
	if kick {
		kicked = len(db.conns)
		db.conns = make(map[schema.ConnectionID]schema.Identity)
		s.sink.OnEvent(schema.Event{Type: schema.EventKick, Database: db.name, Reason: "module replaced"})
	}
	s.saveSnapshotLocked(log, db)

	outcome := schema.PublishUpdated
	if kick {
		outcome = schema.PublishReplaced
	}
	log.Info("database published", "outcome", outcome, "module", def.Def.Name, "version", def.Def.Version,
		"breaking", len(diff.Breaking), "cleared", clearData, "kicked", kicked)
	return schema.PublishResponse{
		Database:    db.infoLocked(),
		Outcome:     outcome,
		Breaking:    diff.Breaking,
		DataCleared: clearData,
		KickedConns: kicked,
	}, nil
}

// migrateTables reshapes db.tables to the new definition. Tables that survive
// keep their rows and autoinc counters; removed tables drop with their rows.
// Conflicting reshapes never reach here with data intact, the publish matrix
// clears or rejects them first.
func migrateTables(db *database, def relaymod.Definition) {
	next := make(map[schema.TableName]*table, len(def.Def.Tables))
	for _, tableDef := range def.Def.Tables {
		if existing, ok := db.tables[tableDef.Name]; ok {
			existing.def = tableDef
			next[tableDef.Name] = existing
			continue
		}
		next[tableDef.Name] = newTable(tableDef)
	}
	db.tables = next
}

// clearDataLocked wipes all rows behind a synthetic commit so the clear is
// durable and ordered with surrounding commits. Callers hold db.mu.
func (s *service) clearDataLocked(log pslog.Logger, db *database) error {
	commit := schema.Commit{
		Database:  db.name,
		Seq:       db.seq + 1,
		Reducer:   schema.ReducerClear,
		Status:    schema.CommitCommitted,
		Timestamp: s.now().UTC(),
	}
	if s.commits != nil {
		if err := s.commits.Append(commit); err != nil {
			return fmt.Errorf("append clear commit: %w", err)
		}
	}
	db.clearLocked()
	db.seq = commit.Seq
	s.sink.OnEvent(schema.Event{Type: schema.EventCommit, Database: db.name, Commit: commit})
	log.Info("database data cleared", "seq", commit.Seq)
	return nil
}

// saveSnapshotLocked persists the database synchronously. Publish and delete
// keep the state store authoritative for which databases exist, so failures
// here are loud. Callers hold db.mu.
func (s *service) saveSnapshotLocked(log pslog.Logger, db *database) {
	if s.states == nil {
		return
	}
	if err := s.states.Save(db.stateLocked()); err != nil {
		log.Error("database snapshot failed", "seq", db.seq, "reason", err)
	}
}

func (s *service) DeleteDatabase(ctx context.Context, req schema.DeleteDatabaseRequest) (schema.DeleteDatabaseResponse, error) {
	name, err := schema.NormalizeDatabaseName(string(req.Name))
	if err != nil {
		return schema.DeleteDatabaseResponse{}, fmt.Errorf("%w: %q", err, string(req.Name))
	}
	s.mu.Lock()
	db, ok := s.dbs[name]
	if !ok {
		s.mu.Unlock()
		return schema.DeleteDatabaseResponse{}, fmt.Errorf("%w: %s", schema.ErrDatabaseNotFound, name)
	}
	delete(s.dbs, name)
	s.mu.Unlock()

	log := logx.WithDatabaseIdentity(ctx, name, req.Owner)
	db.mu.Lock()
	defer db.mu.Unlock()
	info := db.infoLocked()
	kicked := len(db.conns)
	db.conns = make(map[schema.ConnectionID]schema.Identity)
	s.sink.OnEvent(schema.Event{Type: schema.EventKick, Database: name, Reason: "database deleted"})
	if s.states != nil {
		if err := s.states.Delete(name); err != nil {
			log.Warn("database state delete failed", "reason", err)
		}
	}
	if s.commits != nil {
		if err := s.commits.DeleteDatabase(name); err != nil {
			log.Warn("commit log delete failed", "reason", err)
		}
	}
	log.Info("database deleted", "kicked", kicked)
	return schema.DeleteDatabaseResponse{Database: info}, nil
}
