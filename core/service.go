package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shellrelay/internal/logx"
	"pkt.systems/shellrelay/relaymod"
	"pkt.systems/shellrelay/schema"
)

// service implements the relay host behavior.
type service struct {
	cfg     schema.ServiceConfig
	reg     *relaymod.Registry
	commits CommitLog
	states  StateStore
	sink    EventSink
	logger  pslog.Logger
	now     func() time.Time

	mu  sync.RWMutex
	dbs map[schema.DatabaseName]*database
}

// NewService constructs the relay host service and restores persisted
// databases: snapshots load first, then the commit log replays anything newer.
func NewService(cfg schema.ServiceConfig, deps ServiceDeps) (Service, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	if deps.Registry == nil {
		return nil, fmt.Errorf("%w: missing module registry", schema.ErrInvalidRequest)
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	sink := deps.EventSink
	if sink == nil {
		sink = noopSink{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	s := &service{
		cfg:     cfg,
		reg:     deps.Registry,
		commits: deps.CommitLog,
		states:  deps.States,
		sink:    sink,
		logger:  logger,
		now:     now,
		dbs:     make(map[schema.DatabaseName]*database),
	}
	if err := s.restore(); err != nil {
		return nil, err
	}
	return s, nil
}

// restore rebuilds hosted databases from the state store and commit log.
// Databases whose module is no longer registered are skipped, not dropped;
// re-publishing the module brings them back.
func (s *service) restore() error {
	if s.states == nil {
		return nil
	}
	names, err := s.states.List()
	if err != nil {
		return fmt.Errorf("list persisted databases: %w", err)
	}
	for _, name := range names {
		state, err := s.states.Load(name)
		if err != nil {
			s.logger.Error("database state load failed", "db", name, "reason", err)
			continue
		}
		def, ok := s.reg.Lookup(state.Module.Name)
		if !ok {
			s.logger.Error("database module not registered", "db", name, "module", state.Module.Name)
			continue
		}
		db := newDatabase(state.Name, state.Owner, relaymod.Definition{
			Def:      state.Module,
			Reducers: def.Reducers,
		})
		for tableName, tableState := range state.Tables {
			tbl, ok := db.tables[tableName]
			if !ok {
				continue
			}
			tbl.autoInc = tableState.AutoInc
			for key, raw := range tableState.Rows {
				tbl.rows[key] = raw
			}
		}
		db.seq = state.Seq
		replayed := 0
		if s.commits != nil {
			commits, err := s.commits.After(state.Name, state.Seq)
			if err != nil {
				return fmt.Errorf("replay commits for %s: %w", state.Name, err)
			}
			for _, commit := range commits {
				db.applyCommitLocked(commit)
			}
			replayed = len(commits)
		}
		s.dbs[state.Name] = db
		s.logger.Info("database restored", "db", state.Name, "module", state.Module.Name, "seq", db.seq, "replayed", replayed)
	}
	return nil
}

// database resolves a hosted database by name.
func (s *service) database(name schema.DatabaseName) (*database, error) {
	normalized, err := schema.NormalizeDatabaseName(string(name))
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	db, ok := s.dbs[normalized]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrDatabaseNotFound, normalized)
	}
	return db, nil
}

func (s *service) Connect(ctx context.Context, req schema.ConnectRequest) (schema.ConnectResponse, error) {
	if req.Identity == "" {
		return schema.ConnectResponse{}, fmt.Errorf("%w: missing identity", schema.ErrInvalidRequest)
	}
	if req.ConnID == "" {
		return schema.ConnectResponse{}, fmt.Errorf("%w: missing connection id", schema.ErrInvalidRequest)
	}
	db, err := s.database(req.Database)
	if err != nil {
		return schema.ConnectResponse{}, err
	}
	log := logx.WithConn(logx.WithDatabaseIdentity(ctx, db.name, req.Identity), req.ConnID)

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.conns[req.ConnID]; ok {
		return schema.ConnectResponse{}, fmt.Errorf("%w: connection %s already registered", schema.ErrInvalidRequest, req.ConnID)
	}
	db.conns[req.ConnID] = req.Identity

	resp := schema.ConnectResponse{}
	if reducer := db.def.Def.Lifecycle.OnConnect; reducer != "" {
		commit, err := s.runReducerLocked(log, db, reducer, req.Identity, nil)
		if err != nil {
			delete(db.conns, req.ConnID)
			return schema.ConnectResponse{}, err
		}
		resp.Commit = &commit
	}
	log.Info("client connected", "conns", len(db.conns))
	return resp, nil
}

func (s *service) Disconnect(ctx context.Context, req schema.DisconnectRequest) (schema.DisconnectResponse, error) {
	db, err := s.database(req.Database)
	if err != nil {
		return schema.DisconnectResponse{}, err
	}
	log := logx.WithConn(logx.WithDatabaseIdentity(ctx, db.name, req.Identity), req.ConnID)

	db.mu.Lock()
	defer db.mu.Unlock()
	identity, ok := db.conns[req.ConnID]
	if !ok {
		return schema.DisconnectResponse{}, fmt.Errorf("%w: connection %s", schema.ErrNotConnected, req.ConnID)
	}
	delete(db.conns, req.ConnID)

	resp := schema.DisconnectResponse{}
	if reducer := db.def.Def.Lifecycle.OnDisconnect; reducer != "" {
		commit, err := s.runReducerLocked(log, db, reducer, identity, nil)
		if err != nil {
			return schema.DisconnectResponse{}, err
		}
		resp.Commit = &commit
	}
	log.Info("client disconnected", "conns", len(db.conns))
	return resp, nil
}

func (s *service) CallReducer(ctx context.Context, req schema.CallReducerRequest) (schema.CallReducerResponse, error) {
	if req.Reducer == "" {
		return schema.CallReducerResponse{}, fmt.Errorf("%w: missing reducer name", schema.ErrInvalidRequest)
	}
	if req.Caller == "" {
		return schema.CallReducerResponse{}, fmt.Errorf("%w: missing caller identity", schema.ErrInvalidRequest)
	}
	if len(req.Args) > s.cfg.MaxReducerArgBytes {
		return schema.CallReducerResponse{}, fmt.Errorf("%w: args exceed %d bytes", schema.ErrInvalidRequest, s.cfg.MaxReducerArgBytes)
	}
	db, err := s.database(req.Database)
	if err != nil {
		return schema.CallReducerResponse{}, err
	}
	log := logx.WithDatabaseIdentity(ctx, db.name, req.Caller)

	db.mu.Lock()
	defer db.mu.Unlock()
	commit, err := s.runReducerLocked(log, db, req.Reducer, req.Caller, req.Args)
	if err != nil {
		return schema.CallReducerResponse{}, err
	}
	return schema.CallReducerResponse{Commit: commit}, nil
}

// runReducerLocked executes a reducer transaction against db. Callers hold
// db.mu. A reducer error yields a failed commit and a nil error; only append
// failures and unknown reducers return errors.
func (s *service) runReducerLocked(log pslog.Logger, db *database, reducer schema.ReducerName, caller schema.Identity, args json.RawMessage) (schema.Commit, error) {
	impl, ok := db.def.Reducers[reducer]
	if !ok {
		return schema.Commit{}, fmt.Errorf("%w: %s", schema.ErrReducerNotFound, reducer)
	}
	txn := newTx(db)
	rctx := relaymod.NewCtx(txn, caller, s.now().UTC(), logx.WithReducer(log, reducer))
	if err := impl(rctx, args); err != nil {
		log.Warn("reducer failed", "reducer", reducer, "reason", err)
		return schema.Commit{
			Database:  db.name,
			Reducer:   reducer,
			Caller:    caller,
			Status:    schema.CommitFailed,
			Message:   err.Error(),
			Timestamp: rctx.Timestamp(),
		}, nil
	}
	commit := schema.Commit{
		Database:  db.name,
		Seq:       db.seq + 1,
		Reducer:   reducer,
		Caller:    caller,
		Status:    schema.CommitCommitted,
		Deltas:    txn.deltas,
		Timestamp: rctx.Timestamp(),
	}
	if s.commits != nil {
		if err := s.commits.Append(commit); err != nil {
			return schema.Commit{}, fmt.Errorf("append commit: %w", err)
		}
	}
	txn.apply()
	db.seq = commit.Seq
	s.maybeSnapshotLocked(log, db)
	s.sink.OnEvent(schema.Event{Type: schema.EventCommit, Database: db.name, Commit: commit})
	log.Debug("reducer committed", "reducer", reducer, "seq", commit.Seq, "deltas", len(commit.Deltas))
	return commit, nil
}

// maybeSnapshotLocked saves a snapshot every cfg.SnapshotEvery commits so
// restarts replay a bounded tail of the log. Callers hold db.mu.
func (s *service) maybeSnapshotLocked(log pslog.Logger, db *database) {
	if s.states == nil || s.cfg.SnapshotEvery <= 0 {
		return
	}
	if db.seq%schema.CommitSeq(s.cfg.SnapshotEvery) != 0 {
		return
	}
	if err := s.states.Save(db.stateLocked()); err != nil {
		log.Warn("database snapshot failed", "seq", db.seq, "reason", err)
		return
	}
	log.Trace("database snapshot saved", "seq", db.seq)
}

func (s *service) Snapshot(ctx context.Context, req schema.SnapshotRequest) (schema.SnapshotResponse, error) {
	db, err := s.database(req.Database)
	if err != nil {
		return schema.SnapshotResponse{}, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return schema.SnapshotResponse{Snapshot: db.snapshotLocked()}, nil
}

func (s *service) Commits(ctx context.Context, req schema.CommitsRequest) (schema.CommitsResponse, error) {
	db, err := s.database(req.Database)
	if err != nil {
		return schema.CommitsResponse{}, err
	}
	if s.commits == nil {
		return schema.CommitsResponse{}, nil
	}
	commits, err := s.commits.After(db.name, req.After)
	if err != nil {
		return schema.CommitsResponse{}, fmt.Errorf("read commits: %w", err)
	}
	return schema.CommitsResponse{Commits: commits}, nil
}

func (s *service) ListDatabases(ctx context.Context, req schema.ListDatabasesRequest) (schema.ListDatabasesResponse, error) {
	s.mu.RLock()
	dbs := make([]*database, 0, len(s.dbs))
	for _, db := range s.dbs {
		dbs = append(dbs, db)
	}
	s.mu.RUnlock()

	infos := make([]schema.DatabaseInfo, 0, len(dbs))
	for _, db := range dbs {
		db.mu.Lock()
		infos = append(infos, db.infoLocked())
		db.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return schema.ListDatabasesResponse{Databases: infos}, nil
}

func (s *service) GetDatabase(ctx context.Context, req schema.GetDatabaseRequest) (schema.GetDatabaseResponse, error) {
	db, err := s.database(req.Name)
	if err != nil {
		return schema.GetDatabaseResponse{}, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return schema.GetDatabaseResponse{Database: db.infoLocked()}, nil
}
