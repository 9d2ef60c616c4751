// Package client is the Go adapter for relay databases. Connect subscribes to
// one database over WebSocket, mirrors its tables in a local cache, and lets
// the caller invoke reducers and react to committed row changes.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pkt.systems/pslog"
	"pkt.systems/shellrelay/internal/logx"
	"pkt.systems/shellrelay/schema"
)

const (
	// Time allowed to complete the WebSocket handshake and its first reads.
	handshakeTimeout = 10 * time.Second

	// Time allowed to write a message to the relay.
	writeWait = 10 * time.Second
)

var (
	// ErrReducerFailed marks a reducer that ran and rejected the call. The
	// returned commit carries the reducer's message.
	ErrReducerFailed = errors.New("reducer failed")

	// ErrKicked reports that the relay disconnected every subscriber, usually
	// after a breaking publish or a database delete.
	ErrKicked = errors.New("kicked")

	// ErrOutOfSync reports a gap in the commit stream. The local cache can no
	// longer be trusted; reconnect to resubscribe from a fresh snapshot.
	ErrOutOfSync = errors.New("commit stream out of sync")

	// ErrClosed reports a connection closed by Close.
	ErrClosed = errors.New("connection closed")
)

// Message types on the subscribe socket. The relay speaks identity_token,
// initial_subscription, then a live stream; call is the only message the
// adapter sends.
const (
	msgIdentityToken       = "identity_token"
	msgInitialSubscription = "initial_subscription"
	msgTransactionUpdate   = "transaction_update"
	msgKick                = "kick"
	msgCallResult          = "call_result"
	msgErrorType           = "error"
	msgCall                = "call"
)

type serverMessage struct {
	Type      string                   `json:"type"`
	Identity  schema.Identity          `json:"identity,omitempty"`
	Token     string                   `json:"token,omitempty"`
	Database  schema.DatabaseName      `json:"database,omitempty"`
	Seq       uint64                   `json:"seq,omitempty"`
	CallID    string                   `json:"call_id,omitempty"`
	Commit    *schema.Commit           `json:"commit,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
	Snapshot  *schema.DatabaseSnapshot `json:"snapshot,omitempty"`
	Error     string                   `json:"error,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

type clientMessage struct {
	Type    string             `json:"type"`
	CallID  string             `json:"call_id,omitempty"`
	Reducer schema.ReducerName `json:"reducer,omitempty"`
	Args    json.RawMessage    `json:"args,omitempty"`
}

// Conn is one live subscription to a relay database. All methods are safe for
// concurrent use. Callbacks run one at a time in commit order on a dispatch
// goroutine, after the cache reflects their commit; a callback may block or
// invoke reducers, it only delays later callbacks, never message routing.
type Conn struct {
	db       schema.DatabaseName
	identity schema.Identity

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	cache    *cache
	seq      schema.CommitSeq
	calls    map[string]chan serverMessage
	onInsert map[schema.TableName][]func(schema.RowDelta)
	onUpdate map[schema.TableName][]func(schema.RowDelta)
	onDelete map[schema.TableName][]func(schema.RowDelta)
	onKick   []func(string)
	err      error

	dispatch  *dispatcher
	done      chan struct{}
	closeOnce sync.Once
	log       pslog.Logger
}

// Connect subscribes to db on the relay at serverURL and returns once the
// initial snapshot is applied. The token authenticates the subscription; an
// anonymous identity token from /api/identity is enough.
func Connect(ctx context.Context, serverURL, token string, db schema.DatabaseName) (*Conn, error) {
	name, err := schema.NormalizeDatabaseName(string(db))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, string(db))
	}
	wsURL, err := subscribeURL(serverURL, name)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, rejectError(resp)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	c := &Conn{
		db:       name,
		ws:       ws,
		calls:    make(map[string]chan serverMessage),
		onInsert: make(map[schema.TableName][]func(schema.RowDelta)),
		onUpdate: make(map[schema.TableName][]func(schema.RowDelta)),
		onDelete: make(map[schema.TableName][]func(schema.RowDelta)),
		done:     make(chan struct{}),
		log:      logx.WithDatabase(ctx, name),
	}

	hello, err := c.readHandshake(msgIdentityToken)
	if err != nil {
		ws.Close()
		return nil, err
	}
	c.identity = hello.Identity
	c.log = logx.WithDatabaseIdentity(ctx, name, hello.Identity)

	initial, err := c.readHandshake(msgInitialSubscription)
	if err != nil {
		ws.Close()
		return nil, err
	}
	if initial.Snapshot == nil {
		ws.Close()
		return nil, errors.New("initial subscription without snapshot")
	}
	c.cache = newCache(*initial.Snapshot)
	c.seq = initial.Snapshot.Seq
	_ = ws.SetReadDeadline(time.Time{})

	c.dispatch = newDispatcher()
	go c.readLoop()
	c.log.Info("subscribed", "seq", c.seq, "tables", len(initial.Snapshot.Tables))
	return c, nil
}

func subscribeURL(serverURL string, db schema.DatabaseName) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("server url %q: unsupported scheme %q", serverURL, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/database/" + string(db) + "/subscribe"
	return u.String(), nil
}

// rejectError turns a failed handshake response into the matching sentinel so
// callers can branch on unauthorized vs missing database.
func rejectError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload)
	msg := payload.Error
	if msg == "" {
		msg = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", schema.ErrUnauthorized, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", schema.ErrForbidden, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", schema.ErrDatabaseNotFound, msg)
	default:
		return fmt.Errorf("subscribe rejected: %s", msg)
	}
}

func (c *Conn) readHandshake(want string) (serverMessage, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return serverMessage{}, fmt.Errorf("handshake read: %w", err)
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return serverMessage{}, fmt.Errorf("handshake decode: %w", err)
	}
	if msg.Type != want {
		return serverMessage{}, fmt.Errorf("handshake: expected %s, got %s", want, msg.Type)
	}
	return msg, nil
}

// Identity returns the identity the relay bound this connection to.
func (c *Conn) Identity() schema.Identity { return c.identity }

// Database returns the subscribed database name.
func (c *Conn) Database() schema.DatabaseName { return c.db }

// Seq returns the commit seq the local cache reflects.
func (c *Conn) Seq() schema.CommitSeq {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Table returns a copy of the cached rows of one table in unspecified order.
// Module packages provide typed, sorted views over these rows.
func (c *Conn) Table(name schema.TableName) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.rows(name)
}

// Done is closed when the connection ends for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, or nil while it is live.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// OnConnect reports the assigned identity. Connect returns an established
// connection, so fn runs before OnConnect returns; the hook exists so callers
// can register their whole callback set in one place.
func (c *Conn) OnConnect(fn func(identity schema.Identity)) {
	fn(c.identity)
}

// OnInsert registers fn for committed inserts into table.
func (c *Conn) OnInsert(table schema.TableName, fn func(schema.RowDelta)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInsert[table] = append(c.onInsert[table], fn)
}

// OnUpdate registers fn for committed updates of rows in table.
func (c *Conn) OnUpdate(table schema.TableName, fn func(schema.RowDelta)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate[table] = append(c.onUpdate[table], fn)
}

// OnDelete registers fn for committed deletes from table.
func (c *Conn) OnDelete(table schema.TableName, fn func(schema.RowDelta)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDelete[table] = append(c.onDelete[table], fn)
}

// OnKick registers fn for the relay's kick notice. After the callbacks return
// the connection closes and Err reports ErrKicked.
func (c *Conn) OnKick(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onKick = append(c.onKick, fn)
}

// CallReducer invokes a reducer and waits for its commit. A reducer that ran
// and rejected the call returns the failed commit and ErrReducerFailed; the
// cache only changes when the broadcast update arrives, never here.
func (c *Conn) CallReducer(ctx context.Context, reducer schema.ReducerName, args any) (schema.Commit, error) {
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return schema.Commit{}, fmt.Errorf("marshal args: %w", err)
		}
		raw = data
	}

	id := uuid.NewString()
	ch := make(chan serverMessage, 1)
	c.mu.Lock()
	c.calls[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.calls, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(clientMessage{Type: msgCall, CallID: id, Reducer: reducer, Args: raw})
	if err != nil {
		return schema.Commit{}, fmt.Errorf("marshal call: %w", err)
	}
	if err := c.write(websocket.TextMessage, data); err != nil {
		return schema.Commit{}, fmt.Errorf("send call: %w", err)
	}

	select {
	case <-ctx.Done():
		return schema.Commit{}, ctx.Err()
	case <-c.done:
		return schema.Commit{}, c.Err()
	case msg := <-ch:
		if msg.Type == msgErrorType {
			return schema.Commit{}, fmt.Errorf("call %s: %s", reducer, msg.Error)
		}
		if msg.Commit == nil {
			return schema.Commit{}, fmt.Errorf("call %s: result without commit", reducer)
		}
		commit := *msg.Commit
		if commit.Status == schema.CommitFailed {
			return commit, fmt.Errorf("%w: %s", ErrReducerFailed, commit.Message)
		}
		return commit, nil
	}
}

// Close ends the subscription. Err reports ErrClosed afterwards.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.closeWithErr(ErrClosed)
	return nil
}

func (c *Conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Conn) closeWithErr(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()
		c.dispatch.close()
		c.log.Debug("connection closed", "reason", err)
	})
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.closeWithErr(fmt.Errorf("read: %w", err))
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("undecodable server message", "reason", err)
			continue
		}
		switch msg.Type {
		case msgTransactionUpdate:
			c.applyCommit(msg)
		case msgKick:
			c.handleKick(msg)
			return
		case msgCallResult, msgErrorType:
			c.routeCall(msg)
		default:
			c.log.Trace("ignoring server message", "type", msg.Type)
		}
	}
}

// applyCommit folds a broadcast commit into the cache and fires the table
// callbacks. Commits at or below the cache seq already arrived via the
// snapshot; a gap above seq+1 means the relay dropped events for us and the
// cache is unrecoverable without a resubscribe.
func (c *Conn) applyCommit(msg serverMessage) {
	if msg.Commit == nil || msg.Commit.Status != schema.CommitCommitted {
		return
	}
	commit := *msg.Commit

	c.mu.Lock()
	if commit.Seq <= c.seq {
		c.mu.Unlock()
		return
	}
	if commit.Seq != c.seq+1 {
		have := c.seq
		c.mu.Unlock()
		c.closeWithErr(fmt.Errorf("%w: commit %d after %d", ErrOutOfSync, commit.Seq, have))
		return
	}
	if commit.Reducer == schema.ReducerClear {
		c.cache.clear()
	} else {
		for _, delta := range commit.Deltas {
			if !c.cache.apply(delta) {
				c.log.Warn("delta for unknown row", "table", delta.Table, "op", delta.Op, "key", delta.Key)
			}
		}
	}
	c.seq = commit.Seq
	fns := c.callbacksLocked(commit)
	c.mu.Unlock()

	c.dispatch.push(fns...)
}

// callbacksLocked binds the registered callbacks to the commit's deltas in
// delta order. Callers hold c.mu; the callbacks run on the dispatcher without
// it, so they can read tables and invoke reducers.
func (c *Conn) callbacksLocked(commit schema.Commit) []func() {
	var fns []func()
	for _, delta := range commit.Deltas {
		var regs []func(schema.RowDelta)
		switch delta.Op {
		case schema.DeltaInsert:
			regs = c.onInsert[delta.Table]
		case schema.DeltaUpdate:
			regs = c.onUpdate[delta.Table]
		case schema.DeltaDelete:
			regs = c.onDelete[delta.Table]
		}
		for _, reg := range regs {
			fns = append(fns, func() { reg(delta) })
		}
	}
	return fns
}

// handleKick queues the kick callbacks behind any pending table callbacks and
// closes the connection after they ran, so Done observers see the callbacks
// complete first.
func (c *Conn) handleKick(msg serverMessage) {
	c.mu.Lock()
	fns := append(([]func(string))(nil), c.onKick...)
	c.mu.Unlock()
	c.log.Info("kicked", "reason", msg.Reason)
	c.dispatch.push(func() {
		for _, fn := range fns {
			fn(msg.Reason)
		}
		c.closeWithErr(fmt.Errorf("%w: %s", ErrKicked, msg.Reason))
	})
}

func (c *Conn) routeCall(msg serverMessage) {
	if msg.CallID == "" {
		c.log.Warn("server error", "reason", msg.Error)
		return
	}
	c.mu.Lock()
	ch, ok := c.calls[msg.CallID]
	if ok {
		delete(c.calls, msg.CallID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Warn("call result without caller", "call_id", msg.CallID)
		return
	}
	ch <- msg
}
