package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pkt.systems/pslog"
	"pkt.systems/shellrelay/internal/logx"
	"pkt.systems/shellrelay/schema"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20
)

// Message types beyond the shared stream events. msgCall is the only
// client-to-server type.
const (
	msgIdentityToken = "identity_token"
	msgCallResult    = "call_result"
	msgError         = "error"
	msgCall          = "call"
)

// wsServerMessage is the server-to-client envelope. Type is identity_token,
// initial_subscription, transaction_update, kick, call_result, or error.
type wsServerMessage struct {
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

// wsClientMessage is the client-to-server envelope. Type is call.
type wsClientMessage struct {
	Type    string             `json:"type"`
	CallID  string             `json:"call_id,omitempty"`
	Reducer schema.ReducerName `json:"reducer,omitempty"`
	Args    json.RawMessage    `json:"args,omitempty"`
}

// wsClient owns one subscribed WebSocket connection.
type wsClient struct {
	server    *Server
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	db        schema.DatabaseName
	identity  schema.Identity
	connID    schema.ConnectionID
	log       pslog.Logger
	closeOnce sync.Once
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, id schema.Identity, name schema.DatabaseName) {
	log := logx.WithDatabaseIdentity(r.Context(), name, id)
	connID := schema.ConnectionID(uuid.NewString())
	// Register the connection before upgrading so a missing database still
	// gets a proper HTTP status instead of a dropped socket.
	if _, err := s.service.Connect(r.Context(), schema.ConnectRequest{
		Database: name,
		Identity: id,
		ConnID:   connID,
	}); err != nil {
		log.Warn("ws connect rejected", "reason", err)
		writeError(w, statusForError(err), err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_, _ = s.service.Disconnect(context.Background(), schema.DisconnectRequest{
			Database: name,
			Identity: id,
			ConnID:   connID,
		})
		log.Warn("ws upgrade failed", "err", err)
		return
	}

	client := &wsClient{
		server:   s,
		conn:     conn,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		db:       name,
		identity: id,
		connID:   connID,
		log:      logx.WithConn(log, connID),
	}
	go client.writePump()

	client.enqueue(wsServerMessage{
		Type:      msgIdentityToken,
		Identity:  id,
		Token:     bearerToken(r),
		Database:  name,
		Timestamp: time.Now(),
	})

	ch, unsubscribe, _, _ := s.hub.Subscribe(name)
	snapResp, err := s.service.Snapshot(r.Context(), schema.SnapshotRequest{Database: name})
	if err != nil {
		client.log.Warn("ws snapshot failed", "err", err)
		unsubscribe()
		client.close()
		return
	}
	snapshot := snapResp.Snapshot
	client.enqueue(wsServerMessage{
		Type:      eventInitialSubscription,
		Database:  name,
		Seq:       uint64(snapshot.Seq),
		Snapshot:  &snapshot,
		Timestamp: time.Now(),
	})
	go client.forwardEvents(ch, unsubscribe)

	client.log.Info("ws subscribed", "snapshot_seq", snapshot.Seq)
	client.readPump(r.Context())
}

// close tears the connection down once: the service forgets the connection,
// writePump sends the close frame and releases the socket.
func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		_, err := c.server.service.Disconnect(context.Background(), schema.DisconnectRequest{
			Database: c.db,
			Identity: c.identity,
			ConnID:   c.connID,
		})
		if err != nil {
			c.log.Debug("ws disconnect skipped", "reason", err)
		}
		close(c.done)
		c.log.Info("ws closed")
	})
}

// enqueue queues a message for writePump, giving up when the connection is
// shutting down or the send buffer stays full.
func (c *wsClient) enqueue(msg wsServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Warn("ws marshal failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

// forwardEvents relays hub events until the subscription or connection ends.
// A kick is delivered and then the connection closes.
func (c *wsClient) forwardEvents(ch <-chan StreamEvent, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			c.enqueue(wsServerMessage{
				Type:      event.Type,
				Database:  event.Database,
				Seq:       event.Seq,
				Commit:    event.Commit,
				Reason:    event.Reason,
				Timestamp: event.Timestamp,
			})
			if event.Type == eventKick {
				c.log.Info("ws kicked", "reason", event.Reason)
				c.close()
				return
			}
		}
	}
}

func (c *wsClient) readPump(ctx context.Context) {
	defer func() {
		c.close()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("ws read failed", "err", err)
			}
			return
		}
		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("ws message malformed", "err", err)
			c.enqueue(wsServerMessage{Type: msgError, Error: "malformed message", Timestamp: time.Now()})
			continue
		}
		switch msg.Type {
		case msgCall:
			c.handleCall(ctx, msg)
		default:
			c.log.Warn("ws message unknown", "type", msg.Type)
			c.enqueue(wsServerMessage{Type: msgError, CallID: msg.CallID, Error: "unknown message type", Timestamp: time.Now()})
		}
	}
}

// handleCall runs a reducer for the connection. The committed transaction
// also arrives through the subscription; call_result is the per-call answer
// and the only way the caller learns about a failed commit.
func (c *wsClient) handleCall(ctx context.Context, msg wsClientMessage) {
	resp, err := c.server.service.CallReducer(ctx, schema.CallReducerRequest{
		Database: c.db,
		Reducer:  msg.Reducer,
		Caller:   c.identity,
		Args:     msg.Args,
	})
	if err != nil {
		c.log.Warn("ws call failed", "reducer", msg.Reducer, "err", err)
		c.enqueue(wsServerMessage{Type: msgError, CallID: msg.CallID, Error: err.Error(), Timestamp: time.Now()})
		return
	}
	commit := resp.Commit
	c.enqueue(wsServerMessage{
		Type:      msgCallResult,
		CallID:    msg.CallID,
		Database:  c.db,
		Commit:    &commit,
		Timestamp: time.Now(),
	})
	c.log.Debug("ws call ok", "reducer", msg.Reducer, "status", commit.Status, "commit_seq", commit.Seq)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// Drain queued messages so a kick reaches the peer before the
			// close frame.
			for {
				select {
				case message := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
