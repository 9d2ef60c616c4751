package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"pkt.systems/shellrelay/chatmod"
	"pkt.systems/shellrelay/core"
	"pkt.systems/shellrelay/internal/identity"
	"pkt.systems/shellrelay/relaymod"
	"pkt.systems/shellrelay/schema"
)

type fakeAuth struct{}

func (fakeAuth) Authenticate(username, password, totp string) error {
	if username == "alice" && password == "sesame" && totp == "123456" {
		return nil
	}
	return errors.New("invalid credentials")
}

type testServer struct {
	ts      *httptest.Server
	issuer  *identity.Issuer
	service core.Service
	hub     *Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	registry := relaymod.NewRegistry()
	if err := registry.Register(chatmod.Definition()); err != nil {
		t.Fatalf("register chat module: %v", err)
	}
	hub := NewHub(100)
	svc, err := core.NewService(schema.ServiceConfig{DataDir: t.TempDir()}, core.ServiceDeps{
		Registry:  registry,
		EventSink: hub,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	issuer, err := identity.NewIssuer(key, schema.IdentityConfig{Issuer: "relay-test", TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	server := NewServer(Config{HubHistory: 100}, svc, fakeAuth{}, issuer, hub)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, issuer: issuer, service: svc, hub: hub}
}

func (env *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, env.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func readJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (env *testServer) clientIdentity(t *testing.T) (schema.Identity, string) {
	t.Helper()
	resp := env.do(t, http.MethodPost, "/api/identity", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("identity status %d", resp.StatusCode)
	}
	var payload struct {
		Identity schema.Identity `json:"identity"`
		Token    string          `json:"token"`
	}
	readJSON(t, resp, &payload)
	return payload.Identity, payload.Token
}

func (env *testServer) operatorToken(t *testing.T) string {
	t.Helper()
	resp := env.do(t, http.MethodPost, "/api/login", "", map[string]any{
		"username": "alice",
		"password": "sesame",
		"totp":     "123456",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	var payload struct {
		Token string `json:"token"`
	}
	readJSON(t, resp, &payload)
	return payload.Token
}

func publishBody(name string, module schema.ModuleDef, breakClients bool, deleteData string) map[string]any {
	return map[string]any{
		"name":          name,
		"module":        module,
		"break_clients": breakClients,
		"delete_data":   deleteData,
	}
}

func (env *testServer) publish(t *testing.T, token, name string) schema.PublishResponse {
	t.Helper()
	resp := env.do(t, http.MethodPost, "/api/publish", token, publishBody(name, chatmod.ModuleDef(), false, ""))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d", resp.StatusCode)
	}
	var out schema.PublishResponse
	readJSON(t, resp, &out)
	return out
}

func TestIdentityEndpointMintsClientToken(t *testing.T) {
	env := newTestServer(t)
	id, token := env.clientIdentity(t)
	if len(id) != 32 {
		t.Fatalf("expected 32 hex chars, got %q", id)
	}
	gotID, role, err := env.issuer.Verify(token)
	if err != nil {
		t.Fatalf("verify minted token: %v", err)
	}
	if gotID != id || role != schema.RoleClient {
		t.Fatalf("unexpected claims: identity %s role %s", gotID, role)
	}
}

func TestLoginIssuesStableOperatorToken(t *testing.T) {
	env := newTestServer(t)

	token := env.operatorToken(t)
	id, role, err := env.issuer.Verify(token)
	if err != nil {
		t.Fatalf("verify operator token: %v", err)
	}
	if role != schema.RoleOperator {
		t.Fatalf("expected operator role, got %s", role)
	}
	if again, _, _ := env.issuer.Verify(env.operatorToken(t)); again != id {
		t.Fatalf("operator identity changed across logins: %s vs %s", id, again)
	}

	resp := env.do(t, http.MethodPost, "/api/login", "", map[string]any{
		"username": "alice",
		"password": "wrong",
		"totp":     "123456",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad credentials, got %d", resp.StatusCode)
	}
}

func TestPublishRequiresOperatorToken(t *testing.T) {
	env := newTestServer(t)
	body := publishBody("shell-relay-test", chatmod.ModuleDef(), false, "")

	resp := env.do(t, http.MethodPost, "/api/publish", "", body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	_, clientTok := env.clientIdentity(t)
	resp = env.do(t, http.MethodPost, "/api/publish", clientTok, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for client token, got %d", resp.StatusCode)
	}

	out := env.publish(t, env.operatorToken(t), "shell-relay-test")
	if out.Outcome != schema.PublishCreated {
		t.Fatalf("expected created outcome, got %s", out.Outcome)
	}
	if out.Database.Name != "shell-relay-test" {
		t.Fatalf("unexpected database info: %+v", out.Database)
	}
}

func TestPublishRejectsInvalidName(t *testing.T) {
	env := newTestServer(t)
	resp := env.do(t, http.MethodPost, "/api/publish", env.operatorToken(t),
		publishBody("Shell_Relay", chatmod.ModuleDef(), false, ""))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid name, got %d", resp.StatusCode)
	}
}

func dropUsersNameColumn(def schema.ModuleDef) schema.ModuleDef {
	tables := make([]schema.TableDef, 0, len(def.Tables))
	for _, table := range def.Tables {
		if table.Name == chatmod.TableUsers {
			cols := make([]schema.ColumnDef, 0, len(table.Columns))
			for _, col := range table.Columns {
				if col.Name != "name" {
					cols = append(cols, col)
				}
			}
			table.Columns = cols
		}
		tables = append(tables, table)
	}
	def.Tables = tables
	def.Version = "2.0.0"
	return def
}

func dropMessagesTable(def schema.ModuleDef) schema.ModuleDef {
	tables := make([]schema.TableDef, 0, len(def.Tables))
	for _, table := range def.Tables {
		if table.Name != chatmod.TableMessages {
			tables = append(tables, table)
		}
	}
	def.Tables = tables
	def.Version = "2.0.0"
	return def
}

func TestPublishBreakingChangeMatrix(t *testing.T) {
	env := newTestServer(t)
	operator := env.operatorToken(t)
	env.publish(t, operator, "shell-relay-test")

	// Removing a column breaks clients but leaves stored rows valid.
	breaking := dropUsersNameColumn(chatmod.ModuleDef())
	resp := env.do(t, http.MethodPost, "/api/publish", operator,
		publishBody("shell-relay-test", breaking, false, ""))
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 without break_clients, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/publish", operator,
		publishBody("shell-relay-test", breaking, true, ""))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with break_clients, got %d", resp.StatusCode)
	}
	var out schema.PublishResponse
	readJSON(t, resp, &out)
	if out.Outcome != schema.PublishReplaced || out.DataCleared {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestPublishConflictRequiresDeleteData(t *testing.T) {
	env := newTestServer(t)
	operator := env.operatorToken(t)
	env.publish(t, operator, "shell-relay-test")

	// Dropping a table invalidates stored rows.
	conflicting := dropMessagesTable(chatmod.ModuleDef())
	resp := env.do(t, http.MethodPost, "/api/publish", operator,
		publishBody("shell-relay-test", conflicting, true, ""))
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 without delete_data, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/publish", operator,
		publishBody("shell-relay-test", conflicting, true, "on-conflict"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with delete_data=on-conflict, got %d", resp.StatusCode)
	}
	var out schema.PublishResponse
	readJSON(t, resp, &out)
	if !out.DataCleared {
		t.Fatalf("expected cleared data, got %+v", out)
	}

	resp = env.do(t, http.MethodPost, "/api/publish", operator,
		publishBody("shell-relay-test", chatmod.ModuleDef(), true, "bananas"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown delete_data policy, got %d", resp.StatusCode)
	}
}

func TestCallReducerEndpoint(t *testing.T) {
	env := newTestServer(t)
	operator := env.operatorToken(t)
	env.publish(t, operator, "shell-relay-test")
	id, clientTok := env.clientIdentity(t)

	if _, err := env.service.Connect(context.Background(), schema.ConnectRequest{
		Database: "shell-relay-test",
		Identity: id,
		ConnID:   "conn-http",
	}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	resp := env.do(t, http.MethodPost, "/api/database/shell-relay-test/call/send_message", clientTok,
		chatmod.SendMessageArgs{Text: "hello relay"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("call status %d", resp.StatusCode)
	}
	var out schema.CallReducerResponse
	readJSON(t, resp, &out)
	if out.Commit.Status != schema.CommitCommitted || out.Commit.Seq != 2 {
		t.Fatalf("unexpected commit: %+v", out.Commit)
	}

	resp = env.do(t, http.MethodPost, "/api/database/ghost-db/call/send_message", clientTok,
		chatmod.SendMessageArgs{Text: "hi"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown database, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/database/shell-relay-test/call/warp_ten", clientTok, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown reducer, got %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/database/shell-relay-test/call/send_message",
		strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+clientTok)
	raw, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed args, got %d", raw.StatusCode)
	}
}

func TestDatabasesListGetDelete(t *testing.T) {
	env := newTestServer(t)
	operator := env.operatorToken(t)
	env.publish(t, operator, "shell-relay-test")
	env.publish(t, operator, "arena")
	_, clientTok := env.clientIdentity(t)

	resp := env.do(t, http.MethodGet, "/api/databases", clientTok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", resp.StatusCode)
	}
	var list schema.ListDatabasesResponse
	readJSON(t, resp, &list)
	if len(list.Databases) != 2 || list.Databases[0].Name != "arena" {
		t.Fatalf("unexpected listing: %+v", list.Databases)
	}

	resp = env.do(t, http.MethodGet, "/api/database/arena", clientTok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", resp.StatusCode)
	}
	var info schema.GetDatabaseResponse
	readJSON(t, resp, &info)
	if info.Database.Name != "arena" || info.Database.Module != chatmod.Name {
		t.Fatalf("unexpected info: %+v", info.Database)
	}

	resp = env.do(t, http.MethodDelete, "/api/database/arena", clientTok, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for client delete, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodDelete, "/api/database/arena", operator, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/api/database/arena", clientTok, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestTokenQueryParamAccepted(t *testing.T) {
	env := newTestServer(t)
	_, clientTok := env.clientIdentity(t)

	resp, err := env.ts.Client().Get(env.ts.URL + "/api/databases?token=" + url.QueryEscape(clientTok))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token query param, got %d", resp.StatusCode)
	}

	resp, err = env.ts.Client().Get(env.ts.URL + "/api/databases")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
}

func readSSE(t *testing.T, reader *bufio.Reader) StreamEvent {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data: ") {
			var event StreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				t.Fatalf("decode stream event: %v", err)
			}
			return event
		}
	}
}

func TestEventsStreamDeliversSnapshotAndUpdates(t *testing.T) {
	env := newTestServer(t)
	operator := env.operatorToken(t)
	env.publish(t, operator, "shell-relay-test")
	_, clientTok := env.clientIdentity(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		env.ts.URL+"/api/database/shell-relay-test/events?token="+url.QueryEscape(clientTok), nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", resp.StatusCode)
	}
	reader := bufio.NewReader(resp.Body)

	first := readSSE(t, reader)
	if first.Type != "initial_subscription" || first.Snapshot == nil {
		t.Fatalf("expected initial subscription, got %+v", first)
	}
	if first.Snapshot.Seq != 0 {
		t.Fatalf("expected fresh snapshot seq 0, got %d", first.Snapshot.Seq)
	}

	if _, err := env.service.Connect(context.Background(), schema.ConnectRequest{
		Database: "shell-relay-test",
		Identity: "a1b2c3d4e5f6",
		ConnID:   "conn-sse",
	}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	second := readSSE(t, reader)
	if second.Type != "transaction_update" || second.Commit == nil || second.Commit.Seq != 1 {
		t.Fatalf("expected connect commit, got %+v", second)
	}
	if second.Commit.Reducer != "identity_connected" {
		t.Fatalf("unexpected reducer: %s", second.Commit.Reducer)
	}
	if second.Seq == 0 {
		t.Fatalf("expected a stream seq, got %+v", second)
	}

	if _, err := env.service.CallReducer(context.Background(), schema.CallReducerRequest{
		Database: "shell-relay-test",
		Reducer:  "send_message",
		Caller:   "a1b2c3d4e5f6",
		Args:     json.RawMessage(`{"text":"hello relay"}`),
	}); err != nil {
		t.Fatalf("call reducer: %v", err)
	}
	third := readSSE(t, reader)
	if third.Type != "transaction_update" || third.Commit.Seq != 2 {
		t.Fatalf("expected message commit, got %+v", third)
	}
}

func TestEventsStreamRejectsUnknownDatabase(t *testing.T) {
	env := newTestServer(t)
	_, clientTok := env.clientIdentity(t)

	resp := env.do(t, http.MethodGet, "/api/database/ghost-db/events", clientTok, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown database, got %d", resp.StatusCode)
	}
}
