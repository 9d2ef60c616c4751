package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"pkt.systems/shellrelay/chatmod"
	"pkt.systems/shellrelay/core"
	"pkt.systems/shellrelay/httpapi"
	"pkt.systems/shellrelay/internal/appconfig"
	"pkt.systems/shellrelay/internal/auth"
	"pkt.systems/shellrelay/internal/command"
	"pkt.systems/shellrelay/internal/eventbus"
	"pkt.systems/shellrelay/internal/identity"
	"pkt.systems/shellrelay/internal/signingkey"
	"pkt.systems/shellrelay/relaymod"
	"pkt.systems/shellrelay/schema"
)

// testDatabase is published for every test relay before any surface starts.
const testDatabase = schema.DatabaseName("relay-room")

// fanoutSink mirrors the compositor's event wiring: every committed event
// reaches both the WebSocket hub and the SSH event bus.
type fanoutSink struct {
	sinks []core.EventSink
}

func (f fanoutSink) OnEvent(event schema.Event) {
	for _, sink := range f.sinks {
		sink.OnEvent(event)
	}
}

type testRelay struct {
	service   core.Service
	handler   *command.Handler
	authStore *auth.Store
	hub       *httpapi.Hub
	bus       *eventbus.Bus
	issuer    *identity.Issuer
	httpSrv   *httptest.Server
	user      string
	password  string
	totp      string
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	registry := relaymod.NewRegistry()
	if err := registry.Register(chatmod.Definition()); err != nil {
		t.Fatalf("register module: %v", err)
	}

	password := "test-password"
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		t.Fatal(err)
	}
	secret, err := totp.Generate(totp.GenerateOpts{Issuer: "shellrelay", AccountName: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	seed := appconfig.SeedUser{
		Username:     "tester",
		PasswordHash: string(hash),
		TOTPSecret:   secret.Secret(),
	}
	authStore, err := auth.NewStoreWithLogger(filepath.Join(t.TempDir(), "users.json"), []appconfig.SeedUser{seed}, nil)
	if err != nil {
		t.Fatal(err)
	}

	hub := httpapi.NewHub(1000)
	bus := eventbus.New(nil)
	service, err := core.NewService(schema.ServiceConfig{DataDir: t.TempDir()}, core.ServiceDeps{
		Registry:  registry,
		EventSink: fanoutSink{sinks: []core.EventSink{hub, bus}},
	})
	if err != nil {
		t.Fatal(err)
	}

	keys, err := signingkey.NewStoreWithLogger(
		filepath.Join(t.TempDir(), "keys.bundle"),
		filepath.Join(t.TempDir(), "keys"),
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}
	signKey, err := keys.EnsureKey()
	if err != nil {
		t.Fatal(err)
	}
	issuer, err := identity.NewIssuer(signKey, schema.IdentityConfig{Issuer: "shellrelay-test", TokenTTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	handler := command.NewHandler(service, command.HandlerConfig{LoginPubKeyStore: authStore})

	srv := httpapi.NewServer(httpapi.Config{HubHistory: 1000}, service, authStore, issuer, hub)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	relay := &testRelay{
		service:   service,
		handler:   handler,
		authStore: authStore,
		hub:       hub,
		bus:       bus,
		issuer:    issuer,
		httpSrv:   ts,
		user:      seed.Username,
		password:  password,
		totp:      seed.TOTPSecret,
	}
	relay.publish(t, testDatabase)
	return relay
}

func (ts *testRelay) publish(t *testing.T, name schema.DatabaseName) {
	t.Helper()
	if _, err := ts.service.Publish(context.Background(), schema.PublishRequest{
		Name:   name,
		Module: chatmod.ModuleDef(),
		Owner:  ts.issuer.IdentityForUser("server"),
	}); err != nil {
		t.Fatalf("publish %s: %v", name, err)
	}
}

// login authenticates the seeded operator over the real HTTP surface and
// returns the bearer token.
func (ts *testRelay) login(t *testing.T) string {
	t.Helper()
	var result struct {
		Username string `json:"username"`
		Token    string `json:"token"`
	}
	resp := postJSON(t, ts.httpSrv.URL+"/api/login", "", map[string]string{
		"username": ts.user,
		"password": ts.password,
		"totp":     currentTOTP(t, ts.totp),
	})
	readJSON(t, resp, &result)
	if result.Token == "" {
		t.Fatal("login returned no token")
	}
	return result.Token
}

// clientToken mints an anonymous client identity over the HTTP surface.
func (ts *testRelay) clientToken(t *testing.T) (schema.Identity, string) {
	t.Helper()
	var result struct {
		Identity schema.Identity `json:"identity"`
		Token    string          `json:"token"`
	}
	resp := postJSON(t, ts.httpSrv.URL+"/api/identity", "", nil)
	readJSON(t, resp, &result)
	if result.Token == "" {
		t.Fatal("identity endpoint returned no token")
	}
	return result.Identity, result.Token
}

func postJSON(t *testing.T, url, token string, payload any) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		t.Fatal(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func getJSON(t *testing.T, url, token string, target any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readJSON(t, resp, target)
}

func readJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode >= 300 {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatal(err)
	}
}

func requireLong(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

func currentTOTP(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	return code
}
