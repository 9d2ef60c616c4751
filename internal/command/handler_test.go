package command

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"pkt.systems/shellrelay/chatmod"
	"pkt.systems/shellrelay/schema"
)

func TestHandlePassesThroughPlainText(t *testing.T) {
	handler := NewHandler(&fakeService{}, HandlerConfig{})
	reply, handled, err := handler.Handle(context.Background(), Request{
		Database: "shell-relay-test",
		Caller:   "a1b2c3",
		Input:    "hello everyone",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if handled {
		t.Fatalf("expected plain text to pass through")
	}
	if len(reply.Lines) != 0 {
		t.Fatalf("unexpected reply lines: %+v", reply.Lines)
	}
}

func TestHandleEmptyCommandRejected(t *testing.T) {
	handler := NewHandler(&fakeService{}, HandlerConfig{})
	_, handled, err := handler.Handle(context.Background(), Request{Input: "/"})
	if !handled {
		t.Fatalf("expected handled command")
	}
	if err == nil || !strings.Contains(err.Error(), "invalid command") {
		t.Fatalf("expected invalid command error, got %v", err)
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	handler := NewHandler(&fakeService{}, HandlerConfig{})
	_, handled, err := handler.Handle(context.Background(), Request{Input: "/bogus now"})
	if !handled {
		t.Fatalf("expected handled command")
	}
	if err == nil || !strings.Contains(err.Error(), "unknown command: /bogus") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestHandleHelpListsCommands(t *testing.T) {
	handler := NewHandler(&fakeService{}, HandlerConfig{})
	reply, handled, err := handler.Handle(context.Background(), Request{Input: "/help"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !handled {
		t.Fatalf("expected handled command")
	}
	if len(reply.Lines) == 0 || reply.Lines[0].Kind != ReplyRule || reply.Lines[0].Text != "Commands" {
		t.Fatalf("expected commands heading, got %+v", reply.Lines)
	}
	var sawName bool
	for _, line := range reply.Lines[1:] {
		if line.Kind != ReplyHelp {
			t.Fatalf("expected help lines after heading, got %+v", line)
		}
		if strings.Contains(line.Text, "/name") {
			sawName = true
		}
	}
	if !sawName {
		t.Fatalf("expected /name entry in help, got %+v", reply.Lines)
	}
}

func TestHandleWhoListsPresence(t *testing.T) {
	handler := NewHandler(&fakeService{}, HandlerConfig{})
	reply, _, err := handler.Handle(context.Background(), Request{
		Database: "shell-relay-test",
		Caller:   "aaaa",
		Input:    "/who",
		Users: []chatmod.User{
			{Identity: "cccc", Name: "zed", Online: false},
			{Identity: "bbbb", Name: "bob", Online: true},
			{Identity: "aaaa", Name: "alice", Online: true},
		},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(reply.Lines) != 5 {
		t.Fatalf("expected heading, 3 users, and a summary, got %+v", reply.Lines)
	}
	if reply.Lines[1].Text != "alice - online (you)" {
		t.Fatalf("expected caller first with marker, got %q", reply.Lines[1].Text)
	}
	if reply.Lines[2].Text != "bob - online" {
		t.Fatalf("unexpected second line: %q", reply.Lines[2].Text)
	}
	if reply.Lines[3].Text != "zed - offline" {
		t.Fatalf("expected offline user last, got %q", reply.Lines[3].Text)
	}
	if reply.Lines[4].Text != "2 online, 3 total" {
		t.Fatalf("unexpected summary: %q", reply.Lines[4].Text)
	}
}

func TestHandleWhoEmpty(t *testing.T) {
	handler := NewHandler(&fakeService{}, HandlerConfig{})
	reply, _, err := handler.Handle(context.Background(), Request{Input: "/who"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(reply.Lines) != 3 || reply.Lines[1].Text != "nobody here yet" {
		t.Fatalf("unexpected reply: %+v", reply.Lines)
	}
}

func TestHandleNameCallsSetNameReducer(t *testing.T) {
	var captured schema.CallReducerRequest
	svc := &fakeService{
		callReducerFn: func(_ context.Context, req schema.CallReducerRequest) (schema.CallReducerResponse, error) {
			captured = req
			return schema.CallReducerResponse{Commit: schema.Commit{
				Seq:    4,
				Status: schema.CommitCommitted,
			}}, nil
		},
	}
	handler := NewHandler(svc, HandlerConfig{})
	reply, handled, err := handler.Handle(context.Background(), Request{
		Database: "shell-relay-test",
		Caller:   "a1b2c3",
		Input:    "/name Grace Hopper",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !handled {
		t.Fatalf("expected handled command")
	}
	if len(reply.Lines) != 0 {
		t.Fatalf("expected no reply lines, rename arrives as an event: %+v", reply.Lines)
	}
	if captured.Database != "shell-relay-test" || captured.Reducer != "set_name" || captured.Caller != "a1b2c3" {
		t.Fatalf("unexpected reducer request: %+v", captured)
	}
	var args chatmod.SetNameArgs
	if err := json.Unmarshal(captured.Args, &args); err != nil {
		t.Fatalf("unmarshal args: %v", err)
	}
	if args.Name != "Grace Hopper" {
		t.Fatalf("expected remainder as name, got %q", args.Name)
	}
}

func TestHandleNameSurfacesFailedCommit(t *testing.T) {
	svc := &fakeService{
		callReducerFn: func(_ context.Context, _ schema.CallReducerRequest) (schema.CallReducerResponse, error) {
			return schema.CallReducerResponse{Commit: schema.Commit{
				Status:  schema.CommitFailed,
				Message: "names must not be empty",
			}}, nil
		},
	}
	handler := NewHandler(svc, HandlerConfig{})
	_, _, err := handler.Handle(context.Background(), Request{Input: "/name x"})
	if err == nil || err.Error() != "names must not be empty" {
		t.Fatalf("expected reducer message as error, got %v", err)
	}
}

func TestHandleNameUsage(t *testing.T) {
	handler := NewHandler(&fakeService{}, HandlerConfig{})
	_, _, err := handler.Handle(context.Background(), Request{Input: "/name"})
	if err == nil || !strings.Contains(err.Error(), "usage: /name") {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestHandleThemeShowsCurrentAndAvailable(t *testing.T) {
	handler := NewHandler(&fakeService{}, HandlerConfig{})
	reply, _, err := handler.Handle(context.Background(), Request{
		Input: "/theme",
		Theme: "nord",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(reply.Lines) != 2 || reply.Lines[0].Text != "theme: nord" {
		t.Fatalf("unexpected reply: %+v", reply.Lines)
	}
	if !strings.Contains(reply.Lines[1].Text, "relay-green") {
		t.Fatalf("expected available themes, got %q", reply.Lines[1].Text)
	}
	if reply.Theme != "" {
		t.Fatalf("listing must not switch theme, got %q", reply.Theme)
	}
}

func TestHandleThemeSetsTheme(t *testing.T) {
	handler := NewHandler(&fakeService{}, HandlerConfig{})
	reply, _, err := handler.Handle(context.Background(), Request{Input: "/theme gruvbox"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.Theme != "gruvbox" {
		t.Fatalf("expected theme switch, got %q", reply.Theme)
	}
	if len(reply.Lines) != 1 || reply.Lines[0].Text != "theme set to gruvbox" {
		t.Fatalf("unexpected reply: %+v", reply.Lines)
	}
}

func TestHandleThemeRejectsUnknown(t *testing.T) {
	handler := NewHandler(&fakeService{}, HandlerConfig{})
	_, _, err := handler.Handle(context.Background(), Request{Input: "/theme plasma"})
	if err == nil || !strings.Contains(err.Error(), "unknown theme") {
		t.Fatalf("expected unknown theme error, got %v", err)
	}
}

func TestHandleLoginPubKeyCommands(t *testing.T) {
	store := &fakePubKeyStore{
		addFn: func(userID schema.UserID, pubKey string) (int, error) {
			if userID != "alice" || pubKey != "ssh-ed25519 AAAA test@host" {
				return 0, errors.New("unexpected add")
			}
			return 2, nil
		},
		listFn: func(userID schema.UserID) ([]string, error) {
			return []string{"ssh-ed25519 AAAA test@host"}, nil
		},
		removeFn: func(userID schema.UserID, index int) error {
			if index != 2 {
				return errors.New("unexpected index")
			}
			return nil
		},
	}
	handler := NewHandler(&fakeService{}, HandlerConfig{LoginPubKeyStore: store})
	req := Request{UserID: "alice"}

	req.Input = "/addloginpubkey ssh-ed25519 AAAA test@host"
	reply, _, err := handler.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(reply.Lines) != 1 || reply.Lines[0].Text != "login pubkey added (id 2)" {
		t.Fatalf("unexpected add reply: %+v", reply.Lines)
	}

	req.Input = "/listloginpubkeys"
	reply, _, err = handler.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reply.Lines) != 2 || reply.Lines[1].Text != "1) ssh-ed25519 AAAA test@host" {
		t.Fatalf("unexpected list reply: %+v", reply.Lines)
	}

	req.Input = "/rmloginpubkey 2"
	reply, _, err = handler.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(reply.Lines) != 1 || reply.Lines[0].Text != "login pubkey removed (id 2)" {
		t.Fatalf("unexpected remove reply: %+v", reply.Lines)
	}

	req.Input = "/rmloginpubkey zero"
	if _, _, err = handler.Handle(context.Background(), req); err == nil {
		t.Fatalf("expected invalid id error")
	}
	req.Input = "/addloginpubkey"
	if _, _, err = handler.Handle(context.Background(), req); err == nil || !strings.Contains(err.Error(), "usage:") {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestHandleLoginPubKeyStoreNotConfigured(t *testing.T) {
	handler := NewHandler(&fakeService{}, HandlerConfig{})
	for _, input := range []string{"/addloginpubkey key", "/listloginpubkeys", "/rmloginpubkey 1"} {
		_, _, err := handler.Handle(context.Background(), Request{Input: input})
		if err == nil || !strings.Contains(err.Error(), "not configured") {
			t.Fatalf("%s: expected not configured error, got %v", input, err)
		}
	}
}

func TestHandleVersionOutput(t *testing.T) {
	handler := NewHandler(&fakeService{}, HandlerConfig{})
	reply, _, err := handler.Handle(context.Background(), Request{Input: "/version"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(reply.Lines) < 4 {
		t.Fatalf("expected about block, got %+v", reply.Lines)
	}
	if reply.Lines[0].Kind != ReplyRule || reply.Lines[0].Text != "About" {
		t.Fatalf("unexpected heading: %+v", reply.Lines[0])
	}
	if reply.Lines[1].Kind != ReplyVersion || reply.Lines[1].Text == "" {
		t.Fatalf("expected version line, got %+v", reply.Lines[1])
	}
	if reply.Lines[2].Kind != ReplyCopyright || reply.Lines[3].Kind != ReplyLink {
		t.Fatalf("unexpected about lines: %+v", reply.Lines)
	}
}

type fakeService struct {
	publishFn        func(context.Context, schema.PublishRequest) (schema.PublishResponse, error)
	deleteDatabaseFn func(context.Context, schema.DeleteDatabaseRequest) (schema.DeleteDatabaseResponse, error)
	listDatabasesFn  func(context.Context, schema.ListDatabasesRequest) (schema.ListDatabasesResponse, error)
	getDatabaseFn    func(context.Context, schema.GetDatabaseRequest) (schema.GetDatabaseResponse, error)
	connectFn        func(context.Context, schema.ConnectRequest) (schema.ConnectResponse, error)
	disconnectFn     func(context.Context, schema.DisconnectRequest) (schema.DisconnectResponse, error)
	callReducerFn    func(context.Context, schema.CallReducerRequest) (schema.CallReducerResponse, error)
	snapshotFn       func(context.Context, schema.SnapshotRequest) (schema.SnapshotResponse, error)
	commitsFn        func(context.Context, schema.CommitsRequest) (schema.CommitsResponse, error)
}

func (f *fakeService) Publish(ctx context.Context, req schema.PublishRequest) (schema.PublishResponse, error) {
	if f.publishFn != nil {
		return f.publishFn(ctx, req)
	}
	return schema.PublishResponse{}, errors.New("unexpected Publish")
}

func (f *fakeService) DeleteDatabase(ctx context.Context, req schema.DeleteDatabaseRequest) (schema.DeleteDatabaseResponse, error) {
	if f.deleteDatabaseFn != nil {
		return f.deleteDatabaseFn(ctx, req)
	}
	return schema.DeleteDatabaseResponse{}, errors.New("unexpected DeleteDatabase")
}

func (f *fakeService) ListDatabases(ctx context.Context, req schema.ListDatabasesRequest) (schema.ListDatabasesResponse, error) {
	if f.listDatabasesFn != nil {
		return f.listDatabasesFn(ctx, req)
	}
	return schema.ListDatabasesResponse{}, errors.New("unexpected ListDatabases")
}

func (f *fakeService) GetDatabase(ctx context.Context, req schema.GetDatabaseRequest) (schema.GetDatabaseResponse, error) {
	if f.getDatabaseFn != nil {
		return f.getDatabaseFn(ctx, req)
	}
	return schema.GetDatabaseResponse{}, errors.New("unexpected GetDatabase")
}

func (f *fakeService) Connect(ctx context.Context, req schema.ConnectRequest) (schema.ConnectResponse, error) {
	if f.connectFn != nil {
		return f.connectFn(ctx, req)
	}
	return schema.ConnectResponse{}, errors.New("unexpected Connect")
}

func (f *fakeService) Disconnect(ctx context.Context, req schema.DisconnectRequest) (schema.DisconnectResponse, error) {
	if f.disconnectFn != nil {
		return f.disconnectFn(ctx, req)
	}
	return schema.DisconnectResponse{}, errors.New("unexpected Disconnect")
}

func (f *fakeService) CallReducer(ctx context.Context, req schema.CallReducerRequest) (schema.CallReducerResponse, error) {
	if f.callReducerFn != nil {
		return f.callReducerFn(ctx, req)
	}
	return schema.CallReducerResponse{}, errors.New("unexpected CallReducer")
}

func (f *fakeService) Snapshot(ctx context.Context, req schema.SnapshotRequest) (schema.SnapshotResponse, error) {
	if f.snapshotFn != nil {
		return f.snapshotFn(ctx, req)
	}
	return schema.SnapshotResponse{}, errors.New("unexpected Snapshot")
}

func (f *fakeService) Commits(ctx context.Context, req schema.CommitsRequest) (schema.CommitsResponse, error) {
	if f.commitsFn != nil {
		return f.commitsFn(ctx, req)
	}
	return schema.CommitsResponse{}, errors.New("unexpected Commits")
}

type fakePubKeyStore struct {
	addFn    func(schema.UserID, string) (int, error)
	listFn   func(schema.UserID) ([]string, error)
	removeFn func(schema.UserID, int) error
}

func (s *fakePubKeyStore) AddLoginPubKey(userID schema.UserID, pubKey string) (int, error) {
	if s.addFn != nil {
		return s.addFn(userID, pubKey)
	}
	return 0, errors.New("unexpected AddLoginPubKey")
}

func (s *fakePubKeyStore) ListLoginPubKeys(userID schema.UserID) ([]string, error) {
	if s.listFn != nil {
		return s.listFn(userID)
	}
	return nil, errors.New("unexpected ListLoginPubKeys")
}

func (s *fakePubKeyStore) RemoveLoginPubKey(userID schema.UserID, index int) error {
	if s.removeFn != nil {
		return s.removeFn(userID, index)
	}
	return errors.New("unexpected RemoveLoginPubKey")
}
