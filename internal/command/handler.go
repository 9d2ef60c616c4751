package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"pkt.systems/shellrelay/chatmod"
	"pkt.systems/shellrelay/core"
	"pkt.systems/shellrelay/internal/logx"
	"pkt.systems/shellrelay/internal/version"
	"pkt.systems/shellrelay/schema"
)

// ReplyKind classifies a reply line so the terminal can style it.
type ReplyKind int

const (
	// ReplyInfo is a plain informational line.
	ReplyInfo ReplyKind = iota
	// ReplyRule is a section heading rendered as a ruled line.
	ReplyRule
	// ReplyHelp is a help entry with inline markdown.
	ReplyHelp
	// ReplyVersion is the module version line of /version output.
	ReplyVersion
	// ReplyCopyright is the copyright line of /version output.
	ReplyCopyright
	// ReplyLink is the project link line of /version output.
	ReplyLink
)

// ReplyLine is one styled line of command output.
type ReplyLine struct {
	Kind ReplyKind
	Text string
}

// Reply is what a session renders after a command runs. A non-empty Theme
// switches the session theme.
type Reply struct {
	Lines []ReplyLine
	Theme schema.ThemeName
}

// Request carries one line of input plus the session state commands read.
type Request struct {
	Database schema.DatabaseName
	UserID   schema.UserID
	Caller   schema.Identity
	Input    string
	Users    []chatmod.User
	Theme    schema.ThemeName
}

// HandlerConfig configures slash command behavior.
type HandlerConfig struct {
	LoginPubKeyStore    LoginPubKeyStore
	DisableAuditLogging bool
}

// LoginPubKeyStore manages SSH login public keys per user.
type LoginPubKeyStore interface {
	AddLoginPubKey(userID schema.UserID, pubKey string) (int, error)
	ListLoginPubKeys(userID schema.UserID) ([]string, error)
	RemoveLoginPubKey(userID schema.UserID, index int) error
}

// Handler routes slash commands to service operations.
type Handler struct {
	service core.Service
	cfg     HandlerConfig
}

// NewHandler constructs a command handler.
func NewHandler(service core.Service, cfg HandlerConfig) *Handler {
	return &Handler{service: service, cfg: cfg}
}

// Handle inspects input and executes slash commands. The bool reports
// whether the input was a command at all; command failures come back as
// errors with an empty Reply.
func (h *Handler) Handle(ctx context.Context, req Request) (Reply, bool, error) {
	if ctx == nil {
		return Reply{}, false, errors.New("missing context")
	}
	cmd, ok := Parse(req.Input)
	if !ok {
		return Reply{}, false, nil
	}
	log := logx.WithDatabaseIdentity(ctx, req.Database, req.Caller).With("user", string(req.UserID))
	if !h.cfg.DisableAuditLogging {
		log.Debug("audit command", "command_type", "slash", "command", strings.TrimSpace(req.Input))
	}
	log = log.With("command", cmd.Name, "args", len(cmd.Args))
	log.Info("command slash request")
	switch cmd.Name {
	case "":
		log.Warn("command slash rejected", "reason", "empty")
		return Reply{}, true, fmt.Errorf("invalid command")
	case "help":
		reply, err := h.handleHelp(ctx, req)
		return reply, true, err
	case "who":
		reply, err := h.handleWho(ctx, req)
		return reply, true, err
	case "name":
		reply, err := h.handleName(ctx, req, cmd)
		return reply, true, err
	case "theme":
		reply, err := h.handleTheme(ctx, req, cmd)
		return reply, true, err
	case "addloginpubkey":
		reply, err := h.handleAddLoginPubKey(ctx, req, cmd)
		return reply, true, err
	case "listloginpubkeys":
		reply, err := h.handleListLoginPubKeys(ctx, req)
		return reply, true, err
	case "rmloginpubkey":
		reply, err := h.handleRemoveLoginPubKey(ctx, req, cmd)
		return reply, true, err
	case "version":
		reply, err := h.handleVersion(ctx, req)
		return reply, true, err
	default:
		log.Warn("command slash rejected", "reason", "unknown")
		return Reply{}, true, fmt.Errorf("unknown command: /%s", cmd.Name)
	}
}

func (h *Handler) handleHelp(ctx context.Context, req Request) (Reply, error) {
	log := logx.WithDatabaseIdentity(ctx, req.Database, req.Caller)
	log.Info("command help completed")
	return Reply{Lines: helpLines()}, nil
}

func (h *Handler) handleWho(ctx context.Context, req Request) (Reply, error) {
	log := logx.WithDatabaseIdentity(ctx, req.Database, req.Caller)
	users := make([]chatmod.User, len(req.Users))
	copy(users, req.Users)
	chatmod.SortUsers(users)
	online := 0
	for _, user := range users {
		if user.Online {
			online++
		}
	}
	lines := []ReplyLine{{Kind: ReplyRule, Text: "Who"}}
	if len(users) == 0 {
		lines = append(lines, ReplyLine{Kind: ReplyInfo, Text: "nobody here yet"})
	}
	for _, user := range users {
		state := "online"
		if !user.Online {
			state = "offline"
		}
		marker := ""
		if user.Identity == req.Caller {
			marker = " (you)"
		}
		lines = append(lines, ReplyLine{
			Kind: ReplyInfo,
			Text: fmt.Sprintf("%s - %s%s", chatmod.DisplayName(user), state, marker),
		})
	}
	lines = append(lines, ReplyLine{
		Kind: ReplyInfo,
		Text: fmt.Sprintf("%d online, %d total", online, len(users)),
	})
	log.Info("command who completed", "online", online, "total", len(users))
	return Reply{Lines: lines}, nil
}

func (h *Handler) handleName(ctx context.Context, req Request, cmd Command) (Reply, error) {
	log := logx.WithDatabaseIdentity(ctx, req.Database, req.Caller)
	name := strings.TrimSpace(cmd.Remainder)
	if name == "" {
		log.Warn("command name rejected", "reason", "missing name")
		return Reply{}, fmt.Errorf("usage: /name <name>")
	}
	args, err := json.Marshal(chatmod.SetNameArgs{Name: name})
	if err != nil {
		return Reply{}, err
	}
	resp, err := h.service.CallReducer(ctx, schema.CallReducerRequest{
		Database: req.Database,
		Reducer:  "set_name",
		Caller:   req.Caller,
		Args:     args,
	})
	if err != nil {
		log.Warn("command name failed", "err", err)
		return Reply{}, err
	}
	if resp.Commit.Status != schema.CommitCommitted {
		log.Warn("command name rejected", "reason", resp.Commit.Message)
		return Reply{}, errors.New(resp.Commit.Message)
	}
	log.Info("command name completed", "name", name)
	return Reply{}, nil
}

func (h *Handler) handleTheme(ctx context.Context, req Request, cmd Command) (Reply, error) {
	log := logx.WithDatabaseIdentity(ctx, req.Database, req.Caller)
	available := strings.Join(formatThemes(schema.AvailableThemes()), ", ")
	if len(cmd.Args) == 0 {
		current := string(req.Theme)
		if current == "" {
			current = string(schema.DefaultTheme)
		}
		lines := []ReplyLine{
			{Kind: ReplyInfo, Text: "theme: " + current},
			{Kind: ReplyInfo, Text: "available themes: " + available},
		}
		log.Info("command theme listed", "current", current)
		return Reply{Lines: lines}, nil
	}
	name, ok := schema.NormalizeThemeName(cmd.Args[0])
	if !ok {
		log.Warn("command theme rejected", "theme", cmd.Args[0])
		return Reply{}, fmt.Errorf("unknown theme %q (available: %s)", cmd.Args[0], available)
	}
	log.Info("command theme updated", "theme", string(name))
	return Reply{
		Lines: []ReplyLine{{Kind: ReplyInfo, Text: fmt.Sprintf("theme set to %s", name)}},
		Theme: name,
	}, nil
}

func (h *Handler) handleAddLoginPubKey(ctx context.Context, req Request, cmd Command) (Reply, error) {
	log := logx.WithDatabaseIdentity(ctx, req.Database, req.Caller)
	if h.cfg.LoginPubKeyStore == nil {
		log.Warn("command addloginpubkey rejected", "reason", "login pubkey store not configured")
		return Reply{}, errors.New("login pubkey store not configured")
	}
	pubKey := strings.TrimSpace(strings.Join(cmd.Args, " "))
	if pubKey == "" {
		log.Warn("command addloginpubkey rejected", "reason", "missing pubkey")
		return Reply{}, fmt.Errorf("usage: /addloginpubkey <pubkey>")
	}
	id, err := h.cfg.LoginPubKeyStore.AddLoginPubKey(req.UserID, pubKey)
	if err != nil {
		log.Warn("command addloginpubkey failed", "err", err)
		return Reply{}, err
	}
	log.Info("command addloginpubkey completed", "id", id)
	return Reply{Lines: []ReplyLine{{
		Kind: ReplyInfo,
		Text: fmt.Sprintf("login pubkey added (id %d)", id),
	}}}, nil
}

func (h *Handler) handleListLoginPubKeys(ctx context.Context, req Request) (Reply, error) {
	log := logx.WithDatabaseIdentity(ctx, req.Database, req.Caller)
	if h.cfg.LoginPubKeyStore == nil {
		log.Warn("command listloginpubkeys rejected", "reason", "login pubkey store not configured")
		return Reply{}, errors.New("login pubkey store not configured")
	}
	keys, err := h.cfg.LoginPubKeyStore.ListLoginPubKeys(req.UserID)
	if err != nil {
		log.Warn("command listloginpubkeys failed", "err", err)
		return Reply{}, err
	}
	lines := []ReplyLine{{Kind: ReplyRule, Text: "Login pubkeys"}}
	if len(keys) == 0 {
		lines = append(lines, ReplyLine{Kind: ReplyInfo, Text: "no login pubkeys"})
	} else {
		for i, key := range keys {
			lines = append(lines, ReplyLine{
				Kind: ReplyInfo,
				Text: fmt.Sprintf("%d) %s", i+1, strings.TrimSpace(key)),
			})
		}
	}
	log.Info("command listloginpubkeys completed", "count", len(keys))
	return Reply{Lines: lines}, nil
}

func (h *Handler) handleRemoveLoginPubKey(ctx context.Context, req Request, cmd Command) (Reply, error) {
	log := logx.WithDatabaseIdentity(ctx, req.Database, req.Caller)
	if h.cfg.LoginPubKeyStore == nil {
		log.Warn("command rmloginpubkey rejected", "reason", "login pubkey store not configured")
		return Reply{}, errors.New("login pubkey store not configured")
	}
	if len(cmd.Args) < 1 {
		log.Warn("command rmloginpubkey rejected", "reason", "missing id")
		return Reply{}, fmt.Errorf("usage: /rmloginpubkey <id>")
	}
	id, err := strconv.Atoi(cmd.Args[0])
	if err != nil || id <= 0 {
		log.Warn("command rmloginpubkey rejected", "reason", "invalid id", "value", cmd.Args[0])
		return Reply{}, fmt.Errorf("invalid pubkey id")
	}
	if err := h.cfg.LoginPubKeyStore.RemoveLoginPubKey(req.UserID, id); err != nil {
		log.Warn("command rmloginpubkey failed", "err", err)
		return Reply{}, err
	}
	log.Info("command rmloginpubkey completed", "id", id)
	return Reply{Lines: []ReplyLine{{
		Kind: ReplyInfo,
		Text: fmt.Sprintf("login pubkey removed (id %d)", id),
	}}}, nil
}

func (h *Handler) handleVersion(ctx context.Context, req Request) (Reply, error) {
	log := logx.WithDatabaseIdentity(ctx, req.Database, req.Caller)
	versionLine := fmt.Sprintf("%s %s", version.Module(), version.Current())
	lines := []ReplyLine{
		{Kind: ReplyRule, Text: "About"},
		{Kind: ReplyVersion, Text: versionLine},
		{Kind: ReplyCopyright, Text: "Copyright (C) 2026 pkt.systems"},
		{Kind: ReplyLink, Text: "https://pkt.systems/shellrelay"},
		{Kind: ReplyInfo, Text: ""},
	}
	log.Info("command version completed")
	return Reply{Lines: lines}, nil
}

func helpLines() []ReplyLine {
	themeList := strings.Join(formatThemes(schema.AvailableThemes()), ", ")
	return []ReplyLine{
		{Kind: ReplyRule, Text: "Commands"},
		{Kind: ReplyHelp, Text: "**/name** `<name>` - set your display name"},
		{Kind: ReplyHelp, Text: "**/who** - list users and presence"},
		{Kind: ReplyHelp, Text: "**/theme** `[name]` - show or set UI theme (available: " + themeList + ")"},
		{Kind: ReplyHelp, Text: "**/chpasswd** - change your password"},
		{Kind: ReplyHelp, Text: "**/addloginpubkey** `<pubkey>` - add an SSH login public key"},
		{Kind: ReplyHelp, Text: "**/listloginpubkeys** - list SSH login public keys"},
		{Kind: ReplyHelp, Text: "**/rmloginpubkey** `<id>` - remove SSH login public key by id"},
		{Kind: ReplyHelp, Text: "**/version** - show version information"},
		{Kind: ReplyHelp, Text: "**/quit**, **/exit**, **/logout** - leave the session"},
	}
}

func formatThemes(themes []schema.ThemeName) []string {
	out := make([]string, 0, len(themes))
	for _, theme := range themes {
		out = append(out, string(theme))
	}
	return out
}
