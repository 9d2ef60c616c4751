package sshserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	gliderssh "github.com/gliderlabs/ssh"
	"github.com/google/uuid"

	"pkt.systems/shellrelay/chatmod"
	"pkt.systems/shellrelay/core"
	"pkt.systems/shellrelay/internal/command"
	"pkt.systems/shellrelay/internal/logx"
	"pkt.systems/shellrelay/schema"
)

const (
	maxTranscriptLines = 500
	maxHistoryEntries  = 100
)

var seqCheckInterval = 2 * time.Second

type sessionConfig struct {
	Service   core.Service
	Handler   CommandHandler
	AuthStore LoginAuthStore
	Events    <-chan schema.Event
	UserID    schema.UserID
	Identity  schema.Identity
	Database  schema.DatabaseName
	Theme     schema.ThemeName
}

// terminalSession is one attached SSH chat session: a live view of the
// database's users and messages plus a line editor. All state is owned by
// the session goroutine; events arrive over the subscription channel and
// are applied in seq order behind the seq gate.
type terminalSession struct {
	sess      gliderssh.Session
	service   core.Service
	handler   CommandHandler
	authStore LoginAuthStore
	events    <-chan schema.Event

	userID   schema.UserID
	identity schema.Identity
	database schema.DatabaseName
	connID   schema.ConnectionID
	theme    tuiTheme

	screen *screen
	width  int
	height int

	users      []chatmod.User
	transcript []chatLine
	seq        schema.CommitSeq
	scroll     int

	editor       lineEditor
	history      []string
	historyIndex int
	historyDirty bool
	chpasswd     *chpasswdState

	farewell string
	dirty    bool
}

func newTerminalSession(sess gliderssh.Session, cfg sessionConfig) *terminalSession {
	return &terminalSession{
		sess:         sess,
		service:      cfg.Service,
		handler:      cfg.Handler,
		authStore:    cfg.AuthStore,
		events:       cfg.Events,
		userID:       cfg.UserID,
		identity:     cfg.Identity,
		database:     cfg.Database,
		connID:       schema.ConnectionID(uuid.NewString()),
		theme:        themeForName(cfg.Theme),
		screen:       newScreen(sess),
		width:        80,
		height:       24,
		historyIndex: -1,
	}
}

func (t *terminalSession) SetSize(width, height int) {
	if width > 0 {
		t.width = width
	}
	if height > 0 {
		t.height = height
	}
	t.dirty = true
}

// Run connects the session identity, seeds the view from a snapshot, and
// drives the terminal until the client leaves or the database kicks it.
func (t *terminalSession) Run(ctx context.Context, winCh <-chan gliderssh.Window) error {
	log := logx.WithDatabaseIdentity(ctx, t.database, t.identity)

	if _, err := t.service.Connect(ctx, schema.ConnectRequest{
		Database: t.database,
		Identity: t.identity,
		ConnID:   t.connID,
	}); err != nil {
		log.Warn("ssh connect failed", "err", err)
		fmt.Fprintf(t.sess, "connect failed: %v\r\n", err)
		return err
	}
	defer func() {
		if _, err := t.service.Disconnect(context.WithoutCancel(ctx), schema.DisconnectRequest{
			Database: t.database,
			Identity: t.identity,
			ConnID:   t.connID,
		}); err != nil {
			log.Warn("ssh disconnect failed", "err", err)
		}
	}()

	snap, err := t.service.Snapshot(ctx, schema.SnapshotRequest{Database: t.database})
	if err != nil {
		log.Warn("ssh snapshot failed", "err", err)
		fmt.Fprintf(t.sess, "snapshot failed: %v\r\n", err)
		return err
	}
	t.seedSnapshot(snap.Snapshot)

	t.screen.EnterAltScreen()
	err = t.loop(ctx, winCh)
	t.screen.ExitAltScreen()
	if t.farewell != "" {
		fmt.Fprintf(t.sess, "%s\r\n", t.farewell)
	}
	return err
}

func (t *terminalSession) loop(ctx context.Context, winCh <-chan gliderssh.Window) error {
	keys := make(chan key, 16)
	go readKeys(t.sess, keys)

	ticker := time.NewTicker(seqCheckInterval)
	defer ticker.Stop()

	t.dirty = true
	for {
		if t.dirty {
			t.dirty = false
			if err := t.render(); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case win, ok := <-winCh:
			if !ok {
				winCh = nil
				continue
			}
			t.SetSize(win.Width, win.Height)
		case event, ok := <-t.events:
			if !ok {
				t.events = nil
				continue
			}
			if quit := t.handleEvent(ctx, event); quit {
				return nil
			}
		case k, ok := <-keys:
			if !ok {
				return nil
			}
			if quit := t.handleKey(ctx, k); quit {
				return nil
			}
		case <-ticker.C:
			t.checkSeq(ctx)
		}
	}
}

func (t *terminalSession) seedSnapshot(snap schema.DatabaseSnapshot) {
	t.seq = snap.Seq
	t.users = nil
	t.transcript = nil
	t.scroll = 0
	var messages []chatmod.Message
	for _, table := range snap.Tables {
		switch table.Table {
		case chatmod.TableUsers:
			t.users = chatmod.DecodeUsers(table.Rows)
		case chatmod.TableMessages:
			messages = chatmod.DecodeMessages(table.Rows)
		}
	}
	chatmod.SortUsers(t.users)
	chatmod.SortMessages(messages)
	for _, message := range messages {
		t.appendMessage(message)
	}
	online := 0
	for _, user := range t.users {
		if user.Online {
			online++
		}
	}
	t.appendLine(chatLine{
		kind: lineSystem,
		text: fmt.Sprintf("connected to %s as %s (%d online)", t.database, t.displayName(t.identity), online),
	})
}

func (t *terminalSession) handleEvent(ctx context.Context, event schema.Event) bool {
	switch event.Type {
	case schema.EventCommit:
		t.applyCommit(ctx, event.Commit)
	case schema.EventKick:
		reason := event.Reason
		if reason == "" {
			reason = "kicked by host"
		}
		t.farewell = "disconnected: " + reason
		return true
	}
	return false
}

// applyCommit advances the view by one commit. Commits at or below the seq
// gate already reached the transcript through the snapshot or the reducer
// response and are dropped; a gap means the bus overflowed, so the session
// replays the log instead.
func (t *terminalSession) applyCommit(ctx context.Context, commit schema.Commit) {
	if commit.Status != schema.CommitCommitted || commit.Seq <= t.seq {
		return
	}
	if commit.Seq > t.seq+1 {
		t.resync(ctx)
		return
	}
	t.applyNext(commit)
}

func (t *terminalSession) applyNext(commit schema.Commit) {
	t.seq = commit.Seq
	if commit.Reducer == schema.ReducerClear {
		t.users = nil
		t.transcript = nil
		t.scroll = 0
		t.appendLine(chatLine{kind: lineSystem, text: "history cleared by a new publish"})
		return
	}
	for _, delta := range commit.Deltas {
		t.applyDelta(delta)
	}
	t.dirty = true
}

func (t *terminalSession) applyDelta(delta schema.RowDelta) {
	switch delta.Table {
	case chatmod.TableMessages:
		if delta.Op != schema.DeltaInsert {
			return
		}
		var message chatmod.Message
		if err := json.Unmarshal(delta.Row, &message); err != nil {
			return
		}
		t.appendMessage(message)
	case chatmod.TableUsers:
		t.applyUserDelta(delta)
	}
}

func (t *terminalSession) applyUserDelta(delta schema.RowDelta) {
	switch delta.Op {
	case schema.DeltaInsert:
		var user chatmod.User
		if err := json.Unmarshal(delta.Row, &user); err != nil {
			return
		}
		t.upsertUser(user)
		if user.Online {
			t.appendLine(chatLine{kind: lineSystem, text: chatmod.DisplayName(user) + " connected"})
		}
	case schema.DeltaUpdate:
		var user chatmod.User
		if err := json.Unmarshal(delta.Row, &user); err != nil {
			return
		}
		var old chatmod.User
		hadOld := json.Unmarshal(delta.OldRow, &old) == nil
		t.upsertUser(user)
		if !hadOld {
			return
		}
		if old.Online != user.Online {
			if user.Online {
				t.appendLine(chatLine{kind: lineSystem, text: chatmod.DisplayName(user) + " connected"})
			} else {
				t.appendLine(chatLine{kind: lineSystem, text: chatmod.DisplayName(user) + " disconnected"})
			}
		}
		if old.Name != user.Name {
			t.appendLine(chatLine{kind: lineSystem, text: chatmod.DisplayName(old) + " is now known as " + chatmod.DisplayName(user)})
		}
	case schema.DeltaDelete:
		wasOnline := false
		name := ""
		var old chatmod.User
		if err := json.Unmarshal(delta.OldRow, &old); err == nil {
			wasOnline = old.Online
			name = chatmod.DisplayName(old)
		}
		t.removeUser(schema.Identity(delta.Key))
		if wasOnline {
			t.appendLine(chatLine{kind: lineSystem, text: name + " disconnected"})
		}
	}
}

func (t *terminalSession) upsertUser(user chatmod.User) {
	for i := range t.users {
		if t.users[i].Identity == user.Identity {
			t.users[i] = user
			chatmod.SortUsers(t.users)
			return
		}
	}
	t.users = append(t.users, user)
	chatmod.SortUsers(t.users)
}

func (t *terminalSession) removeUser(identity schema.Identity) {
	kept := t.users[:0]
	for _, user := range t.users {
		if user.Identity != identity {
			kept = append(kept, user)
		}
	}
	t.users = kept
}

func (t *terminalSession) appendMessage(message chatmod.Message) {
	kind := lineChat
	if message.Sender == t.identity {
		kind = lineSelf
	}
	t.appendLine(chatLine{
		kind: kind,
		when: message.SentAt,
		name: t.displayName(message.Sender),
		text: message.Text,
	})
}

func (t *terminalSession) displayName(identity schema.Identity) string {
	for _, user := range t.users {
		if user.Identity == identity {
			return chatmod.DisplayName(user)
		}
	}
	return chatmod.ShortIdentity(identity)
}

func (t *terminalSession) appendLine(line chatLine) {
	t.transcript = append(t.transcript, line)
	if len(t.transcript) > maxTranscriptLines {
		t.transcript = t.transcript[len(t.transcript)-maxTranscriptLines:]
	}
	t.dirty = true
}

func (t *terminalSession) appendReply(reply command.Reply) {
	for _, line := range reply.Lines {
		t.appendLine(chatLine{kind: replyLineKind(line.Kind), text: line.Text})
	}
	if reply.Theme != "" {
		t.theme = themeForName(reply.Theme)
		t.dirty = true
	}
}

func replyLineKind(kind command.ReplyKind) lineKind {
	switch kind {
	case command.ReplyRule:
		return lineRule
	case command.ReplyHelp:
		return lineHelp
	case command.ReplyVersion:
		return lineAboutVersion
	case command.ReplyCopyright:
		return lineAboutCopyright
	case command.ReplyLink:
		return lineAboutLink
	default:
		return lineInfo
	}
}

// resync replays committed transactions after the seq gate from the log.
// The bus subscription stays attached; replayed seqs make later duplicate
// deliveries no-ops.
func (t *terminalSession) resync(ctx context.Context) {
	resp, err := t.service.Commits(ctx, schema.CommitsRequest{Database: t.database, After: t.seq})
	if err != nil {
		logx.WithDatabaseIdentity(ctx, t.database, t.identity).Warn("ssh resync failed", "err", err)
		return
	}
	for _, commit := range resp.Commits {
		if commit.Status != schema.CommitCommitted || commit.Seq != t.seq+1 {
			continue
		}
		t.applyNext(commit)
	}
}

func (t *terminalSession) checkSeq(ctx context.Context) {
	resp, err := t.service.GetDatabase(ctx, schema.GetDatabaseRequest{Name: t.database})
	if err != nil {
		return
	}
	if resp.Database.CommitSeq > t.seq {
		t.resync(ctx)
	}
}

func (t *terminalSession) handleKey(ctx context.Context, k key) bool {
	if t.chpasswd != nil {
		return t.handleChpasswdKey(ctx, k)
	}
	switch k.kind {
	case keyRune:
		t.editor.InsertRune(k.r)
		t.markEdited()
	case keyEnter, keyCtrlJ:
		return t.handleEnter(ctx)
	case keyBackspace:
		t.editor.Backspace()
		t.markEdited()
	case keyDelete:
		t.editor.Delete()
		t.markEdited()
	case keyLeft:
		t.editor.MoveLeft()
		t.dirty = true
	case keyRight:
		t.editor.MoveRight()
		t.dirty = true
	case keyHome, keyCtrlA:
		t.editor.MoveStart()
		t.dirty = true
	case keyEnd, keyCtrlE:
		t.editor.MoveEnd()
		t.dirty = true
	case keyAltB:
		t.editor.MoveWordLeft()
		t.dirty = true
	case keyAltF:
		t.editor.MoveWordRight()
		t.dirty = true
	case keyCtrlW:
		t.editor.DeleteWordBackward()
		t.markEdited()
	case keyCtrlU:
		t.editor.KillLineStart()
		t.markEdited()
	case keyCtrlK:
		t.editor.KillLineEnd()
		t.markEdited()
	case keyUp:
		t.historyUp()
	case keyDown:
		t.historyDown()
	case keyPageUp:
		t.scrollPage(1)
	case keyPageDown:
		t.scrollPage(-1)
	case keyTab:
		t.completeName()
	case keyCtrlC:
		t.editor.Clear()
		t.historyIndex = -1
		t.historyDirty = false
		t.cancelScroll()
		t.dirty = true
	case keyCtrlD:
		if t.editor.Len() == 0 {
			return true
		}
		t.editor.Delete()
		t.markEdited()
	}
	return false
}

func (t *terminalSession) markEdited() {
	t.historyDirty = true
	t.cancelScroll()
	t.dirty = true
}

func (t *terminalSession) handleEnter(ctx context.Context) bool {
	raw := t.editor.String()
	t.saveHistoryEntry(raw)
	t.editor.Clear()
	t.historyIndex = -1
	t.historyDirty = false
	t.cancelScroll()
	t.dirty = true

	input := strings.TrimSpace(raw)
	if input == "" {
		return false
	}
	switch input {
	case "/quit", "/exit", "/logout", "/q":
		return true
	}
	if isChpasswdCommand(input) {
		t.startChpasswd()
		return false
	}
	if strings.HasPrefix(input, "/") {
		t.runCommand(ctx, input)
		return false
	}
	t.sendMessage(ctx, input)
	return false
}

func (t *terminalSession) runCommand(ctx context.Context, input string) {
	if t.handler == nil {
		t.appendLine(chatLine{kind: lineError, text: "commands unavailable"})
		return
	}
	users := make([]chatmod.User, len(t.users))
	copy(users, t.users)
	reply, isCommand, err := t.handler.Handle(ctx, command.Request{
		Database: t.database,
		UserID:   t.userID,
		Caller:   t.identity,
		Input:    input,
		Users:    users,
		Theme:    t.theme.Name,
	})
	if err != nil {
		t.appendLine(chatLine{kind: lineError, text: err.Error()})
		return
	}
	if !isCommand {
		t.sendMessage(ctx, input)
		return
	}
	t.appendReply(reply)
}

// sendMessage calls the send_message reducer and applies the returned commit
// directly so the sender sees the message without waiting on the bus. The
// bus copy arrives behind the seq gate and is dropped.
func (t *terminalSession) sendMessage(ctx context.Context, text string) {
	args, err := json.Marshal(chatmod.SendMessageArgs{Text: text})
	if err != nil {
		t.appendLine(chatLine{kind: lineError, text: err.Error()})
		return
	}
	resp, err := t.service.CallReducer(ctx, schema.CallReducerRequest{
		Database: t.database,
		Reducer:  "send_message",
		Caller:   t.identity,
		Args:     args,
	})
	if err != nil {
		t.appendLine(chatLine{kind: lineError, text: "send failed: " + err.Error()})
		return
	}
	if resp.Commit.Status != schema.CommitCommitted {
		message := resp.Commit.Message
		if message == "" {
			message = "send rejected"
		}
		t.appendLine(chatLine{kind: lineError, text: message})
		return
	}
	t.applyCommit(ctx, resp.Commit)
}

// completeName expands a unique online display name prefix at the cursor.
// At the start of the line the completion gets the "name: " address form.
func (t *terminalSession) completeName() {
	runes := []rune(t.editor.String())
	cursor := t.editor.cursor
	if cursor < 0 || cursor > len(runes) {
		return
	}
	start := cursor
	for start > 0 && !isSpace(runes[start-1]) {
		start--
	}
	prefix := strings.ToLower(string(runes[start:cursor]))
	if prefix == "" {
		return
	}
	match := ""
	for _, user := range t.users {
		if !user.Online {
			continue
		}
		name := chatmod.DisplayName(user)
		if !strings.HasPrefix(strings.ToLower(name), prefix) {
			continue
		}
		if match != "" && match != name {
			return
		}
		match = name
	}
	if match == "" {
		return
	}
	suffix := " "
	if start == 0 {
		suffix = ": "
	}
	completed := append([]rune{}, runes[:start]...)
	completed = append(completed, []rune(match+suffix)...)
	cursorAfter := len(completed)
	completed = append(completed, runes[cursor:]...)
	t.editor.buf = completed
	t.editor.cursor = cursorAfter
	t.markEdited()
}

func (t *terminalSession) scrollPage(direction int) {
	stride := t.viewHeight()
	if stride < 1 {
		stride = 1
	}
	t.scroll += direction * stride
	if t.scroll < 0 {
		t.scroll = 0
	}
	t.dirty = true
}

func (t *terminalSession) cancelScroll() {
	if t.scroll != 0 {
		t.scroll = 0
		t.dirty = true
	}
}

func (t *terminalSession) historyUp() {
	appended := t.saveHistoryDraft()
	if len(t.history) == 0 {
		return
	}
	if t.historyIndex == -1 {
		if appended && len(t.history) > 1 {
			t.historyIndex = len(t.history) - 2
		} else {
			t.historyIndex = len(t.history) - 1
		}
	} else if t.historyIndex > 0 {
		t.historyIndex--
	}
	t.editor.SetString(t.history[t.historyIndex])
	t.historyDirty = false
	t.dirty = true
}

func (t *terminalSession) historyDown() {
	if t.historyIndex == -1 {
		return
	}
	t.saveHistoryDraft()
	if t.historyIndex < len(t.history)-1 {
		t.historyIndex++
		t.editor.SetString(t.history[t.historyIndex])
		t.historyDirty = false
		t.dirty = true
		return
	}
	t.historyIndex = -1
	t.editor.Clear()
	t.historyDirty = false
	t.dirty = true
}

// saveHistoryDraft appends the edited input to history before navigating
// away so an unfinished line survives history browsing. Unedited recalls
// are not re-appended.
func (t *terminalSession) saveHistoryDraft() bool {
	if t.historyIndex != -1 && !t.historyDirty {
		return false
	}
	return t.saveHistoryEntry(t.editor.String())
}

func (t *terminalSession) saveHistoryEntry(raw string) bool {
	entry := strings.TrimSpace(raw)
	if entry == "" {
		return false
	}
	if len(t.history) > 0 && t.history[len(t.history)-1] == entry {
		return false
	}
	t.history = append(t.history, entry)
	if len(t.history) > maxHistoryEntries {
		t.history = t.history[len(t.history)-maxHistoryEntries:]
	}
	return true
}

type chpasswdStep int

const (
	chpasswdStepCurrent chpasswdStep = iota
	chpasswdStepNew
	chpasswdStepConfirm
	chpasswdStepTOTP
)

type chpasswdState struct {
	step            chpasswdStep
	currentPassword string
	newPassword     string
	totp            string
}

func (t *terminalSession) startChpasswd() {
	if t.authStore == nil {
		t.appendLine(chatLine{kind: lineError, text: "password change unavailable"})
		t.chpasswd = nil
		return
	}
	t.chpasswd = &chpasswdState{}
	t.dirty = true
}

func (t *terminalSession) handleChpasswdKey(ctx context.Context, k key) bool {
	// Ignore navigation/control keys during password entry.
	switch k.kind {
	case keyRune:
		t.editor.InsertRune(k.r)
		t.dirty = true
	case keyBackspace:
		t.editor.Backspace()
		t.dirty = true
	case keyCtrlU:
		t.editor.KillLineStart()
		t.dirty = true
	case keyEnter, keyCtrlJ:
		t.submitChpasswdField(ctx)
	case keyCtrlC:
		t.cancelChpasswd()
	case keyCtrlD:
		if t.editor.Len() == 0 {
			t.cancelChpasswd()
		}
	}
	return false
}

func (t *terminalSession) cancelChpasswd() {
	t.chpasswd = nil
	t.editor.Clear()
	t.appendLine(chatLine{kind: lineInfo, text: "password change cancelled"})
}

func (t *terminalSession) resetChpasswd() {
	t.chpasswd = &chpasswdState{}
}

func (t *terminalSession) submitChpasswdField(ctx context.Context) {
	if t.chpasswd == nil {
		return
	}
	value := t.editor.String()
	t.editor.Clear()
	t.dirty = true
	switch t.chpasswd.step {
	case chpasswdStepCurrent:
		if value == "" {
			t.appendLine(chatLine{kind: lineError, text: "current password is required"})
			return
		}
		t.chpasswd.currentPassword = value
		t.chpasswd.step = chpasswdStepNew
	case chpasswdStepNew:
		if value == "" {
			t.appendLine(chatLine{kind: lineError, text: "new password is required"})
			return
		}
		t.chpasswd.newPassword = value
		t.chpasswd.step = chpasswdStepConfirm
	case chpasswdStepConfirm:
		if value != t.chpasswd.newPassword {
			t.appendLine(chatLine{kind: lineError, text: "passwords do not match"})
			t.chpasswd.newPassword = ""
			t.chpasswd.step = chpasswdStepNew
			return
		}
		t.chpasswd.step = chpasswdStepTOTP
	case chpasswdStepTOTP:
		if value == "" {
			t.appendLine(chatLine{kind: lineError, text: "totp is required"})
			return
		}
		t.chpasswd.totp = value
		t.finishChpasswd(ctx)
	}
}

func (t *terminalSession) finishChpasswd(ctx context.Context) {
	log := logx.WithDatabaseIdentity(ctx, t.database, t.identity).With("user", string(t.userID))
	state := t.chpasswd
	if err := t.authStore.ChangePassword(string(t.userID), state.currentPassword, state.totp, state.newPassword); err != nil {
		log.Warn("ssh chpasswd failed", "err", err)
		t.appendLine(chatLine{kind: lineError, text: "password change failed: " + err.Error()})
		t.resetChpasswd()
		return
	}
	log.Info("ssh chpasswd updated")
	t.chpasswd = nil
	t.appendLine(chatLine{kind: lineInfo, text: "password updated"})
}

func (t *terminalSession) promptPrefix() string {
	if t.chpasswd != nil {
		switch t.chpasswd.step {
		case chpasswdStepCurrent:
			return "current password: "
		case chpasswdStepNew:
			return "new password: "
		case chpasswdStepConfirm:
			return "confirm new password: "
		case chpasswdStepTOTP:
			return "totp: "
		}
	}
	return "> "
}

func (t *terminalSession) inputDisplay() (string, string) {
	prefix := t.promptPrefix()
	input := t.editor.String()
	if t.chpasswd != nil {
		input = maskInput(input)
	}
	return prefix, input
}

func (t *terminalSession) renderWidth() int {
	if t.width > 0 {
		return t.width
	}
	return 80
}

func (t *terminalSession) renderHeight() int {
	if t.height >= 3 {
		return t.height
	}
	return 3
}

func (t *terminalSession) viewHeight() int {
	prefix, input := t.inputDisplay()
	inputLines, _, _ := renderInputLines(stylePromptPrefix(prefix, t.theme), input, t.editor.cursor, t.renderWidth())
	view := t.renderHeight() - 2 - len(inputLines)
	if view < 1 {
		view = 1
	}
	return view
}

func (t *terminalSession) render() error {
	width := t.renderWidth()
	height := t.renderHeight()

	prefix, input := t.inputDisplay()
	inputLines, cursorRow, cursorCol := renderInputLines(stylePromptPrefix(prefix, t.theme), input, t.editor.cursor, width)
	viewHeight := height - 2 - len(inputLines)
	if viewHeight < 1 {
		viewHeight = 1
	}

	lines := make([]string, 0, height)
	lines = append(lines, renderPresenceBar(t.database, t.users, t.identity, width, t.theme))
	lines = append(lines, t.renderTranscript(width, viewHeight)...)
	lines = append(lines, renderStatusLine(t.statusLeft(), t.statusRight(), width, t.theme))
	lines = append(lines, inputLines...)
	cursorRow = len(lines) - len(inputLines) + cursorRow
	return t.screen.Render(lines, cursorRow, cursorCol)
}

func (t *terminalSession) renderTranscript(width, height int) []string {
	rendered := make([]string, 0, height)
	for _, line := range t.transcript {
		rendered = append(rendered, renderTranscriptLine(line, width, t.theme)...)
	}
	maxOff := len(rendered) - height
	if maxOff < 0 {
		maxOff = 0
	}
	if t.scroll > maxOff {
		t.scroll = maxOff
	}
	start := len(rendered) - height - t.scroll
	if start < 0 {
		start = 0
	}
	end := start + height
	if end > len(rendered) {
		end = len(rendered)
	}
	view := append([]string{}, rendered[start:end]...)
	for len(view) < height {
		view = append(view, "")
	}
	return view
}

func (t *terminalSession) statusLeft() string {
	return string(t.userID) + "@" + string(t.database)
}

func (t *terminalSession) statusRight() string {
	if t.scroll > 0 {
		return "scroll +" + strconv.Itoa(t.scroll)
	}
	return "/help for commands"
}

func isChpasswdCommand(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/chpasswd") {
		return false
	}
	if len(trimmed) == len("/chpasswd") {
		return true
	}
	next := trimmed[len("/chpasswd")]
	return next == ' ' || next == '\t'
}

func stylePromptPrefix(prefix string, theme tuiTheme) string {
	if strings.HasPrefix(prefix, ">") {
		return ansiBold + ansiFgRGB(theme.PromptFG) + ">" + ansiReset + strings.TrimPrefix(prefix, ">")
	}
	return prefix
}

func maskInput(value string) string {
	if value == "" {
		return ""
	}
	return strings.Repeat("*", utf8.RuneCountInString(value))
}

func renderInputLines(prefix, input string, cursor, width int) ([]string, int, int) {
	inputRunes := []rune(input)
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(inputRunes) {
		cursor = len(inputRunes)
	}
	prefixWidth := visibleWidth(prefix)
	if width <= 0 {
		width = prefixWidth + len(inputRunes) + 1
	}
	prefixVisible := prefix
	if prefixWidth > width {
		prefixVisible = trimANSIToWidth(prefix, width)
		prefixWidth = visibleWidth(prefixVisible)
	}
	indentWidth := prefixWidth
	indent := strings.Repeat(" ", indentWidth)
	availableFirst := width - prefixWidth
	if availableFirst < 1 {
		availableFirst = 1
	}
	availableOther := width - indentWidth
	if availableOther < 1 {
		availableOther = 1
	}

	lines := []string{}
	lineRunes := make([]rune, 0, availableFirst)
	row := 0
	col := 0
	cursorRow := 1
	cursorCol := prefixWidth + 1
	cursorSet := false
	currentAvailable := availableFirst

	flushLine := func() {
		prefixStr := prefixVisible
		if row > 0 {
			prefixStr = indent
		}
		lines = append(lines, prefixStr+string(lineRunes))
		row++
		lineRunes = lineRunes[:0]
		col = 0
		currentAvailable = availableOther
	}

	for i, r := range inputRunes {
		if !cursorSet && i == cursor {
			pfx := prefixWidth
			if row > 0 {
				pfx = indentWidth
			}
			cursorRow = row + 1
			cursorCol = pfx + col + 1
			cursorSet = true
		}
		if r == '\n' {
			flushLine()
			continue
		}
		if col >= currentAvailable {
			flushLine()
		}
		lineRunes = append(lineRunes, r)
		col++
	}
	if !cursorSet && cursor == len(inputRunes) {
		pfx := prefixWidth
		if row > 0 {
			pfx = indentWidth
		}
		cursorRow = row + 1
		cursorCol = pfx + col + 1
	}
	flushLine()
	if cursorCol < 1 {
		cursorCol = 1
	}
	if cursorCol > width {
		cursorCol = width
	}
	return lines, cursorRow, cursorCol
}

func trimToWidth(value string, width int) string {
	if width <= 0 {
		return ""
	}
	runes := []rune(value)
	if len(runes) <= width {
		return value
	}
	return string(runes[:width])
}

func truncateName(name string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(name)
	if len(runes) <= max {
		return name
	}
	if max == 1 {
		return "$"
	}
	return string(append(runes[:max-1], '$'))
}
