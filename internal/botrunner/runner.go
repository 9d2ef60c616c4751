// Package botrunner runs a small fleet of AI chat bots against a relay
// database. Each bot joins through the client adapter with its own identity,
// watches committed messages, and answers through an Ollama-served model when
// the reply policy picks it.
package botrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"pkt.systems/pslog"
	"pkt.systems/shellrelay/chatmod"
	"pkt.systems/shellrelay/client"
	"pkt.systems/shellrelay/internal/logx"
	"pkt.systems/shellrelay/schema"
)

const (
	defaultBotCount = 3

	// Chance a bot answers another bot, depending on whether humans are in
	// the room. Kept low with humans so bots yield the floor.
	replyChanceIdle       = 0.22
	replyChanceWithHumans = 0.06

	// Consecutive bot messages before the chain is cut.
	maxChainMessages = 5

	// Spontaneous chatter: attempt gate, attempt spacing, and how quiet the
	// room must be first.
	proactiveStartChance = 0.45
	proactiveCooldown    = 18 * time.Second
	proactiveIdleWindow  = 8 * time.Second

	maxReplyTokens     = 70
	replyTemperature   = 0.85
	replyTopP          = 0.95
	replyRepeatPenalty = 1.35

	defaultModel      = "mistral:7b"
	defaultOllamaHost = "http://127.0.0.1"
	defaultOllamaPort = "11434"
)

// ChatModel is the slice of the langchaingo model API the runner calls. The
// Ollama client satisfies it; tests inject a scripted fake.
type ChatModel interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// relayConn is what the runner needs from a live database subscription.
// client.Conn satisfies it.
type relayConn interface {
	Identity() schema.Identity
	Err() error
	Done() <-chan struct{}
	Table(name schema.TableName) []json.RawMessage
	CallReducer(ctx context.Context, reducer schema.ReducerName, args any) (schema.Commit, error)
	OnInsert(table schema.TableName, fn func(schema.RowDelta))
	Close() error
}

var _ relayConn = (*client.Conn)(nil)

// Config describes a bot fleet.
type Config struct {
	// ServerURL is the relay's HTTP base URL. Bots mint anonymous
	// identities there and subscribe over WebSocket.
	ServerURL string

	// Database the fleet joins.
	Database schema.DatabaseName

	// Count of bots; zero or negative means defaultBotCount.
	Count int

	// Model, OllamaHost and OllamaPort select the Ollama endpoint. Empty
	// values fall back to OLLAMA_MODEL, OLLAMA_HOST and OLLAMA_PORT, then
	// to the package defaults.
	Model      string
	OllamaHost string
	OllamaPort string

	// Chat overrides the Ollama client entirely when non-nil.
	Chat ChatModel

	// Seed fixes the policy RNG; zero seeds from the clock.
	Seed int64
}

// Runner owns the fleet. Message callbacks arrive serialized on the observer
// connection's dispatcher; the proactive ticker runs beside them, so shared
// policy state sits behind stateMu.
type Runner struct {
	cfg  Config
	chat ChatModel
	log  pslog.Logger
	bots []*bot

	rngMu sync.Mutex
	rng   *rand.Rand

	stateMu       sync.Mutex
	consecutiveAI int
	lastActivity  time.Time
	lastProactive time.Time
	inflight      int
}

type bot struct {
	profile Profile
	conn    relayConn

	mu      sync.Mutex
	history []historyEntry
}

type historyEntry struct {
	role    llms.ChatMessageType
	content string
}

// New validates cfg and builds the fleet. The Ollama client is constructed
// here so endpoint mistakes surface before any bot connects.
func New(cfg Config) (*Runner, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server url is required")
	}
	name, err := schema.NormalizeDatabaseName(string(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, string(cfg.Database))
	}
	cfg.Database = name

	count := cfg.Count
	if count <= 0 {
		count = defaultBotCount
	}

	chat := cfg.Chat
	if chat == nil {
		model, err := newOllamaModel(cfg)
		if err != nil {
			return nil, fmt.Errorf("ollama client: %w", err)
		}
		chat = model
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	r := &Runner{
		cfg:  cfg,
		chat: chat,
		log:  logx.Ctx(context.Background()),
		rng:  rng,
	}
	for _, profile := range GenerateProfiles(count, rng) {
		r.bots = append(r.bots, &bot{profile: profile})
	}
	return r, nil
}

// resolveOllamaEndpoint picks the model and server URL from config,
// environment, then defaults, in that order.
func resolveOllamaEndpoint(cfg Config) (model, serverURL string) {
	model = firstNonEmpty(cfg.Model, os.Getenv("OLLAMA_MODEL"), defaultModel)
	host := firstNonEmpty(cfg.OllamaHost, os.Getenv("OLLAMA_HOST"), defaultOllamaHost)
	port := firstNonEmpty(cfg.OllamaPort, os.Getenv("OLLAMA_PORT"), defaultOllamaPort)
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return model, host + ":" + port
}

func newOllamaModel(cfg Config) (*ollama.LLM, error) {
	model, serverURL := resolveOllamaEndpoint(cfg)
	return ollama.New(ollama.WithModel(model), ollama.WithServerURL(serverURL))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Run connects every bot, watches the room through the first bot's
// subscription, and blocks until ctx is cancelled or the observer connection
// dies. Messages already in the room at startup are never replied to.
func (r *Runner) Run(ctx context.Context) error {
	r.log = logx.WithDatabase(ctx, r.cfg.Database)
	if err := r.connect(ctx); err != nil {
		r.closeAll()
		return err
	}
	defer r.closeAll()

	now := time.Now()
	r.stateMu.Lock()
	r.lastActivity = now
	r.lastProactive = now
	r.stateMu.Unlock()

	observer := r.observer()
	observer.OnInsert(chatmod.TableMessages, func(delta schema.RowDelta) {
		r.onMessage(ctx, delta)
	})
	r.log.Info("bot fleet online", "bots", len(r.bots))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-observer.Done():
			err := observer.Err()
			if errors.Is(err, client.ErrKicked) || errors.Is(err, client.ErrClosed) {
				r.log.Info("bot fleet disconnected", "reason", err)
				return nil
			}
			return err
		case <-ticker.C:
			r.maybeProactive(ctx)
		}
	}
}

func (r *Runner) connect(ctx context.Context) error {
	for _, b := range r.bots {
		token, err := fetchIdentityToken(ctx, r.cfg.ServerURL)
		if err != nil {
			return fmt.Errorf("bot %s: identity: %w", b.profile.Name, err)
		}
		conn, err := client.Connect(ctx, r.cfg.ServerURL, token, r.cfg.Database)
		if err != nil {
			return fmt.Errorf("bot %s: connect: %w", b.profile.Name, err)
		}
		b.conn = conn
		if _, err := conn.CallReducer(ctx, "set_name", chatmod.SetNameArgs{Name: b.profile.Name}); err != nil {
			r.log.Warn("bot name rejected", "bot", b.profile.Name, "reason", err)
		}
	}
	return nil
}

func (r *Runner) closeAll() {
	for _, b := range r.bots {
		if b.conn != nil {
			_ = b.conn.Close()
		}
	}
}

func (r *Runner) observer() relayConn {
	return r.bots[0].conn
}

// onMessage applies the reply policy to one committed message. A mention of a
// bot's name always wins; otherwise humans draw a random bot and bots draw a
// chain-capped chance.
func (r *Runner) onMessage(ctx context.Context, delta schema.RowDelta) {
	var message chatmod.Message
	if err := json.Unmarshal(delta.Row, &message); err != nil {
		r.log.Warn("undecodable message row", "reason", err)
		return
	}
	if strings.TrimSpace(message.Text) == "" {
		return
	}

	botIDs := r.botIdentities()
	senderIsBot := botIDs[message.Sender]
	users := chatmod.UsersFromCache(r.observer().Table(chatmod.TableUsers))
	if !senderIsBot && !isOnline(users, message.Sender) {
		return
	}

	r.stateMu.Lock()
	r.lastActivity = time.Now()
	if senderIsBot {
		r.consecutiveAI++
	} else {
		r.consecutiveAI = 0
	}
	chain := r.consecutiveAI
	r.stateMu.Unlock()

	humans := onlineHumanCount(users, botIDs)
	target := r.directedBot(message.Sender, message.Text)
	if target == nil {
		target = r.chooseResponder(message.Sender, senderIsBot, chain, humans)
	}
	if target == nil {
		return
	}
	r.requestReply(ctx, target, message.Text, message.Sender)
}

func (r *Runner) botIdentities() map[schema.Identity]bool {
	ids := make(map[schema.Identity]bool, len(r.bots))
	for _, b := range r.bots {
		if b.conn != nil {
			ids[b.conn.Identity()] = true
		}
	}
	return ids
}

func (b *bot) online() bool {
	return b.conn != nil && b.conn.Err() == nil
}

func (r *Runner) onlineBots() []*bot {
	online := make([]*bot, 0, len(r.bots))
	for _, b := range r.bots {
		if b.online() {
			online = append(online, b)
		}
	}
	return online
}

func isOnline(users []chatmod.User, identity schema.Identity) bool {
	for _, user := range users {
		if user.Identity == identity {
			return user.Online
		}
	}
	return false
}

func onlineHumanCount(users []chatmod.User, botIDs map[schema.Identity]bool) int {
	count := 0
	for _, user := range users {
		if user.Online && !botIDs[user.Identity] {
			count++
		}
	}
	return count
}

// directedBot returns the first online bot whose name appears in the message,
// excluding the sender itself. A direct mention bypasses chance and chain
// gates.
func (r *Runner) directedBot(sender schema.Identity, text string) *bot {
	lowered := strings.ToLower(text)
	for _, b := range r.bots {
		if !b.online() || b.conn.Identity() == sender {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(b.profile.Name)) {
			return b
		}
	}
	return nil
}

func (r *Runner) chooseResponder(sender schema.Identity, senderIsBot bool, chain, humansOnline int) *bot {
	candidates := r.onlineBots()
	if senderIsBot {
		if chain >= maxChainMessages {
			return nil
		}
		p := replyChanceIdle
		if humansOnline > 0 {
			p = replyChanceWithHumans
		}
		if !r.chance(p) {
			return nil
		}
		filtered := make([]*bot, 0, len(candidates))
		for _, b := range candidates {
			if b.conn.Identity() != sender {
				filtered = append(filtered, b)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[r.intn(len(candidates))]
}

// maybeProactive starts bot-to-bot small talk when the room has been quiet.
// One attempt per cooldown window, and never while a generation is in flight.
func (r *Runner) maybeProactive(ctx context.Context) {
	if len(r.bots) < 2 {
		return
	}
	r.stateMu.Lock()
	if r.inflight > 0 || time.Since(r.lastProactive) < proactiveCooldown {
		r.stateMu.Unlock()
		return
	}
	r.lastProactive = time.Now()
	idle := time.Since(r.lastActivity)
	r.stateMu.Unlock()

	if idle < proactiveIdleWindow {
		return
	}
	if !r.chance(proactiveStartChance) {
		return
	}

	online := r.onlineBots()
	if len(online) < 2 {
		return
	}
	r.shuffle(online)
	starter, target := online[0], online[1]

	users := chatmod.UsersFromCache(r.observer().Table(chatmod.TableUsers))
	humans := onlineHumanCount(users, r.botIdentities())
	topic := openingTopics[r.intn(len(openingTopics))]
	opening := openingPrompt(target.profile.Name, topic, humans > 0)

	r.log.Debug("proactive bot chat", "starter", starter.profile.Name, "target", target.profile.Name, "topic", topic)
	r.requestReply(ctx, starter, opening, starter.conn.Identity())

	r.stateMu.Lock()
	r.lastActivity = time.Now()
	r.stateMu.Unlock()
}

// requestReply snapshots the room, extends the bot's history with the
// incoming text, and generates plus sends the reply off the callback
// goroutine so the dispatcher never blocks on the model.
func (r *Runner) requestReply(ctx context.Context, b *bot, incoming string, requester schema.Identity) {
	users := chatmod.UsersFromCache(r.observer().Table(chatmod.TableUsers))
	messages := chatmod.MessagesFromCache(r.observer().Table(chatmod.TableMessages))
	pc := buildPromptContext(users, messages, requester)
	history := b.pushHistory(llms.ChatMessageTypeHuman, incoming)

	r.stateMu.Lock()
	r.inflight++
	r.stateMu.Unlock()
	go func() {
		defer func() {
			r.stateMu.Lock()
			r.inflight--
			r.stateMu.Unlock()
		}()
		reply, err := r.generate(ctx, b.profile, history, pc)
		if err != nil {
			r.log.Warn("bot reply failed", "bot", b.profile.Name, "reason", err)
			return
		}
		b.pushHistory(llms.ChatMessageTypeAI, reply)
		if _, err := b.conn.CallReducer(ctx, "send_message", chatmod.SendMessageArgs{Text: reply}); err != nil {
			r.log.Warn("bot send failed", "bot", b.profile.Name, "reason", err)
		}
	}()
}

func (r *Runner) generate(ctx context.Context, profile Profile, history []historyEntry, pc promptContext) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, baseSystemPrompt),
		llms.TextParts(llms.ChatMessageTypeSystem, roleplaySystemPrompt(profile)),
		llms.TextParts(llms.ChatMessageTypeSystem, contextSystemPrompt(pc)),
	}
	for _, entry := range history {
		if strings.TrimSpace(entry.content) == "" {
			continue
		}
		messages = append(messages, llms.TextParts(entry.role, entry.content))
	}

	resp, err := r.chat.GenerateContent(ctx, messages,
		llms.WithMaxTokens(maxReplyTokens),
		llms.WithTemperature(replyTemperature),
		llms.WithTopP(replyTopP),
		llms.WithRepetitionPenalty(replyRepeatPenalty),
	)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	reply := normalizeReply(resp.Choices[0].Content)
	if reply == "" {
		return "", errors.New("model returned an empty reply")
	}
	return reply, nil
}

// pushHistory appends one turn, trims to the window, and returns a snapshot
// safe to read without the lock.
func (b *bot) pushHistory(role llms.ChatMessageType, content string) []historyEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, historyEntry{role: role, content: content})
	if len(b.history) > maxHistoryEntries {
		b.history = b.history[len(b.history)-maxHistoryEntries:]
	}
	return append([]historyEntry(nil), b.history...)
}

func (r *Runner) chance(p float64) bool {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Float64() < p
}

func (r *Runner) intn(n int) int {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Intn(n)
}

func (r *Runner) shuffle(bots []*bot) {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	r.rng.Shuffle(len(bots), func(i, j int) { bots[i], bots[j] = bots[j], bots[i] })
}

// fetchIdentityToken mints an anonymous identity on the relay and returns its
// token.
func fetchIdentityToken(ctx context.Context, serverURL string) (string, error) {
	endpoint := strings.TrimSuffix(serverURL, "/") + "/api/identity"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("identity request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity endpoint: %s", resp.Status)
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload); err != nil {
		return "", fmt.Errorf("identity decode: %w", err)
	}
	if payload.Token == "" {
		return "", errors.New("identity endpoint returned no token")
	}
	return payload.Token, nil
}
