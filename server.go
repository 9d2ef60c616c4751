// Package shellrelay composes the relay host: the core database service plus
// the HTTP API, the SSH terminal, and the embedded bot fleet.
package shellrelay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shellrelay/core"
	"pkt.systems/shellrelay/httpapi"
	"pkt.systems/shellrelay/internal/appconfig"
	"pkt.systems/shellrelay/internal/auth"
	"pkt.systems/shellrelay/internal/botrunner"
	"pkt.systems/shellrelay/internal/command"
	"pkt.systems/shellrelay/internal/commitlog"
	"pkt.systems/shellrelay/internal/eventbus"
	"pkt.systems/shellrelay/internal/identity"
	"pkt.systems/shellrelay/internal/persist"
	"pkt.systems/shellrelay/internal/signingkey"
	"pkt.systems/shellrelay/schema"
	"pkt.systems/shellrelay/sshserver"
)

// Server composes the HTTP, SSH, and bot services.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Service  schema.ServiceConfig
	Identity schema.IdentityConfig
	HTTP     httpapi.Config
	SSH      sshserver.Config
	Auth     AuthConfig
	Bots     BotsConfig
	// Boot lists databases published at startup when missing.
	Boot []BootDatabase
	// JournalPath locates the sqlite commit journal.
	JournalPath string
	// KeyStorePath and KeyDir locate the identity signing key store.
	KeyStorePath        string
	KeyDir              string
	DisableAuditLogging bool
}

// AuthConfig defines operator account storage settings.
type AuthConfig struct {
	UserFile  string
	SeedUsers []SeedUser
}

// SeedUser seeds an initial operator record.
type SeedUser struct {
	Username     string
	PasswordHash string
	TOTPSecret   string
}

// BotsConfig configures the embedded bot fleet.
type BotsConfig struct {
	// ServerURL overrides the fleet's target; empty derives it from HTTP.Addr.
	ServerURL  string
	Database   schema.DatabaseName
	Count      int
	Model      string
	OllamaHost string
	OllamaPort int
}

// BootDatabase names a database the host publishes for itself at startup.
type BootDatabase struct {
	Name   schema.DatabaseName
	Module schema.ModuleDef
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	ServiceDeps core.ServiceDeps
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP bool
	enableSSH  bool
	enableBots bool
}

// WithHTTP enables the HTTP API server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithSSH enables the SSH terminal server.
func WithSSH() ServerOption {
	return func(o *serverOptions) { o.enableSSH = true }
}

// WithBots enables the embedded bot fleet.
func WithBots() ServerOption {
	return func(o *serverOptions) { o.enableBots = true }
}

// bootOwnerUser owns databases the host publishes for itself at startup.
const bootOwnerUser = schema.UserID("server")

// New constructs a composable shellrelay server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP && !options.enableSSH && !options.enableBots {
		return nil, errors.New("no services enabled")
	}

	logger := deps.ServiceDeps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}

	var httpSrv *httpapi.Server
	var sshSrv *sshserver.Server
	var ownedJournal *commitlog.Log
	if options.enableHTTP || options.enableSSH {
		if deps.ServiceDeps.Registry == nil {
			return nil, errors.New("module registry dependency is required")
		}
		normalized, err := schema.NormalizeServiceConfig(cfg.Service)
		if err != nil {
			return nil, err
		}
		cfg.Service = normalized
		cfg.Identity = schema.NormalizeIdentityConfig(cfg.Identity)

		serviceDeps := deps.ServiceDeps
		if serviceDeps.CommitLog == nil && cfg.JournalPath != "" {
			journal, err := commitlog.Open(cfg.JournalPath, logger)
			if err != nil {
				return nil, err
			}
			ownedJournal = journal
			serviceDeps.CommitLog = journal
		}
		if serviceDeps.States == nil {
			states, err := persist.NewStoreWithLogger(filepath.Join(cfg.Service.DataDir, "state"), logger)
			if err != nil {
				closeJournal(ownedJournal, logger)
				return nil, err
			}
			serviceDeps.States = states
		}

		var bus *eventbus.Bus
		var hub *httpapi.Hub
		if options.enableSSH {
			bus = eventbus.New(logger)
		}
		if options.enableHTTP {
			hub = httpapi.NewHub(cfg.HTTP.HubHistory)
		}
		sinks := make([]core.EventSink, 0, 3)
		if serviceDeps.EventSink != nil {
			sinks = append(sinks, serviceDeps.EventSink)
		}
		if hub != nil {
			sinks = append(sinks, hub)
		}
		if bus != nil {
			sinks = append(sinks, bus)
		}
		switch len(sinks) {
		case 0:
		case 1:
			serviceDeps.EventSink = sinks[0]
		default:
			serviceDeps.EventSink = eventFanout{sinks: sinks}
		}

		service, err := core.NewService(cfg.Service, serviceDeps)
		if err != nil {
			closeJournal(ownedJournal, logger)
			return nil, err
		}

		authStore, err := auth.NewStoreWithLogger(cfg.Auth.UserFile, toSeedUsers(cfg.Auth.SeedUsers), logger)
		if err != nil {
			closeJournal(ownedJournal, logger)
			return nil, err
		}

		keys, err := signingkey.NewStoreWithLogger(cfg.KeyStorePath, cfg.KeyDir, logger)
		if err != nil {
			closeJournal(ownedJournal, logger)
			return nil, err
		}
		signKey, err := keys.EnsureKey()
		if err != nil {
			closeJournal(ownedJournal, logger)
			return nil, err
		}
		issuer, err := identity.NewIssuer(signKey, cfg.Identity)
		if err != nil {
			closeJournal(ownedJournal, logger)
			return nil, err
		}

		if err := ensureBootDatabases(service, cfg.Boot, issuer.IdentityForUser(bootOwnerUser), logger); err != nil {
			closeJournal(ownedJournal, logger)
			return nil, err
		}

		cmdHandler := command.NewHandler(service, command.HandlerConfig{
			LoginPubKeyStore:    authStore,
			DisableAuditLogging: cfg.DisableAuditLogging,
		})

		if options.enableHTTP {
			httpSrv = httpapi.NewServer(cfg.HTTP, service, authStore, issuer, hub)
		}

		if options.enableSSH {
			database := cfg.SSH.Database
			if database == "" {
				database = cfg.Service.DefaultDatabase
			}
			theme := cfg.SSH.Theme
			if theme == "" {
				theme = schema.DefaultTheme
			}
			sshSrv = &sshserver.Server{
				Addr:        cfg.SSH.Addr,
				HostKeyPath: cfg.SSH.HostKeyPath,
				Service:     service,
				Handler:     cmdHandler,
				Database:    database,
				Theme:       theme,
				AuthStore:   authStore,
				Identities:  issuer,
				EventBus:    bus,
			}
		}
	}

	bots, botsAddr, err := buildBots(cfg, options)
	if err != nil {
		closeJournal(ownedJournal, logger)
		return nil, err
	}

	srv := &compositeServer{
		cfg:      cfg,
		options:  options,
		httpSrv:  httpSrv,
		sshSrv:   sshSrv,
		bots:     bots,
		botsAddr: botsAddr,
	}
	if ownedJournal != nil {
		srv.journal = ownedJournal
	}
	return srv, nil
}

// buildBots constructs the embedded fleet when enabled, deriving its target
// URL from the HTTP listener unless overridden.
func buildBots(cfg ServerConfig, options serverOptions) (*botrunner.Runner, string, error) {
	if !options.enableBots {
		return nil, "", nil
	}
	serverURL := cfg.Bots.ServerURL
	if serverURL == "" {
		if !options.enableHTTP {
			return nil, "", errors.New("bots require the http api or an explicit server url")
		}
		derived, err := botServerURL(cfg.HTTP.Addr)
		if err != nil {
			return nil, "", err
		}
		serverURL = derived
	}
	database := cfg.Bots.Database
	if database == "" {
		database = cfg.Service.DefaultDatabase
	}
	port := ""
	if cfg.Bots.OllamaPort > 0 {
		port = strconv.Itoa(cfg.Bots.OllamaPort)
	}
	bots, err := botrunner.New(botrunner.Config{
		ServerURL:  serverURL,
		Database:   database,
		Count:      cfg.Bots.Count,
		Model:      cfg.Bots.Model,
		OllamaHost: cfg.Bots.OllamaHost,
		OllamaPort: port,
	})
	if err != nil {
		return nil, "", err
	}
	return bots, dialAddr(serverURL), nil
}

// ensureBootDatabases publishes configured databases that do not exist yet.
// Databases that already exist are left alone, whatever module they run.
func ensureBootDatabases(service core.Service, boot []BootDatabase, owner schema.Identity, logger pslog.Logger) error {
	ctx := context.Background()
	for _, entry := range boot {
		if entry.Name == "" {
			continue
		}
		if _, err := service.GetDatabase(ctx, schema.GetDatabaseRequest{Name: entry.Name}); err == nil {
			continue
		} else if !errors.Is(err, schema.ErrDatabaseNotFound) {
			return err
		}
		resp, err := service.Publish(ctx, schema.PublishRequest{
			Name:   entry.Name,
			Module: entry.Module,
			Owner:  owner,
		})
		if err != nil {
			return fmt.Errorf("publish boot database %s: %w", entry.Name, err)
		}
		logger.Info("boot database published", "db", entry.Name, "module", entry.Module.Name, "outcome", resp.Outcome)
	}
	return nil
}

// journalCloser releases the commit journal on shutdown.
type journalCloser interface {
	Close() error
}

type compositeServer struct {
	cfg      ServerConfig
	options  serverOptions
	httpSrv  *httpapi.Server
	sshSrv   *sshserver.Server
	bots     *botrunner.Runner
	botsAddr string
	journal  journalCloser
	logger   pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 3)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"ssh", s.options.enableSSH,
		"bots", s.options.enableBots,
		"http_addr", s.cfg.HTTP.Addr,
		"ssh_addr", s.cfg.SSH.Addr,
		"default_db", s.cfg.Service.DefaultDatabase,
	)
	if s.options.enableHTTP && s.httpSrv != nil {
		go func() {
			if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	if s.options.enableSSH && s.sshSrv != nil {
		go func() {
			if err := s.sshSrv.ListenAndServe(s.ctx); err != nil {
				log.Error("ssh server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	if s.options.enableBots && s.bots != nil {
		go func() {
			if err := s.runBots(s.ctx); err != nil {
				log.Error("bot fleet failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

// runBots waits for the HTTP API to accept connections before the fleet
// mints identities against it.
func (s *compositeServer) runBots(ctx context.Context) error {
	if s.botsAddr != "" {
		if err := waitForAddr(ctx, s.botsAddr, 100*time.Millisecond); err != nil {
			return nil
		}
	}
	return s.bots.Run(ctx)
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	defer func() {
		if s.journal == nil {
			return
		}
		if err := s.journal.Close(); err != nil {
			log.Warn("commit journal close failed", "err", err)
			return
		}
		log.Info("commit journal closed")
	}()
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}

func closeJournal(journal *commitlog.Log, log pslog.Logger) {
	if journal == nil {
		return
	}
	if err := journal.Close(); err != nil {
		log.Warn("commit journal close failed", "err", err)
	}
}

func toSeedUsers(users []SeedUser) []appconfig.SeedUser {
	if len(users) == 0 {
		return nil
	}
	out := make([]appconfig.SeedUser, 0, len(users))
	for _, user := range users {
		out = append(out, appconfig.SeedUser{
			Username:     user.Username,
			PasswordHash: user.PasswordHash,
			TOTPSecret:   user.TOTPSecret,
		})
	}
	return out
}

// botServerURL derives the bot fleet's target URL from the HTTP listen addr.
func botServerURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("derive bot server url from %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

// dialAddr extracts a host:port to probe for reachability. An empty string
// skips the probe.
func dialAddr(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	switch u.Scheme {
	case "https":
		return net.JoinHostPort(u.Hostname(), "443")
	default:
		return net.JoinHostPort(u.Hostname(), "80")
	}
}

func waitForAddr(ctx context.Context, addr string, interval time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
