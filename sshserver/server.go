package sshserver

import (
	"context"
	"errors"
	"io"
	"net"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"

	"pkt.systems/shellrelay/core"
	"pkt.systems/shellrelay/internal/command"
	"pkt.systems/shellrelay/internal/eventbus"
	"pkt.systems/shellrelay/internal/logx"
	"pkt.systems/shellrelay/schema"
	"pkt.systems/pslog"
)

// CommandHandler routes slash commands typed into a session.
type CommandHandler interface {
	Handle(ctx context.Context, req command.Request) (command.Reply, bool, error)
}

// IdentitySource mints the stable client identity an operator chats as.
type IdentitySource interface {
	IdentityForUser(userID schema.UserID) schema.Identity
}

// Server exposes the relay's default database as an SSH chat terminal.
type Server struct {
	Addr        string
	HostKeyPath string
	Listener    net.Listener
	Service     core.Service
	Handler     CommandHandler
	Database    schema.DatabaseName
	Theme       schema.ThemeName
	AuthStore   LoginAuthStore
	Identities  IdentitySource
	EventBus    *eventbus.Bus
	logger      pslog.Logger
}

// LoginAuthStore validates SSH login credentials and supports password changes.
type LoginAuthStore interface {
	HasLoginPubKey(userID schema.UserID, key ssh.PublicKey) (bool, error)
	ValidateTOTP(username string, totpCode string) error
	ChangePassword(username, currentPassword, totpCode, newPassword string) error
}

type authContextKey string

const loginPubKeyOK authContextKey = "login-pubkey-ok"

// ListenAndServe starts the SSH server and shuts down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}

	signer, err := EnsureHostKey(s.HostKeyPath)
	if err != nil {
		return err
	}

	if s.AuthStore == nil {
		return errors.New("auth store is required for SSH")
	}
	if s.Identities == nil {
		return errors.New("identity source is required for SSH")
	}
	if s.Database == "" {
		return errors.New("database is required for SSH")
	}

	server := &gliderssh.Server{
		Addr:                       s.Addr,
		Handler:                    s.handleSession,
		PublicKeyHandler:           s.handlePublicKey,
		KeyboardInteractiveHandler: s.handleKeyboardInteractive,
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			errCh <- server.Serve(s.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	fingerprint := ssh.FingerprintSHA256(key)
	remote := remoteAddr(ctx)
	userID := schema.UserID(ctx.User())
	sshSession := ctx.SessionID()
	if userID == "" {
		log.Warn("ssh pubkey rejected", "reason", "missing user", "remote", remote, "ssh_session", sshSession, "fingerprint", fingerprint)
		return false
	}
	log = log.With("user", userID, "remote", remote, "fingerprint", fingerprint)
	if sshSession != "" {
		log = log.With("ssh_session", sshSession)
	}
	ok, err := s.AuthStore.HasLoginPubKey(userID, key)
	if err != nil {
		log.Warn("ssh pubkey rejected", "err", err)
		return false
	}
	if !ok {
		log.Warn("ssh pubkey rejected", "reason", "no matching key")
		return false
	}
	ctx.SetValue(loginPubKeyOK, true)
	log.Info("ssh pubkey accepted")
	return false
}

func (s *Server) handleKeyboardInteractive(ctx gliderssh.Context, challenger ssh.KeyboardInteractiveChallenge) bool {
	if ctx.Value(loginPubKeyOK) != true {
		return false
	}
	log := s.logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	remote := remoteAddr(ctx)
	userID := schema.UserID(ctx.User())
	sshSession := ctx.SessionID()
	if userID != "" {
		log = log.With("user", userID, "remote", remote)
		if sshSession != "" {
			log = log.With("ssh_session", sshSession)
		}
	}
	answers, err := challenger(ctx.User(), "", []string{"Verification code: "}, []bool{false})
	if err != nil {
		log.Warn("ssh totp rejected", "reason", "challenge failed", "err", err)
		return false
	}
	if len(answers) != 1 {
		log.Warn("ssh totp rejected", "reason", "invalid answer count", "count", len(answers))
		return false
	}
	if err := s.AuthStore.ValidateTOTP(ctx.User(), answers[0]); err != nil {
		log.Warn("ssh totp rejected", "reason", "invalid code", "err", err)
		return false
	}
	log.Info("ssh totp accepted")
	return true
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(sess.Context())
	}
	userID := schema.UserID(sess.User())
	if userID == "" {
		log.Info("ssh session rejected", "reason", "missing user", "remote", sess.RemoteAddr().String())
		_, _ = io.WriteString(sess, "missing user\n")
		return
	}
	remote := sess.RemoteAddr().String()
	sshSession := sess.Context().SessionID()
	log = log.With("user", userID, "remote", remote)
	if sshSession != "" {
		log = log.With("ssh_session", sshSession)
	}
	identity := s.Identities.IdentityForUser(userID)
	ctx := logx.ContextWithDatabaseLogger(sess.Context(), log.With("identity", identity.Short()), s.Database)
	ctx = logx.ContextWithIdentity(ctx, identity)

	pty, winCh, ok := sess.Pty()
	if !ok {
		log.Info("ssh session rejected", "reason", "pty required", "user", userID, "remote", sess.RemoteAddr().String())
		_, _ = io.WriteString(sess, "pty required\n")
		return
	}

	log.Info("ssh session opened", "term", pty.Term)
	// Subscribe before the terminal connects so no committed event can slip
	// between the snapshot read and the first receive. Duplicates overlapping
	// the snapshot are dropped by the seq gate.
	var events <-chan schema.Event
	var unsubscribe func()
	if s.EventBus != nil {
		events, unsubscribe = s.EventBus.Subscribe(s.Database)
	}
	if unsubscribe != nil {
		defer unsubscribe()
	}
	ui := newTerminalSession(sess, sessionConfig{
		Service:   s.Service,
		Handler:   s.Handler,
		AuthStore: s.AuthStore,
		Events:    events,
		UserID:    userID,
		Identity:  identity,
		Database:  s.Database,
		Theme:     s.Theme,
	})
	ui.SetSize(pty.Window.Width, pty.Window.Height)
	_ = ui.Run(ctx, winCh)
	log.Info("ssh session closed", "term", pty.Term)
}
