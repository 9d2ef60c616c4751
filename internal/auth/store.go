// Package auth manages operator accounts for the relay: bcrypt password
// hashes, TOTP secrets, and SSH login public keys, persisted as a JSON
// file shared with the CLI. The store notices external edits to the file
// and reloads before answering.
package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"pkt.systems/pslog"

	"pkt.systems/shellrelay/internal/appconfig"
	"pkt.systems/shellrelay/schema"
)

var (
	// ErrInvalidCredentials is returned when username, password, or TOTP
	// code do not match a stored operator.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrOperatorNotFound is returned for operations on unknown operators.
	ErrOperatorNotFound = errors.New("operator not found")
	// ErrOperatorExists is returned when adding a duplicate operator.
	ErrOperatorExists = errors.New("operator already exists")
)

// Operator is a stored operator account.
type Operator struct {
	Username     string   `json:"username"`
	PasswordHash string   `json:"password_hash"`
	TOTPSecret   string   `json:"totp_secret"`
	LoginPubKeys []string `json:"login_pubkeys,omitempty"`
}

// Store manages operator accounts stored on disk.
type Store struct {
	path      string
	mu        sync.RWMutex
	operators map[string]Operator
	fileState fileState
	log       pslog.Logger
}

// NewStore loads or seeds the operator store.
func NewStore(path string, seeds []appconfig.SeedUser) (*Store, error) {
	return NewStoreWithLogger(path, seeds, nil)
}

// NewStoreWithLogger loads or seeds the operator store with logging.
func NewStoreWithLogger(path string, seeds []appconfig.SeedUser, logger pslog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("operator file path is required")
	}
	if logger != nil {
		logger = logger.With("user_file", path)
	}
	store := &Store{
		path:      path,
		operators: make(map[string]Operator),
		log:       logger,
	}
	if err := store.ensureFile(seeds); err != nil {
		return nil, err
	}
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Authenticate verifies username, password, and TOTP code.
func (s *Store) Authenticate(username, password, totpCode string) error {
	if err := s.refreshIfNeeded(); err != nil {
		return err
	}
	s.mu.RLock()
	op, ok := s.operators[username]
	s.mu.RUnlock()
	if !ok {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	if !totp.Validate(totpCode, op.TOTPSecret) {
		return fmt.Errorf("%w: totp", ErrInvalidCredentials)
	}
	return nil
}

// ValidateTOTP verifies a TOTP code against the stored secret.
func (s *Store) ValidateTOTP(username, totpCode string) error {
	if err := s.refreshIfNeeded(); err != nil {
		return err
	}
	normalized, err := validateUsername(username)
	if err != nil {
		return err
	}
	s.mu.RLock()
	op, ok := s.operators[normalized]
	s.mu.RUnlock()
	if !ok {
		return ErrInvalidCredentials
	}
	if !totp.Validate(totpCode, op.TOTPSecret) {
		return fmt.Errorf("%w: totp", ErrInvalidCredentials)
	}
	return nil
}

// ChangePassword verifies credentials and replaces the stored password hash.
func (s *Store) ChangePassword(username, currentPassword, totpCode, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return errors.New("new password is required")
	}
	if err := s.Authenticate(username, currentPassword, totpCode); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.UpdatePassword(username, string(hash))
}

// AddOperator inserts a new operator and persists the store.
func (s *Store) AddOperator(op Operator) error {
	if err := s.refreshIfNeeded(); err != nil {
		return err
	}
	username, err := validateUsername(op.Username)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operators[username]; ok {
		return ErrOperatorExists
	}
	op.Username = username
	s.operators[username] = op
	if err := s.saveLocked(); err != nil {
		if s.log != nil {
			s.log.Warn("operator add failed", "user", username, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Info("operator added", "user", username)
	}
	return nil
}

// DeleteOperator removes an operator.
func (s *Store) DeleteOperator(username string) error {
	if err := s.refreshIfNeeded(); err != nil {
		return err
	}
	normalized, err := validateUsername(username)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operators[normalized]; !ok {
		return ErrOperatorNotFound
	}
	delete(s.operators, normalized)
	if err := s.saveLocked(); err != nil {
		if s.log != nil {
			s.log.Warn("operator delete failed", "user", normalized, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Info("operator deleted", "user", normalized)
	}
	return nil
}

// ListOperators returns a snapshot of operators sorted by username.
func (s *Store) ListOperators() []Operator {
	if err := s.refreshIfNeeded(); err != nil {
		if s.log != nil {
			s.log.Warn("operator store refresh failed", "err", err)
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ops := make([]Operator, 0, len(s.operators))
	for _, op := range s.operators {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Username < ops[j].Username })
	return ops
}

// UpdatePassword replaces the stored password hash.
func (s *Store) UpdatePassword(username, passwordHash string) error {
	if err := s.refreshIfNeeded(); err != nil {
		return err
	}
	normalized, err := validateUsername(username)
	if err != nil {
		return err
	}
	if strings.TrimSpace(passwordHash) == "" {
		return errors.New("password hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[normalized]
	if !ok {
		return ErrOperatorNotFound
	}
	op.PasswordHash = passwordHash
	s.operators[normalized] = op
	if err := s.saveLocked(); err != nil {
		if s.log != nil {
			s.log.Warn("operator password update failed", "user", normalized, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Info("operator password updated", "user", normalized)
	}
	return nil
}

// UpdateTOTP replaces the stored TOTP secret.
func (s *Store) UpdateTOTP(username, secret string) error {
	if err := s.refreshIfNeeded(); err != nil {
		return err
	}
	normalized, err := validateUsername(username)
	if err != nil {
		return err
	}
	if strings.TrimSpace(secret) == "" {
		return errors.New("totp secret is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[normalized]
	if !ok {
		return ErrOperatorNotFound
	}
	op.TOTPSecret = secret
	s.operators[normalized] = op
	if err := s.saveLocked(); err != nil {
		if s.log != nil {
			s.log.Warn("operator totp update failed", "user", normalized, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Info("operator totp updated", "user", normalized)
	}
	return nil
}

// AddLoginPubKey authorizes an SSH public key for the operator and returns
// its 1-based index.
func (s *Store) AddLoginPubKey(userID schema.UserID, pubKey string) (int, error) {
	if err := s.refreshIfNeeded(); err != nil {
		return 0, err
	}
	username, err := validateUsername(string(userID))
	if err != nil {
		return 0, err
	}
	normalized, parsed, err := normalizeLoginPubKey(pubKey)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[username]
	if !ok {
		return 0, ErrOperatorNotFound
	}
	for idx, existing := range op.LoginPubKeys {
		if keyEqual(existing, parsed) {
			return idx + 1, errors.New("login pubkey already exists")
		}
	}
	op.LoginPubKeys = append(op.LoginPubKeys, normalized)
	s.operators[username] = op
	if err := s.saveLocked(); err != nil {
		if s.log != nil {
			s.log.Warn("operator pubkey add failed", "user", username, "err", err)
		}
		return 0, err
	}
	if s.log != nil {
		s.log.Info("operator pubkey added", "user", username, "id", len(op.LoginPubKeys))
	}
	return len(op.LoginPubKeys), nil
}

// ListLoginPubKeys returns the operator's authorized SSH public keys.
func (s *Store) ListLoginPubKeys(userID schema.UserID) ([]string, error) {
	if err := s.refreshIfNeeded(); err != nil {
		return nil, err
	}
	username, err := validateUsername(string(userID))
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	op, ok := s.operators[username]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrOperatorNotFound
	}
	return append([]string{}, op.LoginPubKeys...), nil
}

// RemoveLoginPubKey removes the SSH public key at the provided 1-based index.
func (s *Store) RemoveLoginPubKey(userID schema.UserID, index int) error {
	if err := s.refreshIfNeeded(); err != nil {
		return err
	}
	username, err := validateUsername(string(userID))
	if err != nil {
		return err
	}
	if index <= 0 {
		return errors.New("login pubkey id must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[username]
	if !ok {
		return ErrOperatorNotFound
	}
	if index > len(op.LoginPubKeys) {
		return errors.New("login pubkey id out of range")
	}
	op.LoginPubKeys = append(op.LoginPubKeys[:index-1], op.LoginPubKeys[index:]...)
	s.operators[username] = op
	if err := s.saveLocked(); err != nil {
		if s.log != nil {
			s.log.Warn("operator pubkey remove failed", "user", username, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Info("operator pubkey removed", "user", username, "id", index)
	}
	return nil
}

// HasLoginPubKey reports whether the key is authorized for the operator.
func (s *Store) HasLoginPubKey(userID schema.UserID, key ssh.PublicKey) (bool, error) {
	if err := s.refreshIfNeeded(); err != nil {
		return false, err
	}
	username, err := validateUsername(string(userID))
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	op, ok := s.operators[username]
	s.mu.RUnlock()
	if !ok {
		return false, ErrOperatorNotFound
	}
	for _, raw := range op.LoginPubKeys {
		if keyEqual(raw, key) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ensureFile(seeds []appconfig.SeedUser) error {
	if _, statErr := os.Stat(s.path); statErr == nil {
		return nil
	} else if !os.IsNotExist(statErr) {
		if s.log != nil {
			s.log.Warn("operator store init failed", "err", statErr)
		}
		return statErr
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		if s.log != nil {
			s.log.Warn("operator store init failed", "err", err)
		}
		return err
	}
	ops := make([]Operator, 0, len(seeds))
	for _, seed := range seeds {
		if _, err := validateUsername(seed.Username); err != nil {
			return err
		}
		ops = append(ops, Operator{
			Username:     seed.Username,
			PasswordHash: seed.PasswordHash,
			TOTPSecret:   seed.TOTPSecret,
		})
	}
	data, err := json.MarshalIndent(ops, "", "  ")
	if err != nil {
		if s.log != nil {
			s.log.Warn("operator store init failed", "err", err)
		}
		return err
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		if s.log != nil {
			s.log.Warn("operator store init failed", "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Info("operator store initialized", "users", len(ops))
	}
	return nil
}

func validateUsername(username string) (string, error) {
	if err := schema.ValidateUserID(schema.UserID(username)); err != nil {
		return "", schema.ErrInvalidUser
	}
	return username, nil
}

func (s *Store) saveLocked() error {
	keys := make([]string, 0, len(s.operators))
	for key := range s.operators {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	ops := make([]Operator, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, s.operators[key])
	}
	data, err := json.MarshalIndent(ops, "", "  ")
	if err != nil {
		if s.log != nil {
			s.log.Warn("operator store save failed", "err", err)
		}
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "users-*.json")
	if err != nil {
		if s.log != nil {
			s.log.Warn("operator store save failed", "err", err)
		}
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("operator store save failed", "err", err)
		}
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("operator store save failed", "err", err)
		}
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("operator store save failed", "err", err)
		}
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("operator store save failed", "err", err)
		}
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		if s.log != nil {
			s.log.Warn("operator store save failed", "err", err)
		}
		return err
	}
	if info, err := os.Stat(s.path); err == nil {
		s.fileState = fileStateFromInfo(info)
	} else if s.log != nil {
		s.log.Warn("operator store save failed to stat", "err", err)
	}
	if s.log != nil {
		s.log.Debug("operator store save ok", "users", len(ops))
	}
	return nil
}

type fileState struct {
	modTime time.Time
	size    int64
	inode   uint64
	dev     uint64
}

func fileStateFromInfo(info os.FileInfo) fileState {
	state := fileState{
		modTime: info.ModTime(),
		size:    info.Size(),
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		state.inode = stat.Ino
		state.dev = stat.Dev
	}
	return state
}

func (s fileState) equal(other fileState) bool {
	return s.size == other.size &&
		s.modTime.Equal(other.modTime) &&
		s.inode == other.inode &&
		s.dev == other.dev
}

func (s *Store) refreshIfNeeded() error {
	info, err := os.Stat(s.path)
	if err != nil {
		if s.log != nil {
			s.log.Warn("operator store stat failed", "err", err)
		}
		return err
	}
	latest := fileStateFromInfo(info)
	s.mu.RLock()
	current := s.fileState
	s.mu.RUnlock()
	if current.equal(latest) {
		return nil
	}
	return s.loadFromDisk()
}

func (s *Store) loadFromDisk() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if s.log != nil {
			s.log.Warn("operator store load failed", "err", err)
		}
		return err
	}
	var ops []Operator
	if err := json.Unmarshal(data, &ops); err != nil {
		if s.log != nil {
			s.log.Warn("operator store load failed", "err", err)
		}
		return err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		if s.log != nil {
			s.log.Warn("operator store load failed", "err", err)
		}
		return err
	}
	next := make(map[string]Operator, len(ops))
	for _, op := range ops {
		if _, err := validateUsername(op.Username); err != nil {
			if s.log != nil {
				s.log.Warn("operator store load failed", "err", err)
			}
			return err
		}
		next[op.Username] = op
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operators = next
	s.fileState = fileStateFromInfo(info)
	if s.log != nil {
		s.log.Debug("operator store load ok", "users", len(ops))
	}
	return nil
}

func normalizeLoginPubKey(raw string) (string, ssh.PublicKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil, errors.New("pubkey is required")
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(trimmed))
	if err != nil {
		return "", nil, errors.New("invalid pubkey")
	}
	return trimmed, key, nil
}

func keyEqual(raw string, key ssh.PublicKey) bool {
	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(raw)))
	if err != nil {
		return false
	}
	return bytes.Equal(parsed.Marshal(), key.Marshal())
}
