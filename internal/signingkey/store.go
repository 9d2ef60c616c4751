package signingkey

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
)

const (
	keyFile        = "signing.enc"
	pubFile        = "signing.pub"
	descriptorName = "shellrelay:signingkey"
)

// Store manages the relay's identity signing key, encrypted at rest.
type Store struct {
	storePath string
	keyDir    string
	log       pslog.Logger
}

// NewStore initializes the signing key store and ensures the root key exists.
func NewStore(storePath, keyDir string) (*Store, error) {
	return NewStoreWithLogger(storePath, keyDir, nil)
}

// NewStoreWithLogger initializes the signing key store with logging.
func NewStoreWithLogger(storePath, keyDir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(storePath) == "" {
		return nil, fmt.Errorf("signing key store path is required")
	}
	if strings.TrimSpace(keyDir) == "" {
		return nil, fmt.Errorf("signing key directory is required")
	}
	if err := os.MkdirAll(filepath.Dir(storePath), 0o700); err != nil {
		return nil, err
	}
	store, err := keymgmt.LoadProto(storePath)
	if err != nil {
		if logger != nil {
			logger.Warn("signing key store ensure failed", "err", err)
		}
		return nil, err
	}
	if _, err := store.EnsureRootKey(); err != nil {
		if logger != nil {
			logger.Warn("signing key store ensure failed", "err", err)
		}
		return nil, err
	}
	if err := store.Commit(); err != nil {
		if logger != nil {
			logger.Warn("signing key store ensure failed", "err", err)
		}
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("signing_key_store", storePath, "signing_key_dir", keyDir)
	}
	return &Store{storePath: storePath, keyDir: keyDir, log: logger}, nil
}

// EnsureKey loads the signing key, generating a fresh one on first use.
func (s *Store) EnsureKey() (ed25519.PrivateKey, error) {
	if _, err := os.Stat(s.privateKeyPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.writeKey(false)
		}
		if s.log != nil {
			s.log.Warn("signing key stat failed", "err", err)
		}
		return nil, err
	}
	return s.Load()
}

// Rotate replaces the signing key and mints fresh encryption material.
// Tokens minted with the old key stop verifying.
func (s *Store) Rotate() (ed25519.PrivateKey, error) {
	if s.log != nil {
		s.log.Info("signing key rotate start")
	}
	return s.writeKey(true)
}

// Load decrypts and parses the stored signing key.
func (s *Store) Load() (ed25519.PrivateKey, error) {
	path := s.privateKeyPath()
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		if s.log != nil {
			s.log.Warn("signing key load failed", "err", err)
		}
		return nil, err
	}
	material, root, err := s.material(false)
	if err != nil {
		if s.log != nil {
			s.log.Warn("signing key load failed", "err", err)
		}
		return nil, err
	}
	kg := kryptograf.New(root)
	file, err := os.Open(path)
	if err != nil {
		if s.log != nil {
			s.log.Warn("signing key load failed", "err", err)
		}
		return nil, err
	}
	defer func() { _ = file.Close() }()
	reader, err := kg.DecryptReader(file, material)
	if err != nil {
		if s.log != nil {
			s.log.Warn("signing key load failed", "err", err)
		}
		return nil, err
	}
	defer func() { _ = reader.Close() }()
	plain, err := io.ReadAll(reader)
	if err != nil {
		if s.log != nil {
			s.log.Warn("signing key load failed", "err", err)
		}
		return nil, err
	}
	raw, err := ssh.ParseRawPrivateKey(plain)
	if err != nil {
		if s.log != nil {
			s.log.Warn("signing key load failed", "err", err)
		}
		return nil, err
	}
	key, ok := raw.(*ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("stored signing key is not ed25519")
	}
	if s.log != nil {
		s.log.Debug("signing key load ok")
	}
	return *key, nil
}

// PublicKey returns the stored public key in authorized_keys form.
func (s *Store) PublicKey() (string, error) {
	data, err := os.ReadFile(s.publicKeyPath())
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		if s.log != nil {
			s.log.Warn("signing key public load failed", "err", err)
		}
		return "", err
	}
	priv, err := s.Load()
	if err != nil {
		return "", err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}

func (s *Store) writeKey(rotate bool) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		if s.log != nil {
			s.log.Warn("signing key write failed", "err", err)
		}
		return nil, err
	}
	block, err := ssh.MarshalPrivateKey(priv, "shellrelay-signing")
	if err != nil {
		if s.log != nil {
			s.log.Warn("signing key write failed", "err", err)
		}
		return nil, err
	}
	plain := pem.EncodeToMemory(block)
	material, root, err := s.material(rotate)
	if err != nil {
		if s.log != nil {
			s.log.Warn("signing key write failed", "err", err)
		}
		return nil, err
	}
	kg := kryptograf.New(root)

	tmp, err := os.CreateTemp(s.keyDir, "signing-*.enc")
	if err != nil {
		if s.log != nil {
			s.log.Warn("signing key write failed", "err", err)
		}
		return nil, err
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		if s.log != nil {
			s.log.Warn("signing key write failed", "err", err)
		}
		return nil, err
	}
	writer, err := kg.EncryptWriter(tmp, material)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		if s.log != nil {
			s.log.Warn("signing key write failed", "err", err)
		}
		return nil, err
	}
	if _, err := io.Copy(writer, bytes.NewReader(plain)); err != nil {
		_ = writer.Close()
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		if s.log != nil {
			s.log.Warn("signing key write failed", "err", err)
		}
		return nil, err
	}
	if err := writer.Close(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		if s.log != nil {
			s.log.Warn("signing key write failed", "err", err)
		}
		return nil, err
	}
	_ = tmp.Close()
	if err := os.Rename(tmpPath, s.privateKeyPath()); err != nil {
		_ = os.Remove(tmpPath)
		if s.log != nil {
			s.log.Warn("signing key write failed", "err", err)
		}
		return nil, err
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		if s.log != nil {
			s.log.Warn("signing key write failed", "err", err)
		}
		return nil, err
	}
	pub := ssh.MarshalAuthorizedKey(signer.PublicKey())
	if err := os.WriteFile(s.publicKeyPath(), pub, 0o644); err != nil {
		if s.log != nil {
			s.log.Warn("signing key write failed", "err", err)
		}
		return nil, err
	}
	if s.log != nil {
		action := "generated"
		if rotate {
			action = "rotated"
		}
		s.log.Info("signing key write ok", "action", action)
	}
	return priv, nil
}

func (s *Store) material(rotate bool) (keymgmt.Material, keymgmt.RootKey, error) {
	store, err := keymgmt.LoadProto(s.storePath)
	if err != nil {
		if s.log != nil {
			s.log.Warn("signing key material load failed", "err", err)
		}
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		if s.log != nil {
			s.log.Warn("signing key material load failed", "err", err)
		}
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	contextBytes := []byte(descriptorName)
	var material keymgmt.Material
	if rotate {
		material, err = keymgmt.MintDEK(root, contextBytes)
		if err != nil {
			if s.log != nil {
				s.log.Warn("signing key material mint failed", "err", err)
			}
			return keymgmt.Material{}, keymgmt.RootKey{}, err
		}
		if err := store.SetDescriptor(descriptorName, material.Descriptor); err != nil {
			if s.log != nil {
				s.log.Warn("signing key material update failed", "err", err)
			}
			return keymgmt.Material{}, keymgmt.RootKey{}, err
		}
	} else {
		material, err = store.EnsureDescriptor(descriptorName, root, contextBytes)
		if err != nil {
			if s.log != nil {
				s.log.Warn("signing key material ensure failed", "err", err)
			}
			return keymgmt.Material{}, keymgmt.RootKey{}, err
		}
	}
	if err := store.Commit(); err != nil {
		if s.log != nil {
			s.log.Warn("signing key material commit failed", "err", err)
		}
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	return material, root, nil
}

func (s *Store) privateKeyPath() string {
	return filepath.Join(s.keyDir, keyFile)
}

func (s *Store) publicKeyPath() string {
	return filepath.Join(s.keyDir, pubFile)
}
