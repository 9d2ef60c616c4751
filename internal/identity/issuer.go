// Package identity mints and verifies the EdDSA tokens clients present
// to the relay. Identities are random 16-byte values rendered as lowercase
// hex; tokens carry the identity, the issuer name, and a role claim.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pkt.systems/shellrelay/schema"
)

var (
	// ErrTokenInvalid is returned when a token fails signature, issuer,
	// or claim checks.
	ErrTokenInvalid = errors.New("identity token is invalid")
	// ErrTokenExpired is returned when a token is past its expiry.
	ErrTokenExpired = errors.New("identity token is expired")
)

// Issuer signs and verifies identity tokens with the relay signing key.
type Issuer struct {
	key ed25519.PrivateKey
	pub ed25519.PublicKey
	cfg schema.IdentityConfig
	now func() time.Time
}

// NewIssuer builds an issuer around the given signing key.
func NewIssuer(key ed25519.PrivateKey, cfg schema.IdentityConfig) (*Issuer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("ed25519 signing key is required")
	}
	return &Issuer{
		key: key,
		pub: key.Public().(ed25519.PublicKey),
		cfg: schema.NormalizeIdentityConfig(cfg),
		now: time.Now,
	}, nil
}

// NewIdentity mints a fresh random identity.
func NewIdentity() (schema.Identity, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint identity: %w", err)
	}
	return schema.Identity(hex.EncodeToString(buf)), nil
}

// IdentityForUser derives the stable identity of an operator account. The
// same username yields the same identity across logins, so database ownership
// survives token renewal.
func (i *Issuer) IdentityForUser(userID schema.UserID) schema.Identity {
	sum := sha256.Sum256([]byte(i.cfg.Issuer + "/" + string(userID)))
	return schema.Identity(hex.EncodeToString(sum[:16]))
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Mint signs a token for the identity with the given role.
func (i *Issuer) Mint(id schema.Identity, role schema.Role) (string, error) {
	if strings.TrimSpace(string(id)) == "" {
		return "", errors.New("identity is required")
	}
	switch role {
	case schema.RoleClient, schema.RoleOperator:
	default:
		return "", fmt.Errorf("unsupported role %q", role)
	}
	now := i.now().UTC()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id),
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.TokenTTL)),
		},
		Role: string(role),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign identity token: %w", err)
	}
	return token, nil
}

// Verify checks the token signature, issuer, and expiry, and returns the
// embedded identity and role.
func (i *Issuer) Verify(token string) (schema.Identity, schema.Role, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "", fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.pub, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return i.now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", ErrTokenExpired
		}
		return "", "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	id := schema.Identity(claims.Subject)
	if id == "" {
		return "", "", fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	role := schema.Role(claims.Role)
	switch role {
	case schema.RoleClient, schema.RoleOperator:
	default:
		return "", "", fmt.Errorf("%w: unknown role %q", ErrTokenInvalid, claims.Role)
	}
	return id, role, nil
}

// PublicKey returns the verification half of the signing key.
func (i *Issuer) PublicKey() ed25519.PublicKey {
	return i.pub
}
