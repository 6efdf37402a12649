// Package auth provides JWT-based authentication for guardvault callers.
//
// Uses Ed25519 (EdDSA) for JWT signing. Keys can be loaded from PEM files
// or auto-generated for development.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// Claims extends jwt.RegisteredClaims with guardvault fields. Subject is
// the caller's principal.
type Claims struct {
	jwt.RegisteredClaims
	Role model.Role `json:"role"`
	// VaultID restricts a scoped token to one vault's agent endpoints.
	VaultID *uuid.UUID `json:"vault_id,omitempty"`
	// ScopedBy is the owner that issued a scoped token.
	ScopedBy vault.Principal `json:"scoped_by,omitempty"`
}

// Principal returns the subject as a principal.
func (c *Claims) Principal() vault.Principal { return vault.Principal(c.Subject) }

// Scoped reports whether the token is restricted to a single vault.
func (c *Claims) Scoped() bool { return c.VaultID != nil }

// CanView reports whether the caller may read snap: an unscoped admin, the
// owner, or one of its active agents. A scoped token only sees its vault.
// A nil receiver sees nothing.
func (c *Claims) CanView(snap vault.Snapshot) bool {
	if c == nil {
		return false
	}
	if c.Scoped() && *c.VaultID != snap.ID {
		return false
	}
	if c.Role == model.RoleAdmin && !c.Scoped() {
		return true
	}
	p := c.Principal()
	if p.Equal(snap.Owner) {
		return true
	}
	for _, a := range snap.Agents {
		if a.Active && a.Principal.Equal(p) {
			return true
		}
	}
	return false
}

const tokenIssuer = "guardvault"

// MaxScopedTokenTTL is the maximum lifetime of a scoped token.
const MaxScopedTokenTTL = time.Hour

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from PEM key files.
// If paths are empty, generates an ephemeral key pair (for development).
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	privPEM, err := os.ReadFile(privateKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("auth: decode private key PEM")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	edPriv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}

	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}

	// Verify the public key matches the private key to catch misconfiguration
	// (e.g., deploying a private key from one environment with a public key from another).
	derivedPub := edPriv.Public().(ed25519.PublicKey)
	if !bytes.Equal(derivedPub, edPub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}

	return &JWTManager{privateKey: edPriv, publicKey: edPub, expiration: expiration}, nil
}

// IssueToken creates a signed JWT for the given account.
func (m *JWTManager) IssueToken(a model.Account) (string, time.Time, error) {
	return m.sign(Claims{Role: a.Role}, a.Name, m.expiration)
}

// IssueScopedToken issues a short-lived user token for an agent principal
// that is only accepted on vaultID's agent endpoints. TTL is capped at
// MaxScopedTokenTTL regardless of the requested value.
func (m *JWTManager) IssueScopedToken(owner, agent vault.Principal, vaultID uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 || ttl > MaxScopedTokenTTL {
		ttl = MaxScopedTokenTTL
	}
	return m.sign(Claims{Role: model.RoleUser, VaultID: &vaultID, ScopedBy: owner}, agent, ttl)
}

func (m *JWTManager) sign(claims Claims, subject vault.Principal, ttl time.Duration) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   string(subject),
		Issuer:    tokenIssuer,
		Audience:  jwt.ClaimStrings{tokenIssuer},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(tokenIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}

	if claims.Issuer != tokenIssuer {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}

	if _, err := vault.ParsePrincipal(claims.Subject); err != nil {
		return nil, fmt.Errorf("auth: invalid subject (expected principal): %w", err)
	}
	if err := model.ValidateRole(claims.Role); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	return claims, nil
}
