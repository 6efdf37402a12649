package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Authorization is what a caller presents to executePayment. It comes in two
// variants that carry the same guarantee:
//   - Capability: a possession token minted by addAgent (object-capability ledgers)
//   - AccountAuth: the authenticated caller identity (account-based ledgers)
//
// Both are bound to exactly one vault. The set of variants is closed.
type Authorization interface {
	BoundVault() VaultID
	sealed()
}

// Verifier is the vault-side half of authorization: Bound answers "was this
// token issued by this vault for this agent", IsAgentActive answers "has the
// owner not revoked it". Payments require both.
type Verifier interface {
	Bound(auth Authorization, agentID AgentID) bool
	IsAgentActive(agentID AgentID) bool
}

const capabilityPrefix = "gvcap_"

// Capability is an unforgeable agent token. Only the vault that minted it
// holds the digest of its secret.
type Capability struct {
	vaultID VaultID
	agentID AgentID
	secret  string
}

func (Capability) sealed() {}

// BoundVault returns the vault the capability was minted for.
func (c Capability) BoundVault() VaultID { return c.vaultID }

// AgentID returns the agent slot the capability authorizes.
func (c Capability) AgentID() AgentID { return c.agentID }

// String encodes the capability for transport. The result is a bearer
// secret and must be handled like an API key.
func (c Capability) String() string {
	return capabilityPrefix + c.vaultID.String() + "." + c.agentID.String() + "." + c.secret
}

// ParseCapability decodes a token produced by Capability.String.
func ParseCapability(s string) (Capability, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), capabilityPrefix)
	if !ok {
		return Capability{}, fmt.Errorf("vault: capability: missing %q prefix", capabilityPrefix)
	}
	parts := strings.SplitN(rest, ".", 3)
	if len(parts) != 3 || parts[2] == "" {
		return Capability{}, fmt.Errorf("vault: capability: malformed token")
	}
	vid, err := uuid.Parse(parts[0])
	if err != nil {
		return Capability{}, fmt.Errorf("vault: capability: vault id: %w", err)
	}
	aid, err := uuid.Parse(parts[1])
	if err != nil {
		return Capability{}, fmt.Errorf("vault: capability: agent id: %w", err)
	}
	return Capability{vaultID: vid, agentID: aid, secret: parts[2]}, nil
}

// AccountAuth authorizes by caller identity, the equivalent of msg.sender.
type AccountAuth struct {
	Vault  VaultID
	Caller Principal
}

func (AccountAuth) sealed() {}

// BoundVault returns the vault the caller is addressing.
func (a AccountAuth) BoundVault() VaultID { return a.Vault }

// randRead is swapped in tests that need deterministic secrets.
var randRead = rand.Read

func mintCapability(vaultID VaultID, agentID AgentID) (Capability, string, error) {
	buf := make([]byte, 32)
	if _, err := randRead(buf); err != nil {
		return Capability{}, "", fmt.Errorf("vault: mint capability: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	return Capability{vaultID: vaultID, agentID: agentID, secret: secret}, digestSecret(secret), nil
}

func digestSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func digestMatches(secret, digest string) bool {
	got := digestSecret(secret)
	return subtle.ConstantTimeCompare([]byte(got), []byte(digest)) == 1
}
