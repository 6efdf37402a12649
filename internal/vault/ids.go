package vault

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// VaultID identifies a vault instance.
type VaultID = uuid.UUID

// AgentID identifies one authorization minted by addAgent. Re-adding the same
// principal always yields a new AgentID.
type AgentID = uuid.UUID

// AssetID names an asset in the ledger's namespace ("native", "USDC",
// "erc20:0x...").
type AssetID string

// NativeAsset is the ledger's native currency.
const NativeAsset AssetID = "native"

const maxIdentifierLen = 255

// Validate checks that an asset ID is non-empty and printable.
func (a AssetID) Validate() error {
	if a == "" || len(a) > maxIdentifierLen {
		return ErrInvalidAsset
	}
	for i := 0; i < len(a); i++ {
		c := a[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != ':' && c != '/' {
			return ErrInvalidAsset
		}
	}
	return nil
}

// Principal is an external identity: an account address on account-based
// ledgers ("0x" + 40 hex digits) or an opaque name elsewhere.
type Principal string

// ParsePrincipal normalizes s into a Principal. Hex addresses are returned in
// EIP-55 checksum form so the same account always compares equal. Empty
// input, malformed addresses and the zero address fail with ErrZeroAddress.
func ParsePrincipal(s string) (Principal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrZeroAddress
	}
	if hasHexPrefix(s) {
		if !common.IsHexAddress(s) {
			return "", ErrZeroAddress
		}
		addr := common.HexToAddress(s)
		if addr == (common.Address{}) {
			return "", ErrZeroAddress
		}
		return Principal(addr.Hex()), nil
	}
	if len(s) > maxIdentifierLen {
		return "", ErrZeroAddress
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' && c != ':' {
			return "", ErrZeroAddress
		}
	}
	return Principal(s), nil
}

// Validate reports whether p is a usable recipient or owner.
func (p Principal) Validate() error {
	_, err := ParsePrincipal(string(p))
	return err
}

// Equal compares principals; hex addresses compare case-insensitively.
func (p Principal) Equal(other Principal) bool {
	if hasHexPrefix(string(p)) && hasHexPrefix(string(other)) {
		return strings.EqualFold(string(p), string(other))
	}
	return p == other
}

func hasHexPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}
