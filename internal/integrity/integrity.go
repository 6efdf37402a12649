// Package integrity provides tamper-evident hashing and Merkle tree
// construction for vault audit streams. All functions are pure and
// deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gowebpki/jcs"

	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// GenesisHash is the predecessor of the first event in every vault's chain.
const GenesisHash = ""

// chainLink is the hashed unit.
type chainLink struct {
	Prev  string      `json:"prev"`
	Seq   int64       `json:"seq"`
	Event vault.Event `json:"event"`
	Exact exactInts   `json:"exact"`
}

// exactInts repeats every int64 of a link as a decimal string. Canonical
// JSON numbers are IEEE doubles, so above 2^53 only these strings bind the
// low bits.
type exactInts struct {
	Seq            string `json:"seq"`
	Amount         string `json:"amount"`
	MaxPerTx       string `json:"max_per_tx,omitempty"`
	TotalPerPeriod string `json:"total_per_period,omitempty"`
	MaxTxPerPeriod string `json:"max_tx_per_period,omitempty"`
	PeriodLength   string `json:"period_length,omitempty"`
}

func newChainLink(prev string, seq int64, e vault.Event) chainLink {
	x := exactInts{
		Seq:    strconv.FormatInt(seq, 10),
		Amount: strconv.FormatInt(e.Amount, 10),
	}
	if l := e.Limits; l != nil {
		x.MaxPerTx = strconv.FormatInt(l.MaxPerTx, 10)
		x.TotalPerPeriod = strconv.FormatInt(l.TotalPerPeriod, 10)
		x.MaxTxPerPeriod = strconv.FormatInt(l.MaxTxPerPeriod, 10)
		x.PeriodLength = strconv.FormatInt(int64(l.PeriodLength), 10)
	}
	return chainLink{Prev: prev, Seq: seq, Event: e, Exact: x}
}

// CanonicalEvent returns the RFC 8785 canonical JSON form of an event
// together with its chain position. Two encoders that agree on the event's
// values always produce the same bytes.
func CanonicalEvent(prev string, seq int64, e vault.Event) ([]byte, error) {
	raw, err := json.Marshal(newChainLink(prev, seq, e))
	if err != nil {
		return nil, fmt.Errorf("integrity: marshal event: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("integrity: canonicalize event: %w", err)
	}
	return canon, nil
}

// EventHash returns SHA-256(0x00 || canonical(prev, seq, event)) as hex. The
// 0x00 prefix marks a leaf so it never collides with an internal Merkle
// node.
func EventHash(prev string, seq int64, e vault.Event) (string, error) {
	canon, err := CanonicalEvent(prev, seq, e)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte{0x00})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain recomputes every hash in events, which must be one vault's
// events in sequence order starting anywhere in the chain. It returns the
// sequence number of the first event that does not verify.
func VerifyChain(events []model.RecordedEvent) error {
	for i, re := range events {
		if i > 0 {
			prev := events[i-1]
			if re.Seq != prev.Seq+1 {
				return fmt.Errorf("integrity: gap after seq %d (next is %d)", prev.Seq, re.Seq)
			}
			if re.PrevHash != prev.Hash {
				return fmt.Errorf("integrity: seq %d does not link to seq %d", re.Seq, prev.Seq)
			}
		}
		want, err := EventHash(re.PrevHash, re.Seq, re.Event)
		if err != nil {
			return err
		}
		if want != re.Hash {
			return fmt.Errorf("integrity: seq %d hash mismatch", re.Seq)
		}
	}
	return nil
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962),
// ensuring internal node hashes can never collide with leaf hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01}) // internal node domain separator
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaves are taken in the order given; event batches pass them in sequence order.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
