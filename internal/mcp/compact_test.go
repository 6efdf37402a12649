package mcp

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/guardvault/internal/assets"
	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/service/vaults"
	"github.com/ashita-ai/guardvault/internal/testutil"
	"github.com/ashita-ai/guardvault/internal/vault"
)

func compactServer() *Server {
	return &Server{assets: assets.Default(), logger: testutil.TestLogger()}
}

func TestCompactVault(t *testing.T) {
	s := compactServer()
	active, revoked := uuid.New(), uuid.New()
	removedAt := time.Now()
	limits := vault.Limits{MaxPerTx: 5_000_000, TotalPerPeriod: 20_000_000, MaxTxPerPeriod: 3, PeriodLength: time.Hour}
	snap := vault.Snapshot{
		ID:       uuid.New(),
		Owner:    owner,
		Balances: map[vault.AssetID]int64{"USDC": 12_340_000, "WETH": 1_500_000_000},
		Agents: []vault.AgentRecord{
			{ID: active, Principal: agent, Active: true, CapabilityDigest: "secret-digest"},
			{ID: revoked, Principal: "old-bot", RemovedAt: &removedAt, CapabilityDigest: "old-digest"},
		},
		Policies: []vault.SpendPolicy{
			{AgentID: active, AssetID: "USDC", Limits: limits, PeriodStart: time.Now(), SpentThisPeriod: 2_000_000, TxCountThisPeriod: 1},
			{AgentID: revoked, AssetID: "USDC", Limits: limits, PeriodStart: time.Now()},
		},
	}

	m := s.compactVault(snap)
	assert.Equal(t, map[string]string{"USDC": "12.34", "WETH": "1.5"}, m["balances"])

	agents := m["agents"].([]map[string]any)
	assert.Len(t, agents, 1, "revoked agents are omitted")
	assert.Equal(t, active, agents[0]["agent_id"])
	assert.NotContains(t, agents[0], "capability_digest")

	policies := m["policies"].([]map[string]any)
	assert.Len(t, policies, 1, "policies of revoked agents are omitted")
	assert.Equal(t, "5", policies[0]["max_per_tx"])
	assert.Equal(t, "18", policies[0]["remaining"])
	assert.Equal(t, int64(2), policies[0]["remaining_txs"])
}

func TestCompactPolicy(t *testing.T) {
	s := compactServer()
	end := time.Now().Add(time.Hour)
	m := s.compactPolicy(vaults.PolicyView{
		Policy: vault.SpendPolicy{
			AgentID: uuid.New(),
			AssetID: "EURC",
			Limits:  vault.Limits{MaxPerTx: 1_000_000, TotalPerPeriod: 10_000_000, MaxTxPerPeriod: 10, PeriodLength: 24 * time.Hour},
		},
		AgentActive:  true,
		Remaining:    7_250_000,
		RemainingTxs: 8,
		PeriodEnd:    end,
	})
	assert.Equal(t, "1", m["max_per_tx"])
	assert.Equal(t, "7.25", m["remaining"])
	assert.Equal(t, int64(7_250_000), m["remaining_units"])
	assert.Equal(t, end, m["period_end"])
}

func TestCompactEvent(t *testing.T) {
	s := compactServer()
	id := uuid.New()

	payment := s.compactEvent(model.RecordedEvent{
		VaultID:  id,
		Seq:      9,
		Hash:     "h9",
		PrevHash: "h8",
		Event: vault.Event{
			Type:      vault.EventPaymentExecuted,
			VaultID:   id,
			AgentID:   uuid.NewString(),
			AssetID:   "USDC",
			Recipient: merchant,
			Amount:    3_500_000,
		},
	})
	assert.Equal(t, int64(9), payment["seq"])
	assert.Equal(t, "3.5", payment["amount"])
	assert.Equal(t, vault.Principal(merchant), payment["recipient"])
	assert.NotContains(t, payment, "prev_hash")
	assert.NotContains(t, payment, "limits")

	paused := s.compactEvent(model.RecordedEvent{Seq: 10, Event: vault.Event{Type: vault.EventVaultPaused, VaultID: id}})
	assert.Len(t, paused, 3, "events without parameters carry only seq, type and time")

	policy := s.compactEvent(model.RecordedEvent{Seq: 11, Event: vault.Event{
		Type:    vault.EventPolicySet,
		AssetID: "USDC",
		Limits:  &vault.Limits{MaxPerTx: 1_000_000, TotalPerPeriod: 2_000_000, MaxTxPerPeriod: 2, PeriodLength: time.Hour},
	}})
	assert.Equal(t, "1", policy["max_per_tx"])
	assert.Equal(t, "1h0m0s", policy["period"])
}
