package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/guardvault/internal/assets"
	"github.com/ashita-ai/guardvault/internal/auth"
	"github.com/ashita-ai/guardvault/internal/ctxutil"
	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/service/vaults"
	"github.com/ashita-ai/guardvault/internal/storage/sqlite"
	"github.com/ashita-ai/guardvault/internal/testutil"
	"github.com/ashita-ai/guardvault/internal/vault"
)

const (
	owner    = vault.Principal("alice")
	agent    = vault.Principal("shopping-bot")
	merchant = "merchant.example"
)

type fixture struct {
	server *Server
	svc    *vaults.Service
	id     vault.VaultID
	grant  vault.Grant
}

// newFixture creates a vault holding 100 USDC and one agent limited to
// 20 USDC per payment, 50 USDC and 5 payments per day.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := testutil.TestLogger()
	store, err := sqlite.Open(ctx, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(ctx) })

	svc := vaults.New(store, testutil.NewClock(time.Now()), logger)
	res, err := svc.CreateVault(ctx, owner)
	require.NoError(t, err)
	id := res.Vault.ID

	require.NoError(t, svc.Fund(ctx, owner, "USDC", 100_000_000))
	_, err = svc.Deposit(ctx, id, owner, "USDC", 100_000_000)
	require.NoError(t, err)

	grant, _, err := svc.AddAgent(ctx, id, owner, agent)
	require.NoError(t, err)
	_, err = svc.SetPolicy(ctx, id, owner, grant.AgentID, "USDC", vault.Limits{
		MaxPerTx:       20_000_000,
		TotalPerPeriod: 50_000_000,
		MaxTxPerPeriod: 5,
		PeriodLength:   24 * time.Hour,
	})
	require.NoError(t, err)

	return &fixture{
		server: New(svc, assets.Default(), logger, "test"),
		svc:    svc,
		id:     id,
		grant:  grant,
	}
}

// callerCtx returns a context carrying user claims for p.
func callerCtx(p vault.Principal) context.Context {
	return ctxutil.WithClaims(context.Background(), &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: string(p)},
		Role:             model.RoleUser,
	})
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func paymentArgs(amount string) map[string]any {
	return map[string]any{
		"asset_id":  "USDC",
		"recipient": merchant,
		"amount":    amount,
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func decodeResult(t *testing.T, result *mcplib.CallToolResult) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &m))
	return m
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	snap, err := f.svc.Get(context.Background(), f.id)
	require.NoError(t, err)
	return snap.Balances["USDC"]
}

// ---------- vault_check_payment ----------

func TestHandleCheckPayment_Allowed(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleCheckPayment(callerCtx(agent), toolRequest("vault_check_payment", paymentArgs("12.5")))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	m := decodeResult(t, result)
	assert.Equal(t, true, m["allowed"])
	assert.Equal(t, "12.5", m["amount"])
	assert.Equal(t, "50", m["remaining_display"])
	assert.Equal(t, "100", m["balance_display"])
	assert.Equal(t, f.grant.AgentID.String(), m["agent_id"])
	assert.Equal(t, f.id.String(), m["vault_id"])

	assert.True(t, f.server.preflight.WasChecked(f.id, f.grant.AgentID, "USDC"))
}

func TestHandleCheckPayment_OverLimit(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleCheckPayment(callerCtx(agent), toolRequest("vault_check_payment", paymentArgs("25")))
	require.NoError(t, err)
	require.False(t, result.IsError, "a denied preflight is an answer, not a tool error")

	m := decodeResult(t, result)
	assert.Equal(t, false, m["allowed"])
	assert.Equal(t, string(vault.KindExceedsMaxPerTx), m["kind"])
	assert.Equal(t, string(vault.DispositionAskHuman), m["disposition"])
}

func TestHandleCheckPayment_Units(t *testing.T) {
	f := newFixture(t)

	args := map[string]any{"asset_id": "USDC", "recipient": merchant, "units": float64(1_500_000)}
	result, err := f.server.handleCheckPayment(callerCtx(agent), toolRequest("vault_check_payment", args))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))
	assert.Equal(t, "1.5", decodeResult(t, result)["amount"])
}

func TestHandleCheckPayment_BadArguments(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx(agent)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing recipient", map[string]any{"asset_id": "USDC", "amount": "1"}, "required"},
		{"no amount", map[string]any{"asset_id": "USDC", "recipient": merchant}, "amount"},
		{"amount and units", map[string]any{"asset_id": "USDC", "recipient": merchant, "amount": "1", "units": float64(1)}, "mutually exclusive"},
		{"too many decimals", paymentArgs("0.0000001"), "decimal places"},
		{"fractional units", map[string]any{"asset_id": "USDC", "recipient": merchant, "units": 1.9}, "must be an integer"},
		{"units beyond 2^53", map[string]any{"asset_id": "USDC", "recipient": merchant, "units": float64(1 << 60)}, "as a string"},
		{"non-numeric units", map[string]any{"asset_id": "USDC", "recipient": merchant, "units": "ten"}, "must be an integer"},
		{"bad vault id", map[string]any{"vault_id": "nope", "asset_id": "USDC", "recipient": merchant, "amount": "1"}, "UUID"},
		{"bad agent id", map[string]any{"agent_id": "nope", "asset_id": "USDC", "recipient": merchant, "amount": "1"}, "UUID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.server.handleCheckPayment(ctx, toolRequest("vault_check_payment", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, parseToolText(t, result), tt.want)
		})
	}
}

func TestHandleCheckPayment_NotAnAgent(t *testing.T) {
	f := newFixture(t)

	// The owner sees the vault but has no agent record to act as.
	result, err := f.server.handleCheckPayment(callerCtx(owner), toolRequest("vault_check_payment", paymentArgs("1")))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "pass agent_id")

	args := paymentArgs("1")
	args["agent_id"] = f.grant.AgentID.String()
	result, err = f.server.handleCheckPayment(callerCtx(owner), toolRequest("vault_check_payment", args))
	require.NoError(t, err)
	assert.False(t, result.IsError, parseToolText(t, result))
}

// ---------- vault_execute_payment ----------

func TestHandleExecutePayment_PreflightNudge(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleExecutePayment(callerCtx(agent), toolRequest("vault_execute_payment", paymentArgs("10")))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	m := decodeResult(t, result)
	assert.Equal(t, "executed", m["status"])
	assert.Equal(t, true, m["preflight_skipped"])
	assert.Equal(t, "90", m["balance"])
	assert.Equal(t, "40", m["remaining"])

	require.Len(t, result.Content, 2, "expected payment result + nudge note")
	note, ok := result.Content[1].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, note.Text, "vault_check_payment")
}

func TestHandleExecutePayment_AfterCheck(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx(agent)

	_, err := f.server.handleCheckPayment(ctx, toolRequest("vault_check_payment", paymentArgs("12.5")))
	require.NoError(t, err)

	result, err := f.server.handleExecutePayment(ctx, toolRequest("vault_execute_payment", paymentArgs("12.5")))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))
	assert.Len(t, result.Content, 1)

	m := decodeResult(t, result)
	assert.Equal(t, false, m["preflight_skipped"])
	assert.Equal(t, "87.5", m["balance"])
	assert.Equal(t, float64(4), m["remaining_txs"])
	assert.Equal(t, int64(87_500_000), f.balance(t))
}

func TestHandleExecutePayment_Rejected(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleExecutePayment(callerCtx(agent), toolRequest("vault_execute_payment", paymentArgs("25")))
	require.NoError(t, err)
	require.True(t, result.IsError)

	var rej rejection
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &rej))
	assert.Equal(t, vault.KindExceedsMaxPerTx, rej.Kind)
	assert.Equal(t, vault.DispositionAskHuman, rej.Disposition)
	assert.Equal(t, int64(100_000_000), f.balance(t), "a rejected payment moves nothing")
}

func TestHandleExecutePayment_FractionalUnits(t *testing.T) {
	f := newFixture(t)

	args := map[string]any{"asset_id": "USDC", "recipient": merchant, "units": 1.9}
	result, err := f.server.handleExecutePayment(callerCtx(agent), toolRequest("vault_execute_payment", args))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "must be an integer")
	assert.Equal(t, int64(100_000_000), f.balance(t), "a truncated amount must never be paid")
}

func TestHandleExecutePayment_UnitsAsString(t *testing.T) {
	f := newFixture(t)

	args := map[string]any{"asset_id": "USDC", "recipient": merchant, "units": "2000000"}
	result, err := f.server.handleExecutePayment(callerCtx(agent), toolRequest("vault_execute_payment", args))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))
	assert.Equal(t, "2", decodeResult(t, result)["amount"])
	assert.Equal(t, int64(98_000_000), f.balance(t))
}

func TestHandleExecutePayment_CapabilityArgument(t *testing.T) {
	f := newFixture(t)

	// The session belongs to an orchestrator that is not itself an agent.
	args := paymentArgs("5")
	args["capability"] = f.grant.Capability.String()
	result, err := f.server.handleExecutePayment(callerCtx("orchestrator"), toolRequest("vault_execute_payment", args))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	m := decodeResult(t, result)
	assert.Equal(t, f.id.String(), m["vault_id"])
	assert.Equal(t, "95", m["balance"])
}

func TestHandleExecutePayment_CapabilityFromSession(t *testing.T) {
	f := newFixture(t)

	ctx := ctxutil.WithCapability(callerCtx("orchestrator"), f.grant.Capability)
	result, err := f.server.handleExecutePayment(ctx, toolRequest("vault_execute_payment", paymentArgs("5")))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))
	assert.Equal(t, int64(95_000_000), f.balance(t))
}

func TestHandleExecutePayment_ForgedCapability(t *testing.T) {
	f := newFixture(t)

	forged := "gvcap_" + f.id.String() + "." + f.grant.AgentID.String() + ".not-the-secret"
	args := paymentArgs("5")
	args["capability"] = forged
	result, err := f.server.handleExecutePayment(callerCtx("orchestrator"), toolRequest("vault_execute_payment", args))
	require.NoError(t, err)
	require.True(t, result.IsError)

	var rej rejection
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &rej))
	assert.Equal(t, vault.KindNotAuthorized, rej.Kind)
	assert.Equal(t, int64(100_000_000), f.balance(t))
}

func TestHandleExecutePayment_MalformedCapability(t *testing.T) {
	f := newFixture(t)

	args := paymentArgs("5")
	args["capability"] = "not-a-capability"
	result, err := f.server.handleExecutePayment(callerCtx(agent), toolRequest("vault_execute_payment", args))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "malformed")
}

func TestHandleExecutePayment_RevokedAgent(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RemoveAgent(context.Background(), f.id, owner, f.grant.AgentID)
	require.NoError(t, err)

	args := paymentArgs("5")
	args["capability"] = f.grant.Capability.String()
	result, err := f.server.handleExecutePayment(callerCtx(agent), toolRequest("vault_execute_payment", args))
	require.NoError(t, err)
	require.True(t, result.IsError)

	var rej rejection
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &rej))
	assert.NotEmpty(t, rej.Kind)
	assert.Equal(t, int64(100_000_000), f.balance(t))
}

// ---------- vault_status ----------

func TestHandleStatus_DefaultsToOwnVault(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleStatus(callerCtx(owner), toolRequest("vault_status", nil))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	m := decodeResult(t, result)
	assert.Equal(t, f.id.String(), m["vault_id"])
	assert.Equal(t, map[string]any{"USDC": "100"}, m["balances"])
	assert.Len(t, m["agents"], 1)
	assert.Len(t, m["policies"], 1)
}

func TestHandleStatus_ScopedToken(t *testing.T) {
	f := newFixture(t)

	ctx := ctxutil.WithClaims(context.Background(), &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: string(agent)},
		Role:             model.RoleUser,
		VaultID:          &f.id,
		ScopedBy:         owner,
	})
	result, err := f.server.handleStatus(ctx, toolRequest("vault_status", nil))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))
	assert.Equal(t, f.id.String(), decodeResult(t, result)["vault_id"])

	// A scoped token cannot look at another vault, even one that exists.
	other, err := f.svc.CreateVault(context.Background(), "bob")
	require.NoError(t, err)
	result, err = f.server.handleStatus(ctx, toolRequest("vault_status", map[string]any{"vault_id": other.Vault.ID.String()}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleStatus_Stranger(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleStatus(callerCtx("mallory"), toolRequest("vault_status", map[string]any{"vault_id": f.id.String()}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	var rej rejection
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &rej))
	assert.Equal(t, vault.KindVaultNotFound, rej.Kind, "invisible vaults look like missing ones")

	result, err = f.server.handleStatus(callerCtx("mallory"), toolRequest("vault_status", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "no vault_id")
}

func TestHandleStatus_NilClaims(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleStatus(context.Background(), toolRequest("vault_status", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "authentication required")
}

func TestHandleStatus_Admin(t *testing.T) {
	f := newFixture(t)

	ctx := ctxutil.WithClaims(context.Background(), &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "root"},
		Role:             model.RoleAdmin,
	})
	result, err := f.server.handleStatus(ctx, toolRequest("vault_status", map[string]any{"vault_id": f.id.String()}))
	require.NoError(t, err)
	assert.False(t, result.IsError, parseToolText(t, result))

	result, err = f.server.handleStatus(ctx, toolRequest("vault_status", map[string]any{"vault_id": uuid.NewString()}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ---------- vault_policy / vault_events ----------

func TestHandlePolicy(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handlePolicy(callerCtx(agent), toolRequest("vault_policy", map[string]any{"asset_id": "USDC"}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	m := decodeResult(t, result)
	assert.Equal(t, "20", m["max_per_tx"])
	assert.Equal(t, "50", m["remaining"])
	assert.Equal(t, float64(5), m["remaining_txs"])
	assert.Equal(t, "24h0m0s", m["period"])
	assert.Equal(t, true, m["agent_active"])
}

func TestHandlePolicy_NoPolicy(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handlePolicy(callerCtx(agent), toolRequest("vault_policy", map[string]any{"asset_id": "EURC"}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	var rej rejection
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &rej))
	assert.Equal(t, vault.KindNoPolicySet, rej.Kind)
	assert.Equal(t, vault.DispositionFixConfig, rej.Disposition)
}

func TestHandleEvents(t *testing.T) {
	f := newFixture(t)
	ctx := callerCtx(owner)

	result, err := f.server.handleEvents(ctx, toolRequest("vault_events", nil))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	m := decodeResult(t, result)
	events := m["events"].([]any)
	require.Len(t, events, 4)
	var types []string
	for _, e := range events {
		types = append(types, e.(map[string]any)["type"].(string))
	}
	assert.Equal(t, []string{"VaultCreated", "Deposited", "AgentAdded", "PolicySet"}, types)
	assert.Equal(t, "100", events[1].(map[string]any)["amount"])

	result, err = f.server.handleEvents(ctx, toolRequest("vault_events", map[string]any{"after_seq": float64(2), "limit": float64(1)}))
	require.NoError(t, err)
	events = decodeResult(t, result)["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, float64(3), events[0].(map[string]any)["seq"])
}

// ---------- helpers ----------

func TestServiceErrorResult(t *testing.T) {
	f := newFixture(t)

	res := f.server.serviceErrorResult("op", errors.New("connection refused"))
	assert.True(t, res.IsError)
	assert.Equal(t, "op failed: connection refused", parseToolText(t, res))

	res = f.server.serviceErrorResult("op", &vault.Error{Kind: vault.KindInsufficientFunds, Op: "execute_payment"})
	var rej rejection
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, res)), &rej))
	assert.Equal(t, vault.DispositionRetryRoute, rej.Disposition)
}

func TestErrorResult(t *testing.T) {
	result := errorResult("something went wrong")
	require.NotNil(t, result)
	assert.True(t, result.IsError)
	assert.Equal(t, "something went wrong", parseToolText(t, result))
}

func TestRegisterTools(t *testing.T) {
	f := newFixture(t)
	assert.NotNil(t, f.server.mcpServer, "MCPServer should be initialized")
	assert.NotNil(t, f.server.MCPServer(), "MCPServer() accessor should work")
}
