package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/guardvault/internal/assets"
	"github.com/ashita-ai/guardvault/internal/ctxutil"
	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/service/vaults"
	"github.com/ashita-ai/guardvault/internal/vault"
)

func (s *Server) registerTools() {
	// vault_status: balances, agents and policies of the caller's vault.
	s.mcpServer.AddTool(
		mcplib.NewTool("vault_status",
			mcplib.WithDescription(`Show a vault's balances, agents and spend policies.

WHEN TO USE: At the start of a task that may spend money, to learn which
assets the vault holds and how much of your allowance is left.

If vault_id is omitted, the vault is taken from your capability or scoped
token, or else the vault you own.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("vault_id",
				mcplib.Description("The vault to inspect. Optional."),
			),
		),
		s.handleStatus,
	)

	// vault_check_payment: dry run a payment.
	s.mcpServer.AddTool(
		mcplib.NewTool("vault_check_payment",
			mcplib.WithDescription(`Dry-run a payment against the vault without moving funds.

WHEN TO USE: BEFORE every vault_execute_payment. The answer tells you whether
the payment would go through and, if not, what to do instead.

WHAT YOU GET BACK:
- allowed: whether the payment would execute right now
- kind: the rejection reason when allowed is false (e.g. EXCEEDS_PERIOD_LIMIT)
- disposition: what to do about it:
    retry_route      not enough balance in this asset; try another asset or route
    ask_human        over a limit, paused or unauthorized; ask the owner to sign
    fix_config       no policy or agent setup; the owner has to configure the vault
    invalid_request  the request itself is malformed
    internal         infrastructure failure; safe to resubmit
- remaining / remaining_txs: what is left in the current period

EXAMPLE: Before paying 12.50 USDC for an API subscription, call
vault_check_payment with asset_id="USDC", recipient="0x...", amount="12.50".`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("vault_id",
				mcplib.Description("The vault to pay from. Optional, see vault_status."),
			),
			mcplib.WithString("agent_id",
				mcplib.Description("Your agent id in the vault. Defaults to the agent of your capability or your authenticated identity."),
			),
			mcplib.WithString("asset_id",
				mcplib.Description("Asset to pay in, e.g. USDC"),
				mcplib.Required(),
			),
			mcplib.WithString("recipient",
				mcplib.Description("Who receives the payment"),
				mcplib.Required(),
			),
			mcplib.WithString("amount",
				mcplib.Description("Amount in display units, e.g. \"12.50\". Use either amount or units."),
			),
			mcplib.WithNumber("units",
				mcplib.Description("Amount in base units (e.g. 12500000 for 12.50 USDC)"),
				mcplib.Min(0),
			),
		),
		s.handleCheckPayment,
	)

	// vault_execute_payment: pay out of the vault.
	s.mcpServer.AddTool(
		mcplib.NewTool("vault_execute_payment",
			mcplib.WithDescription(`Pay a recipient out of the vault, within your spend policy.

IMPORTANT: Call vault_check_payment FIRST. A rejected payment changes nothing,
but checking first lets you route the request to the owner instead of failing.

Authorization uses the capability argument if given, then the capability
header of this session, and otherwise your authenticated identity as a
registered agent of the vault.

On rejection the result carries kind and disposition, same as
vault_check_payment.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("vault_id",
				mcplib.Description("The vault to pay from. Optional, see vault_status."),
			),
			mcplib.WithString("agent_id",
				mcplib.Description("Your agent id in the vault. Defaults to the agent of your capability or your authenticated identity."),
			),
			mcplib.WithString("capability",
				mcplib.Description("The gvcap_ capability the owner issued for you. Optional."),
			),
			mcplib.WithString("asset_id",
				mcplib.Description("Asset to pay in, e.g. USDC"),
				mcplib.Required(),
			),
			mcplib.WithString("recipient",
				mcplib.Description("Who receives the payment"),
				mcplib.Required(),
			),
			mcplib.WithString("amount",
				mcplib.Description("Amount in display units, e.g. \"12.50\". Use either amount or units."),
			),
			mcplib.WithNumber("units",
				mcplib.Description("Amount in base units"),
				mcplib.Min(0),
			),
		),
		s.handleExecutePayment,
	)

	// vault_policy: one agent's allowance for one asset.
	s.mcpServer.AddTool(
		mcplib.NewTool("vault_policy",
			mcplib.WithDescription(`Show a spend policy and what is left of it this period.

WHEN TO USE: When a payment was rejected for exceeding a limit, to learn when
the period resets, or to plan a batch of payments.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("vault_id",
				mcplib.Description("The vault. Optional, see vault_status."),
			),
			mcplib.WithString("agent_id",
				mcplib.Description("Agent id. Defaults to you."),
			),
			mcplib.WithString("asset_id",
				mcplib.Description("Asset, e.g. USDC"),
				mcplib.Required(),
			),
		),
		s.handlePolicy,
	)

	// vault_events: the vault's audit trail.
	s.mcpServer.AddTool(
		mcplib.NewTool("vault_events",
			mcplib.WithDescription(`List a vault's audit events in order.

Use after_seq to page: pass the last seq you saw.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("vault_id",
				mcplib.Description("The vault. Optional, see vault_status."),
			),
			mcplib.WithNumber("after_seq",
				mcplib.Description("Only events after this sequence number"),
				mcplib.Min(0),
				mcplib.DefaultNumber(0),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of events to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleEvents,
	)
}

var errNoVault = errors.New("no vault_id given and none could be inferred from your credentials")

// resolveVault loads the vault a tool call is about and checks the caller
// may see it. Unknown and invisible vaults look the same. A payment
// capability bound to the vault stands in for the visibility check; the
// service verifies it when the payment runs.
func (s *Server) resolveVault(ctx context.Context, request mcplib.CallToolRequest, capability *vault.Capability) (vault.Snapshot, *mcplib.CallToolResult) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return vault.Snapshot{}, errorResult("authentication required")
	}

	var (
		snap vault.Snapshot
		err  error
	)
	switch raw := request.GetString("vault_id", ""); {
	case raw != "":
		id, perr := uuid.Parse(raw)
		if perr != nil {
			return vault.Snapshot{}, errorResult("vault_id must be a UUID")
		}
		snap, err = s.vaults.Get(ctx, id)
	case capability != nil:
		snap, err = s.vaults.Get(ctx, capability.BoundVault())
	case claims.Scoped():
		snap, err = s.vaults.Get(ctx, *claims.VaultID)
	default:
		if c, ok := ctxutil.CapabilityFromContext(ctx); ok {
			snap, err = s.vaults.Get(ctx, c.BoundVault())
			break
		}
		snap, err = s.vaults.GetByOwner(ctx, claims.Principal())
		if vault.KindOf(err) == vault.KindVaultNotFound {
			return vault.Snapshot{}, errorResult(errNoVault.Error())
		}
	}
	if err != nil {
		return vault.Snapshot{}, s.serviceErrorResult("vault_lookup", err)
	}
	if (capability == nil || capability.BoundVault() != snap.ID) && !claims.CanView(snap) {
		return vault.Snapshot{}, s.serviceErrorResult("vault_lookup",
			&vault.Error{Kind: vault.KindVaultNotFound, Op: "vault_lookup"})
	}
	return snap, nil
}

// resolveAgent picks the agent a call acts as: the explicit argument, the
// session capability's agent, or the caller's own agent record.
func (s *Server) resolveAgent(ctx context.Context, request mcplib.CallToolRequest, snap vault.Snapshot, capability *vault.Capability) (vault.AgentID, *mcplib.CallToolResult) {
	if raw := request.GetString("agent_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, errorResult("agent_id must be a UUID")
		}
		return id, nil
	}
	if capability != nil {
		return capability.AgentID(), nil
	}
	if c, ok := ctxutil.CapabilityFromContext(ctx); ok && c.BoundVault() == snap.ID {
		return c.AgentID(), nil
	}
	p := ctxutil.PrincipalFromContext(ctx)
	if rec, ok := vault.Restore(snap).AgentByPrincipal(p); ok {
		return rec.ID, nil
	}
	return uuid.Nil, errorResult(fmt.Sprintf("%s is not an active agent of vault %s; pass agent_id", p, snap.ID))
}

// amountArg reads amount (display) or units (base units).
func (s *Server) amountArg(request mcplib.CallToolRequest, asset vault.AssetID) (int64, *mcplib.CallToolResult) {
	in := model.AmountInput{Display: request.GetString("amount", "")}
	if raw, ok := request.GetArguments()["units"]; ok {
		units, err := assets.ParseUnits(raw)
		if err != nil {
			return 0, errorResult(err.Error())
		}
		in.Units = &units
	}
	n, err := s.assets.Resolve(asset, in)
	if err != nil {
		return 0, errorResult(err.Error())
	}
	return n, nil
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	snap, res := s.resolveVault(ctx, request, nil)
	if res != nil {
		return res, nil
	}
	return jsonResult(s.compactVault(snap))
}

type checkResult struct {
	vault.Decision
	VaultID          vault.VaultID `json:"vault_id"`
	AgentID          vault.AgentID `json:"agent_id"`
	Amount           string        `json:"amount"`
	RemainingDisplay string        `json:"remaining_display"`
	BalanceDisplay   string        `json:"balance_display"`
}

func (s *Server) handleCheckPayment(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	asset := vault.AssetID(request.GetString("asset_id", ""))
	recipient := vault.Principal(request.GetString("recipient", ""))
	if asset == "" || recipient == "" {
		return errorResult("asset_id and recipient are required"), nil
	}
	snap, res := s.resolveVault(ctx, request, nil)
	if res != nil {
		return res, nil
	}
	agentID, res := s.resolveAgent(ctx, request, snap, nil)
	if res != nil {
		return res, nil
	}
	amount, res := s.amountArg(request, asset)
	if res != nil {
		return res, nil
	}

	d, err := s.vaults.Preflight(ctx, snap.ID, agentID, asset, recipient, amount)
	if err != nil {
		return s.serviceErrorResult("vault_check_payment", err), nil
	}
	s.preflight.Record(snap.ID, agentID, asset)

	return jsonResult(checkResult{
		Decision:         d,
		VaultID:          snap.ID,
		AgentID:          agentID,
		Amount:           s.assets.Format(asset, amount),
		RemainingDisplay: s.assets.Format(asset, d.Remaining),
		BalanceDisplay:   s.assets.Format(asset, d.Balance),
	})
}

func (s *Server) handleExecutePayment(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	asset := vault.AssetID(request.GetString("asset_id", ""))
	recipient := vault.Principal(request.GetString("recipient", ""))
	if asset == "" || recipient == "" {
		return errorResult("asset_id and recipient are required"), nil
	}

	var capability *vault.Capability
	if raw := request.GetString("capability", ""); raw != "" {
		c, err := vault.ParseCapability(raw)
		if err != nil {
			return errorResult("capability is malformed"), nil
		}
		capability = &c
	} else if c, ok := ctxutil.CapabilityFromContext(ctx); ok {
		capability = &c
	}

	snap, res := s.resolveVault(ctx, request, capability)
	if res != nil {
		return res, nil
	}
	agentID, res := s.resolveAgent(ctx, request, snap, capability)
	if res != nil {
		return res, nil
	}
	amount, res := s.amountArg(request, asset)
	if res != nil {
		return res, nil
	}

	var authz vault.Authorization = vault.AccountAuth{Vault: snap.ID, Caller: ctxutil.PrincipalFromContext(ctx)}
	if capability != nil {
		authz = *capability
	}

	checked := s.preflight.WasChecked(snap.ID, agentID, asset)
	out, err := s.vaults.ExecutePayment(ctx, vaults.Payment{
		VaultID:   snap.ID,
		Auth:      authz,
		AgentID:   agentID,
		Asset:     asset,
		Recipient: recipient,
		Amount:    amount,
	})
	if err != nil {
		return s.serviceErrorResult("vault_execute_payment", err), nil
	}

	result, err := jsonResult(map[string]any{
		"status":            "executed",
		"vault_id":          snap.ID,
		"seq":               out.Event.Seq,
		"event_hash":        out.Event.Hash,
		"amount":            s.assets.Format(asset, amount),
		"balance":           s.assets.Format(asset, out.Balance),
		"remaining":         s.assets.Format(asset, out.Remaining),
		"remaining_txs":     out.RemainingTxs,
		"preflight_skipped": !checked,
	})
	if err != nil {
		return nil, err
	}

	// Nudge: the payment went through, but the agent did not check first.
	if !checked {
		result.Content = append(result.Content, mcplib.TextContent{
			Type: "text",
			Text: "NOTE: No vault_check_payment was called for " + string(asset) + " before this payment. " +
				"Checking first tells you when to ask the owner instead of spending. " +
				"Next time, call vault_check_payment before vault_execute_payment.",
		})
	}
	return result, nil
}

func (s *Server) handlePolicy(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	asset := vault.AssetID(request.GetString("asset_id", ""))
	if asset == "" {
		return errorResult("asset_id is required"), nil
	}
	snap, res := s.resolveVault(ctx, request, nil)
	if res != nil {
		return res, nil
	}
	agentID, res := s.resolveAgent(ctx, request, snap, nil)
	if res != nil {
		return res, nil
	}

	view, err := s.vaults.Policy(ctx, snap.ID, agentID, asset)
	if err != nil {
		return s.serviceErrorResult("vault_policy", err), nil
	}
	return jsonResult(s.compactPolicy(view))
}

func (s *Server) handleEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	snap, res := s.resolveVault(ctx, request, nil)
	if res != nil {
		return res, nil
	}
	after := int64(request.GetFloat("after_seq", 0))
	limit := request.GetInt("limit", 20)

	events, err := s.vaults.Events(ctx, snap.ID, after, limit)
	if err != nil {
		return s.serviceErrorResult("vault_events", err), nil
	}
	out := make([]map[string]any, len(events))
	for i, e := range events {
		out[i] = s.compactEvent(e)
	}
	return jsonResult(map[string]any{
		"vault_id": snap.ID,
		"events":   out,
		"total":    len(out),
	})
}
