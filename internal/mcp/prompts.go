package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// before-payment: walks the agent through a checked payment.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("before-payment",
			mcplib.WithPromptDescription("Check a payment against the vault's spend policy before executing it"),
			mcplib.WithArgument("asset_id",
				mcplib.ArgumentDescription("The asset you are about to pay in (e.g., USDC)"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("recipient",
				mcplib.ArgumentDescription("Who you are about to pay"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("amount",
				mcplib.ArgumentDescription("Amount in display units (e.g., 12.50)"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleBeforePaymentPrompt,
	)

	// agent-setup: system prompt snippet for payment agents.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the guardvault payment workflow (check, execute, act on the disposition)"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleBeforePaymentPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	asset := request.Params.Arguments["asset_id"]
	recipient := request.Params.Arguments["recipient"]
	amount := request.Params.Arguments["amount"]
	if asset == "" || recipient == "" || amount == "" {
		return nil, fmt.Errorf("asset_id, recipient and amount arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Check a %s %s payment before executing it", amount, asset),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before paying %[1]s %[2]s to %[3]s, follow these steps:

1. CALL vault_check_payment with asset_id="%[2]s", recipient="%[3]s", amount="%[1]s".

2. If allowed is true, CALL vault_execute_payment with the same arguments.

3. If allowed is false, act on the disposition instead of retrying:
   - retry_route: the vault does not hold enough %[2]s. Check vault_status for
     another asset the recipient accepts.
   - ask_human: the payment is over your limits, the vault is paused or you are
     not authorized. Stop and ask the vault owner to approve or pay directly.
   - fix_config: you have no policy for %[2]s or are not an active agent. Tell
     the owner what is missing.
   - invalid_request: fix the amount, asset or recipient.
   - internal: resubmit once; report if it fails again.

Never split a payment into smaller ones to get under a limit.`, amount, asset, recipient),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "guardvault payment workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You can pay for things out of a guardvault vault. The vault owner has
deposited funds and set a spend policy for you per asset: a maximum per
payment, a total per period and a number of payments per period. Payments
outside the policy are rejected and nothing moves.

## The Pattern: Check, Execute, Act on the Disposition

### Before paying:
Call vault_check_payment. It answers whether the payment would go through
right now and, if not, why.

### Paying:
Call vault_execute_payment with the same arguments. The result shows the
remaining balance and what is left of your allowance.

### When rejected:
Every rejection carries a kind (e.g. EXCEEDS_PERIOD_LIMIT) and a disposition:
- retry_route: not enough balance in this asset; try another
- ask_human: ask the owner to sign; do not try to work around the limit
- fix_config: the owner has to set up a policy or re-add you
- invalid_request: the request is malformed
- internal: infrastructure failure; safe to resubmit

## Available Tools

- vault_status: balances, agents and your remaining allowance
- vault_check_payment: dry-run a payment (use FIRST)
- vault_execute_payment: pay (use AFTER checking)
- vault_policy: one policy in detail, including when the period resets
- vault_events: the vault's audit trail

## Amounts

Pass amounts in display units as strings ("12.50") or in base units with
units. The guardvault://assets resource lists each asset's decimals.`,
				},
			},
		},
	}, nil
}
