package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptRequest(name string, args map[string]string) mcplib.GetPromptRequest {
	return mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func promptText(t *testing.T, result *mcplib.GetPromptResult) string {
	t.Helper()
	require.NotEmpty(t, result.Messages, "expected at least one message")
	msg := result.Messages[0]
	assert.Equal(t, mcplib.RoleUser, msg.Role)
	tc, ok := msg.Content.(mcplib.TextContent)
	require.True(t, ok, "message content should be TextContent")
	return tc.Text
}

func TestBeforePaymentPrompt(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleBeforePaymentPrompt(context.Background(), promptRequest("before-payment", map[string]string{
		"asset_id":  "USDC",
		"recipient": merchant,
		"amount":    "12.50",
	}))
	require.NoError(t, err)
	assert.Contains(t, result.Description, "12.50 USDC")

	text := promptText(t, result)
	assert.Contains(t, text, `vault_check_payment with asset_id="USDC", recipient="merchant.example", amount="12.50"`)
	assert.Contains(t, text, "vault_execute_payment")
	for _, d := range []string{"retry_route", "ask_human", "fix_config", "invalid_request", "internal"} {
		assert.Contains(t, text, d, "prompt should explain disposition %s", d)
	}
}

func TestBeforePaymentPrompt_MissingArguments(t *testing.T) {
	f := newFixture(t)

	tests := []map[string]string{
		{},
		{"asset_id": "USDC", "recipient": merchant},
		{"asset_id": "USDC", "amount": "1"},
		{"recipient": merchant, "amount": "1"},
	}
	for _, args := range tests {
		_, err := f.server.handleBeforePaymentPrompt(context.Background(), promptRequest("before-payment", args))
		assert.Error(t, err, "args %v", args)
	}
}

func TestAgentSetupPrompt(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleAgentSetupPrompt(context.Background(), promptRequest("agent-setup", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, result.Description)

	text := promptText(t, result)
	for _, tool := range []string{"vault_status", "vault_check_payment", "vault_execute_payment", "vault_policy", "vault_events"} {
		assert.Contains(t, text, tool, "setup prompt should mention %s", tool)
	}
	assert.Contains(t, text, "guardvault://assets")
}
