package mcp

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultIDFromEventsURI(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"valid", "guardvault://vaults/" + id.String() + "/events", false},
		{"missing suffix", "guardvault://vaults/" + id.String(), true},
		{"wrong scheme", "vault://vaults/" + id.String() + "/events", true},
		{"bad id", "guardvault://vaults/not-a-uuid/events", true},
		{"empty id", "guardvault://vaults//events", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := vaultIDFromEventsURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, id, got)
		})
	}
}

func readRequest(uri string) mcplib.ReadResourceRequest {
	return mcplib.ReadResourceRequest{Params: mcplib.ReadResourceParams{URI: uri}}
}

func resourceText(t *testing.T, contents []mcplib.ResourceContents) string {
	t.Helper()
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok, "expected TextResourceContents")
	assert.Equal(t, "application/json", tc.MIMEType)
	return tc.Text
}

func TestHandleAssets(t *testing.T) {
	f := newFixture(t)

	contents, err := f.server.handleAssets(callerCtx(agent), readRequest(assetsURI))
	require.NoError(t, err)

	var body struct {
		Assets []struct {
			ID       string `json:"id"`
			Decimals int    `json:"decimals"`
		} `json:"assets"`
		Presets []json.RawMessage `json:"presets"`
	}
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &body))
	assert.NotEmpty(t, body.Presets)
	found := false
	for _, a := range body.Assets {
		if a.ID == "USDC" {
			found = true
			assert.Equal(t, 6, a.Decimals)
		}
	}
	assert.True(t, found, "USDC should be registered")
}

func TestHandleVaultEvents(t *testing.T) {
	f := newFixture(t)
	uri := "guardvault://vaults/" + f.id.String() + "/events"

	contents, err := f.server.handleVaultEvents(callerCtx(agent), readRequest(uri))
	require.NoError(t, err)

	var body struct {
		VaultID string           `json:"vault_id"`
		Events  []map[string]any `json:"events"`
	}
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &body))
	assert.Equal(t, f.id.String(), body.VaultID)
	assert.Len(t, body.Events, 4)
}

func TestHandleVaultEvents_Invisible(t *testing.T) {
	f := newFixture(t)
	uri := "guardvault://vaults/" + f.id.String() + "/events"

	_, err := f.server.handleVaultEvents(callerCtx("mallory"), readRequest(uri))
	assert.Error(t, err)

	_, err = f.server.handleVaultEvents(callerCtx(owner), readRequest("guardvault://vaults/"+uuid.NewString()+"/events"))
	assert.Error(t, err)
}
