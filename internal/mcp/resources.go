package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/guardvault/internal/ctxutil"
	"github.com/ashita-ai/guardvault/internal/vault"
)

const (
	assetsURI        = "guardvault://assets"
	vaultURIPrefix   = "guardvault://vaults/"
	eventsURISuffix  = "/events"
	resourceEventCap = 50
)

func (s *Server) registerResources() {
	// guardvault://assets: the asset registry and policy presets.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			assetsURI,
			"Assets",
			mcplib.WithResourceDescription("Registered assets with their decimals, and the named policy presets"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAssets,
	)

	// guardvault://vaults/{id}/events: the latest events of a vault.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			vaultURIPrefix+"{id}"+eventsURISuffix,
			"Vault Events",
			mcplib.WithTemplateDescription("The most recent audit events of a vault you can see"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleVaultEvents,
	)
}

func (s *Server) handleAssets(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(map[string]any{
		"assets":  s.assets.Assets(),
		"presets": s.assets.Presets(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal assets: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      assetsURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// vaultIDFromEventsURI parses guardvault://vaults/{id}/events.
func vaultIDFromEventsURI(uri string) (vault.VaultID, error) {
	rest, ok := strings.CutPrefix(uri, vaultURIPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid vault events URI: %s", uri)
	}
	raw, ok := strings.CutSuffix(rest, eventsURISuffix)
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid vault events URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid vault id in URI: %s", uri)
	}
	return id, nil
}

func (s *Server) handleVaultEvents(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := vaultIDFromEventsURI(uri)
	if err != nil {
		return nil, err
	}

	snap, err := s.vaults.Get(ctx, id)
	if err == nil && !ctxutil.ClaimsFromContext(ctx).CanView(snap) {
		err = &vault.Error{Kind: vault.KindVaultNotFound, Op: "vault_events"}
	}
	if err != nil {
		return nil, fmt.Errorf("mcp: vault events: %w", err)
	}

	head, err := s.vaults.Events(ctx, id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: vault events: %w", err)
	}
	if len(head) > resourceEventCap {
		head = head[len(head)-resourceEventCap:]
	}
	events := make([]map[string]any, len(head))
	for i, e := range head {
		events[i] = s.compactEvent(e)
	}

	data, err := json.MarshalIndent(map[string]any{
		"vault_id": id,
		"events":   events,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal events: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
