// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes vault tools to the family assistant via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/heirloom/internal/keyring"
	"github.com/starford/heirloom/internal/store"
	"github.com/starford/heirloom/internal/syncsched"
	"github.com/starford/heirloom/internal/vault"
)

// Server wraps the MCP server with Heirloom tools.
type Server struct {
	mcp   *server.MCPServer
	svc   *vault.Service
	keys  *keyring.Manager
	sched *syncsched.Scheduler
	audit *store.AuditLog
}

// New creates a new MCP server with all vault tools registered.
func New(svc *vault.Service, keys *keyring.Manager, sched *syncsched.Scheduler, audit *store.AuditLog) *Server {
	s := &Server{svc: svc, keys: keys, sched: sched, audit: audit}

	s.mcp = server.NewMCPServer(
		"Heirloom",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("query_records",
		mcp.WithDescription("Query vault records by category. Records stored while the vault was locked "+
			"or not decryptable right now come back with a ciphertext marker instead of a payload."),
		mcp.WithString("category", mcp.Required(), mcp.Description("Record category (documents, contacts, accounts, wishes, assets)")),
	), s.queryRecords)

	s.mcp.AddTool(mcp.NewTool("get_record",
		mcp.WithDescription("Read a single vault record by its id."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Record UUID")),
	), s.getRecord)

	s.mcp.AddTool(mcp.NewTool("store_record",
		mcp.WithDescription("Store a new vault record. Payload MUST follow the record format contract "+
			"(flat JSON object with a title field). Read the contract first via the "+
			"get_record_contract tool or the heirloom://record-format resource."),
		mcp.WithString("category", mcp.Required(), mcp.Description("Record category")),
		mcp.WithString("payload", mcp.Required(), mcp.Description("JSON object following the record format contract")),
	), s.storeRecord)

	s.mcp.AddTool(mcp.NewTool("vault_status",
		mcp.WithDescription("Report whether the vault keyring is unlocked and which sync mode is active. "+
			"Call this before storing: records written while locked are saved without encryption."),
	), s.vaultStatus)

	s.mcp.AddTool(mcp.NewTool("list_audit",
		mcp.WithDescription("List recent audit log events for transparency about vault activity."),
		mcp.WithString("category", mcp.Description("Optional component filter (vault, session, sync, keys, migration)")),
	), s.listAudit)

	s.mcp.AddTool(mcp.NewTool("get_record_contract",
		mcp.WithDescription("Returns the canonical Heirloom record format contract. "+
			"Call this before storing records to ensure correct structure."),
	), s.getRecordContract)

	// Resource: record format contract.
	s.mcp.AddResource(
		mcp.NewResource("heirloom://record-format", "Record Format Contract",
			mcp.WithResourceDescription("Canonical payload format that all vault records must follow."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readRecordFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) queryRecords(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	category, err := req.RequireString("category")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	recs, err := s.svc.Query(ctx, vault.QueryOptions{Category: category, Limit: 50})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(recs, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.svc.Retrieve(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if rec == nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	out, _ := json.MarshalIndent(rec, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) storeRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	category, err := req.RequireString("category")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payloadStr, err := req.RequireString("payload")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("payload is not a JSON object: %v", err)), nil
	}
	rec, err := s.svc.Store(ctx, category, payload)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("stored: %s (encrypted: %t)", rec.ID, rec.Metadata.IsEncrypted)), nil
}

func (s *Server) vaultStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := map[string]any{
		"unlocked":  s.keys.Unlocked(),
		"sync_mode": s.sched.Mode(),
	}
	out, _ := json.MarshalIndent(status, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.AuditFilter{Limit: 50}
	if c, err := req.RequireString("category"); err == nil {
		filter.Category = c
	}
	events, err := s.audit.List(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(events, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getRecordContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(RecordFormatContract), nil
}

func (s *Server) readRecordFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "heirloom://record-format",
			MIMEType: "text/markdown",
			Text:     RecordFormatContract,
		},
	}, nil
}
