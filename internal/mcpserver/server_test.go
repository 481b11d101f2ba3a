package mcpserver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/heirloom/internal/keyring"
	"github.com/starford/heirloom/internal/store"
	"github.com/starford/heirloom/internal/syncsched"
	"github.com/starford/heirloom/internal/testutil"
	"github.com/starford/heirloom/internal/vault"
)

func testServer(t *testing.T) (*Server, *keyring.Manager) {
	t.Helper()

	db := testutil.TestDB(t)
	keys, _ := testutil.TestKeyring(t)
	sched := syncsched.New(time.Hour, nil, testutil.DiscardLogger())
	audit, err := store.NewAuditLog(db, sched.Mode)
	if err != nil {
		t.Fatal(err)
	}
	sched.SetAuditLog(audit)
	svc := vault.New(db, keys, audit, sched, nil, testutil.DiscardLogger())

	return New(svc, keys, sched, audit), keys
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go doesn't expose a direct "call tool" test helper, so the tool
	// handler functions are invoked directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "query_records":
		result, err = srv.queryRecords(ctx, req)
	case "get_record":
		result, err = srv.getRecord(ctx, req)
	case "store_record":
		result, err = srv.storeRecord(ctx, req)
	case "vault_status":
		result, err = srv.vaultStatus(ctx, req)
	case "list_audit":
		result, err = srv.listAudit(ctx, req)
	case "get_record_contract":
		result, err = srv.getRecordContract(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestStoreAndQueryRecords(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "store_record", map[string]interface{}{
		"category": "documents",
		"payload":  `{"title": "House deed", "year": 1994}`,
	})
	if r.IsError {
		t.Fatalf("store failed: %s", resultText(r))
	}
	if !strings.Contains(resultText(r), "encrypted: true") {
		t.Errorf("store result = %q", resultText(r))
	}

	r = callTool(t, srv, "query_records", map[string]interface{}{"category": "documents"})
	text := resultText(r)
	if !strings.Contains(text, "House deed") {
		t.Errorf("query result missing record: %q", text)
	}
}

func TestStoreRecord_RejectsBadPayload(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "store_record", map[string]interface{}{
		"category": "documents",
		"payload":  "not json at all",
	})
	if !r.IsError {
		t.Error("non-JSON payload accepted")
	}
}

func TestGetRecordMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_record", map[string]interface{}{"id": "nope"})
	if !r.IsError {
		t.Error("missing record did not produce an error result")
	}
}

func TestVaultStatus(t *testing.T) {
	srv, keys := testServer(t)

	text := resultText(callTool(t, srv, "vault_status", map[string]interface{}{}))
	if !strings.Contains(text, `"unlocked": true`) {
		t.Errorf("status = %q", text)
	}

	keys.Lock()
	text = resultText(callTool(t, srv, "vault_status", map[string]interface{}{}))
	if !strings.Contains(text, `"unlocked": false`) {
		t.Errorf("status after lock = %q", text)
	}
}

func TestListAudit(t *testing.T) {
	srv, _ := testServer(t)

	callTool(t, srv, "store_record", map[string]interface{}{
		"category": "wishes",
		"payload":  `{"title": "Letters for the kids"}`,
	})

	text := resultText(callTool(t, srv, "list_audit", map[string]interface{}{"category": "vault"}))
	if !strings.Contains(text, `"store"`) {
		t.Errorf("audit listing = %q", text)
	}
}

func TestRecordContract(t *testing.T) {
	srv, _ := testServer(t)
	text := resultText(callTool(t, srv, "get_record_contract", map[string]interface{}{}))
	if !strings.Contains(text, "Record Format Contract") {
		t.Errorf("contract text = %q", text)
	}
}
