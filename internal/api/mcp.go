package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docket/internal/quota"
	"github.com/kalambet/docket/internal/search"
	"github.com/kalambet/docket/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. Every tool acts as OwnerID.
type MCPDeps struct {
	Documents DocumentStore
	Search    Searcher
	Usage     UsageChecker
	OwnerID   string
}

// NewMCPServer creates an MCP server with the docket tools registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	if deps.OwnerID == "" {
		deps.OwnerID = DefaultOwner
	}
	s := server.NewMCPServer(
		"docket",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("docket: search and inspect processed documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Search processed documents by keyword and meaning."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("lexical, semantic or combined (default combined)")),
			mcp.WithString("type", mcp.Description("Only return documents of this type")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("document_status",
			mcp.WithDescription("Report a document's processing status, progress and analysis."),
			mcp.WithString("id", mcp.Description("Document id"), mcp.Required()),
		),
		mcpDocumentStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List the most recently uploaded documents."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of documents (default 10)")),
		),
		mcpListDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("usage",
			mcp.WithDescription("Report this month's document upload usage and limit."),
		),
		mcpUsage(deps),
	)

	return s
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		mode, err := search.ParseMode(req.GetString("mode", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		results, err := deps.Search.Search(ctx, search.Query{
			Text:    query,
			OwnerID: deps.OwnerID,
			Mode:    mode,
			Filters: search.Filters{DocumentType: req.GetString("type", "")},
			Limit:   limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(results)
	}
}

func mcpDocumentStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		doc, err := deps.Documents.GetDocument(ctx, strings.TrimSpace(id))
		if errors.Is(err, storage.ErrNotFound) || (err == nil && doc.OwnerID != deps.OwnerID) {
			return mcpError(fmt.Sprintf("document %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get document: %v", err)), nil
		}
		return mcpJSON(NewDocumentView(doc, false))
	}
}

func mcpListDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}
		docs, err := deps.Documents.ListDocuments(ctx, deps.OwnerID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list documents: %v", err)), nil
		}
		views := make([]DocumentView, len(docs))
		for i, d := range docs {
			views[i] = NewDocumentView(d, false)
		}
		return mcpJSON(views)
	}
}

func mcpUsage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		u, err := deps.Usage.CheckLimit(ctx, deps.OwnerID, quota.DocumentUpload)
		if err != nil {
			return mcpError(fmt.Sprintf("usage unavailable: %v", err)), nil
		}
		return mcpJSON(u)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
