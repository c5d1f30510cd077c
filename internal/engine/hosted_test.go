package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/kalambet/docket/internal/openrouter"
)

type mockCompleter struct {
	complete func(ctx context.Context, req openrouter.ChatRequest) (string, error)
}

func (m *mockCompleter) Complete(ctx context.Context, req openrouter.ChatRequest) (string, error) {
	return m.complete(ctx, req)
}

func TestHostedEngine_ChatGoesHosted(t *testing.T) {
	var got openrouter.ChatRequest
	h := NewHostedEngine(&mockEngine{isRunning: true}, &mockCompleter{
		complete: func(_ context.Context, req openrouter.ChatRequest) (string, error) {
			got = req
			return "hosted", nil
		},
	})

	schema := &Schema{Type: "object", Properties: map[string]SchemaProperty{"summary": {Type: "string"}}}
	png := []byte("\x89PNG\r\n\x1a\n0000")
	out, err := h.Chat(context.Background(), "anthropic/claude-sonnet-4", []Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "read", Images: [][]byte{png}},
	}, schema)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "hosted" {
		t.Errorf("out = %q, want hosted", out)
	}
	if got.Model != "anthropic/claude-sonnet-4" {
		t.Errorf("model = %q", got.Model)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_schema" {
		t.Fatalf("response format = %+v", got.ResponseFormat)
	}
	if got.Temperature == nil || *got.Temperature != 0 {
		t.Error("temperature not pinned to 0")
	}

	var sys string
	if err := json.Unmarshal(got.Messages[0].Content, &sys); err != nil || sys != "be terse" {
		t.Errorf("system content = %s", got.Messages[0].Content)
	}
	var parts []openrouter.ContentPart
	if err := json.Unmarshal(got.Messages[1].Content, &parts); err != nil {
		t.Fatalf("user content is not parts: %v", err)
	}
	if len(parts) != 2 || !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("parts = %+v", parts)
	}
}

func TestHostedEngine_EmbedStaysLocal(t *testing.T) {
	h := NewHostedEngine(&mockEngine{isRunning: true}, &mockCompleter{
		complete: func(context.Context, openrouter.ChatRequest) (string, error) {
			t.Fatal("embed must not reach the hosted provider")
			return "", nil
		},
	})
	vecs, err := h.EmbedBatch(context.Background(), "nomic-embed-text", []string{"a", "b"})
	if err != nil || len(vecs) != 2 {
		t.Fatalf("EmbedBatch = %v, %v", vecs, err)
	}
	if !h.IsRunning(context.Background()) {
		t.Error("IsRunning should reflect the local engine")
	}
}
