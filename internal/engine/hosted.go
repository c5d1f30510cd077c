package engine

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/kalambet/docket/internal/openrouter"
)

// Completer is the hosted chat completion call. Implemented by
// *openrouter.Client.
type Completer interface {
	Complete(ctx context.Context, req openrouter.ChatRequest) (string, error)
}

// HostedEngine sends chat to a hosted provider and everything else
// (embeddings, model management) to a local Engine.
type HostedEngine struct {
	Engine
	hosted Completer
}

// NewHostedEngine wraps local, routing Chat through hosted.
func NewHostedEngine(local Engine, hosted Completer) *HostedEngine {
	return &HostedEngine{Engine: local, hosted: hosted}
}

func (e *HostedEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	req := openrouter.ChatRequest{Model: model}
	for _, m := range messages {
		if len(m.Images) == 0 {
			req.Messages = append(req.Messages, openrouter.TextMessage(m.Role, m.Content))
			continue
		}
		parts := []openrouter.ContentPart{{Type: "text", Text: m.Content}}
		for _, img := range m.Images {
			parts = append(parts, openrouter.ContentPart{
				Type:     "image_url",
				ImageURL: &openrouter.ImageURL{URL: dataURI(img)},
			})
		}
		req.Messages = append(req.Messages, openrouter.PartsMessage(m.Role, parts))
	}
	if jsonSchema != nil {
		zero := 0.0
		req.Temperature = &zero
		req.ResponseFormat = &openrouter.ResponseFormat{
			Type:       "json_schema",
			JSONSchema: &openrouter.JSONSchema{Name: "result", Strict: true, Schema: jsonSchema},
		}
	}
	return e.hosted.Complete(ctx, req)
}

func dataURI(img []byte) string {
	return "data:" + http.DetectContentType(img) + ";base64," + base64.StdEncoding.EncodeToString(img)
}
