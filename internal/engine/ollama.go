package engine

import (
	"context"
	"encoding/base64"

	"github.com/kalambet/docket/internal/ollama"
)

// OllamaEngine serves chat, vision and embeddings from a local Ollama.
type OllamaEngine struct {
	client *ollama.Client
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL)}
}

func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	return e.client.Chat(ctx, model, ollamaMessages(messages), ollamaSchema(jsonSchema))
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return e.client.Embed(ctx, model, text)
}

// EmbedBatch embeds texts in one request; vectors come back in input order.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return e.client.EmbedBatch(ctx, model, texts)
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool { return e.client.IsRunning(ctx) }

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	if onProgress == nil {
		return e.client.PullModel(ctx, name, nil)
	}
	return e.client.PullModel(ctx, name, func(p ollama.PullProgress) {
		onProgress(PullProgress(p))
	})
}

// ollamaMessages converts messages, base64-encoding image attachments the way
// Ollama's vision models expect them.
func ollamaMessages(messages []Message) []ollama.Message {
	out := make([]ollama.Message, len(messages))
	for i, m := range messages {
		out[i] = ollama.Message{Role: m.Role, Content: m.Content}
		if len(m.Images) == 0 {
			continue
		}
		out[i].Images = make([]string, len(m.Images))
		for j, img := range m.Images {
			out[i].Images[j] = base64.StdEncoding.EncodeToString(img)
		}
	}
	return out
}

func ollamaSchema(s *Schema) *ollama.Schema {
	if s == nil {
		return nil
	}
	out := &ollama.Schema{Type: s.Type, Required: s.Required}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]ollama.SchemaProperty, len(s.Properties))
		for name, p := range s.Properties {
			out.Properties[name] = ollamaProperty(p)
		}
	}
	return out
}

func ollamaProperty(p SchemaProperty) ollama.SchemaProperty {
	out := ollama.SchemaProperty{Type: p.Type, Description: p.Description}
	if p.Items != nil {
		items := ollamaProperty(*p.Items)
		out.Items = &items
	}
	return out
}
