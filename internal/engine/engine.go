// Package engine abstracts the language-model and embedding providers used by
// the stage executors.
package engine

import "context"

// Engine is an inference backend. Stage executors depend on the narrower
// Chatter and Embedder views.
type Engine interface {
	Chatter
	Embedder

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// Chatter sends messages to a model and returns the assistant's response.
// When jsonSchema is non-nil, structured JSON output is requested.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)
}

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)
}
