package stage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/docket/internal/engine"
)

const (
	// AnalysisName is the analysis stage name. Entity extraction runs inside
	// this stage.
	AnalysisName = "analysis"
	EntitiesName = "entities"

	defaultMaxChars = 24000
)

const analysisPrompt = `You are a legal document analyst. Read the document and respond with ONLY a single JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Fields:
- documentType: the kind of document, for example "Contract", "Lease", "NDA", "Court Filing", "Invoice", "Letter".
- keyEntities: the most important parties, assets or instruments named.
- summary: three to five plain sentences.
- legalImplications: obligations, risks or rights the document creates.
- recommendedActions: concrete next steps for the recipient.
- confidence: your confidence in this analysis from 0.0 to 1.0.`

const entitiesPrompt = `Extract named entities from the document. Respond with ONLY a single JSON object that conforms to the provided schema, with no other text.

- people: names of natural persons.
- organizations: companies, courts, agencies and other bodies.
- dates: dates and deadlines as written.
- amounts: monetary amounts and quantities as written.
- locations: addresses, cities, jurisdictions.`

func stringList(desc string) engine.SchemaProperty {
	return engine.SchemaProperty{Type: "array", Description: desc, Items: &engine.SchemaProperty{Type: "string"}}
}

func analysisSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"documentType":       {Type: "string", Description: "Document classification"},
			"keyEntities":        stringList("Key parties and instruments"),
			"summary":            {Type: "string", Description: "Short plain-language summary"},
			"legalImplications":  stringList("Obligations, risks and rights"),
			"recommendedActions": stringList("Next steps"),
			"confidence":         {Type: "number", Description: "Confidence 0.0-1.0"},
		},
		Required: []string{"documentType", "keyEntities", "summary", "legalImplications", "recommendedActions", "confidence"},
	}
}

func entitiesSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"people":        stringList("People"),
			"organizations": stringList("Organizations"),
			"dates":         stringList("Dates"),
			"amounts":       stringList("Amounts"),
			"locations":     stringList("Locations"),
		},
		Required: []string{"people", "organizations", "dates", "amounts", "locations"},
	}
}

// LLMConfig selects the chat model and input budget for the model-backed
// executors.
type LLMConfig struct {
	Model    string
	MaxChars int
}

func (c LLMConfig) maxChars() int {
	if c.MaxChars <= 0 {
		return defaultMaxChars
	}
	return c.MaxChars
}

// Analyzer classifies and summarises the extracted text.
type Analyzer struct {
	chat   engine.Chatter
	cfg    LLMConfig
	logger *slog.Logger
}

// NewAnalyzer creates the analysis executor.
func NewAnalyzer(chat engine.Chatter, cfg LLMConfig) *Analyzer {
	return &Analyzer{chat: chat, cfg: cfg, logger: slog.Default().With("component", "stage.analysis")}
}

func (a *Analyzer) Name() string { return AnalysisName }

func (a *Analyzer) Run(ctx context.Context, w *Work, report Reporter) error {
	text, err := inputText(w, AnalysisName)
	if err != nil {
		return err
	}
	progress(report, 0.1, "analyzing document")

	var out Analysis
	if err := askModel(ctx, a.chat, a.cfg.Model, AnalysisName, analysisPrompt, truncateRunes(text, a.cfg.maxChars()), analysisSchema(), &out, a.logger); err != nil {
		return err
	}

	out.DocumentType = strings.TrimSpace(out.DocumentType)
	if out.DocumentType == "" {
		return fail(AnalysisName, ErrModelError, "response has no documentType")
	}
	out.Summary = strings.TrimSpace(out.Summary)
	out.KeyEntities = cleanList(out.KeyEntities)
	out.LegalImplications = cleanList(out.LegalImplications)
	out.RecommendedActions = cleanList(out.RecommendedActions)
	out.Confidence = min(max(out.Confidence, 0), 1)

	w.Analysis = &out
	progress(report, 1, "classified as "+out.DocumentType)
	return nil
}

// EntityExtractor pulls categorised entities out of the extracted text.
type EntityExtractor struct {
	chat   engine.Chatter
	cfg    LLMConfig
	logger *slog.Logger
}

// NewEntityExtractor creates the entity extraction executor.
func NewEntityExtractor(chat engine.Chatter, cfg LLMConfig) *EntityExtractor {
	return &EntityExtractor{chat: chat, cfg: cfg, logger: slog.Default().With("component", "stage.entities")}
}

func (e *EntityExtractor) Name() string { return EntitiesName }

func (e *EntityExtractor) Run(ctx context.Context, w *Work, report Reporter) error {
	text, err := inputText(w, EntitiesName)
	if err != nil {
		return err
	}
	progress(report, 0.1, "extracting entities")

	var out Entities
	if err := askModel(ctx, e.chat, e.cfg.Model, EntitiesName, entitiesPrompt, truncateRunes(text, e.cfg.maxChars()), entitiesSchema(), &out, e.logger); err != nil {
		return err
	}
	out.People = cleanList(out.People)
	out.Organizations = cleanList(out.Organizations)
	out.Dates = cleanList(out.Dates)
	out.Amounts = cleanList(out.Amounts)
	out.Locations = cleanList(out.Locations)

	w.Entities = &out
	progress(report, 1, fmt.Sprintf("found %d entities", out.count()))
	return nil
}

func (e Entities) count() int {
	return len(e.People) + len(e.Organizations) + len(e.Dates) + len(e.Amounts) + len(e.Locations)
}

func inputText(w *Work, stage string) (string, error) {
	if w.Extraction == nil || strings.TrimSpace(w.Extraction.Text) == "" {
		return "", fail(stage, ErrEmptyInput, "no extracted text")
	}
	return w.Extraction.Text, nil
}

func askModel(ctx context.Context, chat engine.Chatter, model, stage, prompt, text string, schema *engine.Schema, out any, logger *slog.Logger) error {
	raw, err := chat.Chat(ctx, model, []engine.Message{
		{Role: "system", Content: prompt},
		{Role: "user", Content: text},
	}, schema)
	if err != nil {
		if cerr := checkCtx(ctx, stage); cerr != nil {
			return cerr
		}
		return &Error{Stage: stage, Kind: ErrModelError, Err: err}
	}
	if err := decodeObject(raw, out); err != nil {
		logger.Warn("model returned non-conforming JSON", "model", model, "error", err, "response", truncateRunes(raw, 200))
		return &Error{Stage: stage, Kind: ErrModelError, Err: err}
	}
	return nil
}
