// Package stage holds the executors that turn an uploaded document into
// extracted text, an analysis, entity lists and embeddings.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Failure kinds. A *Error matches exactly one of them with errors.Is.
var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrExtractionFailed  = errors.New("extraction failed")
	ErrModelError        = errors.New("model error")
	ErrEmptyInput        = errors.New("empty input")
	ErrInputTooLarge     = errors.New("input too large")
	ErrTimeout           = errors.New("stage timed out")
	ErrStorage           = errors.New("storage error")
)

var kindNames = []struct {
	err  error
	name string
}{
	{ErrUnsupportedFormat, "unsupported_format"},
	{ErrExtractionFailed, "extraction_failed"},
	{ErrModelError, "model_error"},
	{ErrEmptyInput, "empty_input"},
	{ErrInputTooLarge, "input_too_large"},
	{ErrTimeout, "timeout"},
	{ErrStorage, "storage_error"},
}

// KindName returns the stable snake_case name stored for err's kind, or
// "internal" when err carries none. The outermost *Error decides.
func KindName(err error) string {
	var se *Error
	if errors.As(err, &se) {
		err = se.Kind
	}
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

// Error is a typed stage failure.
type Error struct {
	Stage string
	Kind  error
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func fail(stage string, kind error, format string, args ...any) *Error {
	return &Error{Stage: stage, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Reporter receives progress within an executor's own share, as a fraction
// in [0,1], plus a short human-readable message.
type Reporter func(fraction float64, msg string)

// Executor is one unit of pipeline work. Run reads its inputs from w and
// stores its output back on w.
type Executor interface {
	Name() string
	Run(ctx context.Context, w *Work, report Reporter) error
}

// Work is the document under processing and every stage's output so far.
type Work struct {
	DocumentID  string
	Filename    string
	ContentType string
	Data        []byte

	Extraction *Extraction
	Analysis   *Analysis
	Entities   *Entities
	Embedding  *Embedding
}

// Extraction is the OCR stage output.
type Extraction struct {
	Text          string
	Quality       float64
	Format        string
	Pages         int
	PagesWithText int
}

// Analysis is the structured analysis result.
type Analysis struct {
	DocumentType       string   `json:"documentType"`
	KeyEntities        []string `json:"keyEntities"`
	Summary            string   `json:"summary"`
	LegalImplications  []string `json:"legalImplications"`
	RecommendedActions []string `json:"recommendedActions"`
	Confidence         float64  `json:"confidence"`
}

// Entities are categorised entity lists.
type Entities struct {
	People        []string `json:"people"`
	Organizations []string `json:"organizations"`
	Dates         []string `json:"dates"`
	Amounts       []string `json:"amounts"`
	Locations     []string `json:"locations"`
}

// Embedding is the embedding stage output.
type Embedding struct {
	Model  string
	Vector []float32
	Chunks []Chunk
}

// Chunk is one embedded slice of the extracted text. Start and End are rune
// offsets.
type Chunk struct {
	Index  int
	Start  int
	End    int
	Text   string
	Vector []float32
}

// ResultJSON encodes the analysis together with the entity lists, the form
// persisted on the document.
func (w *Work) ResultJSON() ([]byte, error) {
	if w.Analysis == nil {
		return nil, errors.New("no analysis result")
	}
	return json.Marshal(struct {
		*Analysis
		Entities *Entities `json:"entities,omitempty"`
	}{w.Analysis, w.Entities})
}

func progress(report Reporter, fraction float64, msg string) {
	if report != nil {
		report(fraction, msg)
	}
}

func checkCtx(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Stage: stage, Kind: ErrTimeout, Err: err}
		}
		return err
	}
	return nil
}
