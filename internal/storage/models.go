package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional update finds the row in a
	// state that does not permit the change (e.g. the document is terminal).
	ErrConflict = errors.New("conflict")

	// ErrLimitReached is returned by IncrementUsage when the increment would
	// push the counter past its limit.
	ErrLimitReached = errors.New("usage limit reached")
)

// Status is the persisted processing status of a document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage names a pipeline stage recorded on a document.
type Stage string

const (
	StageNone      Stage = ""
	StageOCR       Stage = "ocr"
	StageAnalysis  Stage = "analysis"
	StageEmbedding Stage = "embedding"
)

// Valid reports whether s is a concrete stage.
func (s Stage) Valid() bool {
	switch s {
	case StageOCR, StageAnalysis, StageEmbedding:
		return true
	}
	return false
}

// Previous returns the stage that runs before s, or StageNone for the first.
func (s Stage) Previous() Stage {
	switch s {
	case StageAnalysis:
		return StageOCR
	case StageEmbedding:
		return StageAnalysis
	}
	return StageNone
}

// Variant selects which stages a document's pipeline runs.
type Variant string

const (
	// VariantFull runs OCR, analysis and embedding; the result is searchable.
	VariantFull Variant = "full"
	// VariantBasic skips embedding; the document never enters the search index.
	VariantBasic Variant = "basic"
)

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	return v == VariantFull || v == VariantBasic
}

// Document is one submitted file and everything derived from it.
type Document struct {
	ID          string
	OwnerID     string
	Filename    string
	ContentType string
	FileSize    int64
	Locator     string
	Checksum    string
	Variant     Variant
	Status      Status
	Stage       Stage
	Progress    float64

	// Set after OCR.
	ExtractedText string
	TextQuality   float64
	HasText       bool

	// Set after analysis. AnalysisJSON holds the full analysis and entity
	// lists; DocumentType is copied out for filtering.
	DocumentType string
	AnalysisJSON string

	// Set after embedding.
	Embedding []float32

	ErrorKind    string
	ErrorMessage string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// LastSuccessfulStage returns the last stage known to have finished. For a
// failed document that is the stage before the failing one.
func (d Document) LastSuccessfulStage() Stage {
	switch d.Status {
	case StatusFailed, StatusProcessing:
		return d.Stage.Previous()
	case StatusCompleted:
		if d.Variant == VariantBasic {
			return StageAnalysis
		}
		return StageEmbedding
	}
	return StageNone
}

// Chunk is one search index entry. Offsets are rune offsets into the
// document's extracted text.
type Chunk struct {
	ID         string
	DocumentID string
	OwnerID    string
	Index      int
	Start      int
	End        int
	Text       string
	Embedding  []float32
}

// Completion carries the outputs persisted when a document completes.
type Completion struct {
	Embedding []float32
	Chunks    []Chunk
	Progress  float64
}

// Failure describes why a document failed.
type Failure struct {
	Stage    Stage
	Kind     string
	Message  string
	Progress float64
}

// LexicalHit is one FTS match, best chunk per document.
type LexicalHit struct {
	DocumentID string
	ChunkID    string
	Score      float64
	Snippet    string
}

// SemanticHit is one vector match, best chunk per document.
type SemanticHit struct {
	DocumentID string
	ChunkID    string
	Score      float32
	Snippet    string
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
