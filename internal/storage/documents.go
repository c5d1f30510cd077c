package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const documentColumns = `id, owner_id, filename, content_type, file_size, storage_locator, checksum,
	pipeline_variant, processing_status, processing_stage, progress, extracted_text, text_quality,
	document_type, analysis_json, embedding, error_kind, error_message, created_at, updated_at, completed_at`

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var stage, text, docType, analysis, errKind, errMsg, completedAt sql.NullString
	var quality sql.NullFloat64
	var embedding []byte
	var createdAt, updatedAt string
	err := row.Scan(&d.ID, &d.OwnerID, &d.Filename, &d.ContentType, &d.FileSize, &d.Locator, &d.Checksum,
		&d.Variant, &d.Status, &stage, &d.Progress, &text, &quality,
		&docType, &analysis, &embedding, &errKind, &errMsg, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return Document{}, err
	}
	d.Stage = Stage(stage.String)
	d.ExtractedText = text.String
	d.HasText = text.Valid
	d.TextQuality = quality.Float64
	d.DocumentType = docType.String
	d.AnalysisJSON = analysis.String
	d.ErrorKind = errKind.String
	d.ErrorMessage = errMsg.String
	if len(embedding) > 0 {
		if d.Embedding, err = decodeFloat32s(embedding); err != nil {
			return Document{}, fmt.Errorf("decoding embedding for %s: %w", d.ID, err)
		}
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return Document{}, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Document{}, err
	}
	if completedAt.Valid {
		if d.CompletedAt, err = parseTime(completedAt.String); err != nil {
			return Document{}, err
		}
	}
	return d, nil
}

// CreateDocument inserts a pending document and, when job is non-nil, the
// job that will process it, in one transaction.
func (s *Store) CreateDocument(ctx context.Context, d Document, job *Job) error {
	if d.Variant == "" {
		d.Variant = VariantFull
	}
	if !d.Variant.Valid() {
		return fmt.Errorf("invalid pipeline variant %q", d.Variant)
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, filename, content_type, file_size, storage_locator, checksum,
			pipeline_variant, processing_status, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?)`,
		d.ID, d.OwnerID, d.Filename, d.ContentType, d.FileSize, d.Locator, d.Checksum,
		d.Variant, d.Progress, formatTime(d.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting document %s: %w", d.ID, err)
	}

	if job != nil {
		if err := insertJob(ctx, tx, *job); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetDocument returns the document with the given id.
func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("getting document %s: %w", id, err)
	}
	return d, nil
}

// GetDocuments returns the documents with the given ids keyed by id. Missing
// ids are absent from the map.
func (s *Store) GetDocuments(ctx context.Context, ids []string) (map[string]Document, error) {
	out := make(map[string]Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		out[d.ID] = d
	}
	return out, rows.Err()
}

// ListDocuments returns an owner's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, ownerID string, limit int) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE owner_id = ? ORDER BY created_at DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// ClaimDocument moves a pending document to processing at the first stage.
// It returns ErrConflict if the document is not pending, which is how a
// second concurrent run is refused.
func (s *Store) ClaimDocument(ctx context.Context, id string, stage Stage, progress float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET processing_status = 'processing', processing_stage = ?, progress = MAX(progress, ?), updated_at = ?
		WHERE id = ? AND processing_status = 'pending'`,
		stage, progress, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("claiming document %s: %w", id, err)
	}
	return s.expectOneRow(ctx, res, id)
}

// SetStage records that a processing document entered stage.
func (s *Store) SetStage(ctx context.Context, id string, stage Stage, progress float64) error {
	if !stage.Valid() {
		return fmt.Errorf("invalid stage %q", stage)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET processing_stage = ?, progress = MAX(progress, ?), updated_at = ?
		WHERE id = ? AND processing_status = 'processing'`,
		stage, progress, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("setting stage for %s: %w", id, err)
	}
	return s.expectOneRow(ctx, res, id)
}

// SetProgress raises the stored progress of a processing document. Lower
// values are ignored.
func (s *Store) SetProgress(ctx context.Context, id string, progress float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET progress = MAX(progress, ?), updated_at = ?
		WHERE id = ? AND processing_status = 'processing'`,
		progress, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("setting progress for %s: %w", id, err)
	}
	return s.expectOneRow(ctx, res, id)
}

// SaveExtraction stores OCR output on a processing document.
func (s *Store) SaveExtraction(ctx context.Context, id, text string, quality float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET extracted_text = ?, text_quality = ?, updated_at = ?
		WHERE id = ? AND processing_status = 'processing'`,
		text, quality, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("saving extraction for %s: %w", id, err)
	}
	return s.expectOneRow(ctx, res, id)
}

// SaveAnalysis stores the analysis result on a processing document.
func (s *Store) SaveAnalysis(ctx context.Context, id, documentType, analysisJSON string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET document_type = ?, analysis_json = ?, updated_at = ?
		WHERE id = ? AND processing_status = 'processing'`,
		nullString(documentType), analysisJSON, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("saving analysis for %s: %w", id, err)
	}
	return s.expectOneRow(ctx, res, id)
}

// CompleteDocument marks a processing document completed and, when it has an
// embedding, writes its search index entries. Both happen in one transaction
// so readers never see a partially indexed document.
func (s *Store) CompleteDocument(ctx context.Context, id string, c Completion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning complete transaction: %w", err)
	}
	defer tx.Rollback()

	var ownerID, filename string
	err = tx.QueryRowContext(ctx, `SELECT owner_id, filename FROM documents WHERE id = ? AND processing_status = 'processing'`, id).
		Scan(&ownerID, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		return missingOrConflict(ctx, tx, id)
	}
	if err != nil {
		return fmt.Errorf("loading document %s: %w", id, err)
	}

	now := formatTime(time.Now())
	var embedding []byte
	if len(c.Embedding) > 0 {
		embedding = encodeFloat32s(c.Embedding)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET processing_status = 'completed', processing_stage = NULL, progress = MAX(progress, ?),
			embedding = ?, error_kind = NULL, error_message = NULL, updated_at = ?, completed_at = ?
		WHERE id = ? AND processing_status = 'processing'`,
		c.Progress, embedding, now, now, id,
	); err != nil {
		return fmt.Errorf("completing document %s: %w", id, err)
	}

	if len(c.Embedding) > 0 && len(c.Chunks) > 0 {
		chunkStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO search_chunks (id, document_id, owner_id, chunk_index, start_offset, end_offset, content, embedding, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing chunk insert: %w", err)
		}
		defer chunkStmt.Close()

		ftsStmt, err := tx.PrepareContext(ctx, `INSERT INTO search_fts (chunk_id, document_id, filename, content) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing fts insert: %w", err)
		}
		defer ftsStmt.Close()

		for _, ch := range c.Chunks {
			if _, err := chunkStmt.ExecContext(ctx, ch.ID, id, ownerID, ch.Index, ch.Start, ch.End, ch.Text,
				encodeFloat32s(ch.Embedding), now); err != nil {
				return fmt.Errorf("inserting chunk %s: %w", ch.ID, err)
			}
			if _, err := ftsStmt.ExecContext(ctx, ch.ID, id, filename, ch.Text); err != nil {
				return fmt.Errorf("indexing chunk %s: %w", ch.ID, err)
			}
		}
	}

	return tx.Commit()
}

// FailDocument marks a processing document failed, keeping the failing
// stage so clients can see where processing stopped.
func (s *Store) FailDocument(ctx context.Context, id string, f Failure) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET processing_status = 'failed', processing_stage = ?, progress = MAX(progress, ?),
			error_kind = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND processing_status IN ('pending', 'processing')`,
		nullString(string(f.Stage)), f.Progress, nullString(f.Kind), f.Message, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failing document %s: %w", id, err)
	}
	return s.expectOneRow(ctx, res, id)
}

// ReconcileInterrupted fails every document left in processing, e.g. by a
// crash mid-pipeline. It returns the number of documents changed.
func (s *Store) ReconcileInterrupted(ctx context.Context, message string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET processing_status = 'failed', error_kind = 'interrupted', error_message = ?, updated_at = ?
		WHERE processing_status = 'processing'`,
		message, formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("reconciling interrupted documents: %w", err)
	}
	return res.RowsAffected()
}

// DeleteDocument removes a document and its index entries, returning the
// deleted row so the caller can release its blob.
func (s *Store) DeleteDocument(ctx context.Context, id string) (Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	d, err := scanDocument(tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("loading document %s: %w", id, err)
	}

	for _, q := range []string{
		`DELETE FROM search_fts WHERE document_id = ?`,
		`DELETE FROM search_chunks WHERE document_id = ?`,
		`DELETE FROM documents WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return Document{}, fmt.Errorf("deleting document %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Document{}, fmt.Errorf("committing delete: %w", err)
	}
	return d, nil
}

func (s *Store) expectOneRow(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missingOrConflict(ctx, s.db, id)
	}
	return nil
}

// missingOrConflict distinguishes a missing document from one whose status
// rejected a conditional update.
func missingOrConflict(ctx context.Context, q queryRower, id string) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT processing_status FROM documents WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("document %s is %s: %w", id, status, ErrConflict)
}
