package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/embedding"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/harun/mnemo/pkg/store"
)

const tracerName = "mnemo.knowledge"

// Manager provides CRUD and full-text search over the knowledge base. The
// FTS index is maintained in the same transaction as every row mutation, so
// keyword search never observes an entry the base table does not have.
type Manager struct {
	store    *store.Store
	embedder embedding.Provider // optional
	logger   zerolog.Logger
}

// NewManager creates a knowledge manager over an open workspace store.
func NewManager(st *store.Store, embedder embedding.Provider, logger zerolog.Logger) *Manager {
	observability.EnsureRegistered()
	return &Manager{
		store:    st,
		embedder: embedder,
		logger:   logger,
	}
}

// Create adds a new active entry authored by createdBy.
func (m *Manager) Create(ctx context.Context, createdBy string, draft Draft) (*Entry, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "knowledge.create",
		attribute.String("title", draft.Title),
	)
	defer span.End()

	if err := validateDraft(draft); err != nil {
		return nil, err
	}

	now := time.Now()
	entry := Entry{
		ID:        uuid.New().String(),
		Title:     draft.Title,
		Content:   draft.Content,
		Tags:      draft.Tags,
		FileRefs:  draft.FileRefs,
		IsActive:  true,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.insert(ctx, &entry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.embedBestEffort(ctx, &entry)

	entryLogger := tracing.LoggerFromContext(ctx, m.logger)
	entryLogger.Info().
		Str("entry_id", entry.ID).
		Str("title", entry.Title).
		Msg("Knowledge entry created")

	return &entry, nil
}

// Update replaces the content of an existing entry. The FTS row is rewritten
// in the same transaction; the embedding is refreshed best-effort afterwards.
func (m *Manager) Update(ctx context.Context, id string, draft Draft) (*Entry, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "knowledge.update",
		attribute.String("entry_id", id),
	)
	defer span.End()

	if err := validateDraft(draft); err != nil {
		return nil, err
	}

	entry, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	entry.Title = draft.Title
	entry.Content = draft.Content
	entry.Tags = draft.Tags
	entry.FileRefs = draft.FileRefs
	entry.UpdatedAt = time.Now()

	tags, fileRefs, err := marshalLists(entry.Tags, entry.FileRefs)
	if err != nil {
		return nil, err
	}

	err = m.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE knowledge SET title = ?, content = ?, tags = ?, file_refs = ?, updated_at = ?
			WHERE id = ?`,
			entry.Title, entry.Content, tags, fileRefs, entry.UpdatedAt.UnixMilli(), id,
		); err != nil {
			return err
		}
		return syncFTS(ctx, tx, entry)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.embedBestEffort(ctx, entry)
	return entry, nil
}

// SetActive toggles an entry in or out of the retrieval surface without
// deleting it. Inactive entries keep their FTS and vector rows but are
// filtered out of every search.
func (m *Manager) SetActive(ctx context.Context, id string, active bool) error {
	var affected int64
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE knowledge SET is_active = ?, updated_at = ? WHERE id = ?",
			boolToInt(active), time.Now().UnixMilli(), id,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: knowledge entry %s", store.ErrNotFound, id)
	}

	m.logger.Info().Str("entry_id", id).Bool("active", active).Msg("Knowledge entry toggled")
	return nil
}

// Deactivate removes an entry from the retrieval surface.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	return m.SetActive(ctx, id, false)
}

// Get fetches one entry by ID, active or not.
func (m *Manager) Get(ctx context.Context, id string) (*Entry, error) {
	row := m.store.DB().QueryRowContext(ctx, `
		SELECT id, title, content, tags, file_refs, is_active, created_by, source_path, content_hash, created_at, updated_at
		FROM knowledge WHERE id = ?`, id)
	return scanEntry(row)
}

// List returns entries, optionally restricted to active ones, newest first.
func (m *Manager) List(ctx context.Context, activeOnly bool) ([]Entry, error) {
	query := `
		SELECT id, title, content, tags, file_refs, is_active, created_by, source_path, content_hash, created_at, updated_at
		FROM knowledge`
	if activeOnly {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY updated_at DESC"

	rows, err := m.store.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Hit is one full-text match with its bm25 score. Lower raw bm25 is better;
// Score is negated so higher is better like every other score in the system.
type Hit struct {
	Entry Entry
	Score float64
}

// SearchFulltext runs a bm25-ranked keyword search over active entries.
func (m *Manager) SearchFulltext(ctx context.Context, query string, limit int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := m.store.DB().QueryContext(ctx, `
		SELECT k.id, k.title, k.content, k.tags, k.file_refs, k.is_active, k.created_by,
		       k.source_path, k.content_hash, k.created_at, k.updated_at,
		       bm25(knowledge_fts) AS score
		FROM knowledge_fts
		JOIN knowledge k ON k.id = knowledge_fts.entry_id
		WHERE knowledge_fts MATCH ? AND k.is_active = 1
		ORDER BY score
		LIMIT ?`,
		ftsQuery(query), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var hit Hit
		var tags, fileRefs string
		var active int
		var sourcePath, contentHash sql.NullString
		var createdAt, updatedAt int64

		if err := rows.Scan(
			&hit.Entry.ID, &hit.Entry.Title, &hit.Entry.Content, &tags, &fileRefs,
			&active, &hit.Entry.CreatedBy, &sourcePath, &contentHash,
			&createdAt, &updatedAt, &hit.Score,
		); err != nil {
			return nil, err
		}

		hit.Score = -hit.Score
		hit.Entry.IsActive = active != 0
		hit.Entry.SourcePath = sourcePath.String
		hit.Entry.ContentHash = contentHash.String
		hit.Entry.CreatedAt = time.UnixMilli(createdAt)
		hit.Entry.UpdatedAt = time.UnixMilli(updatedAt)
		if err := unmarshalLists(tags, fileRefs, &hit.Entry); err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// Count returns the number of active entries and refreshes the gauge.
func (m *Manager) Count(ctx context.Context) (int, error) {
	var n int
	if err := m.store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM knowledge WHERE is_active = 1",
	).Scan(&n); err != nil {
		return 0, err
	}
	observability.SetKnowledgeEntries(n)
	return n, nil
}

func (m *Manager) insert(ctx context.Context, entry *Entry) error {
	tags, fileRefs, err := marshalLists(entry.Tags, entry.FileRefs)
	if err != nil {
		return err
	}

	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO knowledge (id, title, content, tags, file_refs, is_active, created_by, source_path, content_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.Title, entry.Content, tags, fileRefs,
			boolToInt(entry.IsActive), entry.CreatedBy,
			nullable(entry.SourcePath), nullable(entry.ContentHash),
			entry.CreatedAt.UnixMilli(), entry.UpdatedAt.UnixMilli(),
		); err != nil {
			return err
		}
		return syncFTS(ctx, tx, entry)
	})
}

// syncFTS rewrites the FTS row for an entry inside the caller's transaction.
func syncFTS(ctx context.Context, tx *sql.Tx, entry *Entry) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM knowledge_fts WHERE entry_id = ?", entry.ID,
	); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO knowledge_fts (entry_id, title, content, tags) VALUES (?, ?, ?, ?)",
		entry.ID, entry.Title, entry.Content, strings.Join(entry.Tags, " "),
	)
	return err
}

// embedBestEffort stores the entry vector outside the row transaction. A
// provider failure only logs; keyword search still covers the entry and the
// background sweep backfills missing vectors.
func (m *Manager) embedBestEffort(ctx context.Context, entry *Entry) {
	if m.embedder == nil {
		return
	}

	vec, err := m.embedder.Embed(ctx, entry.Title+"\n"+entry.Content)
	if err != nil {
		m.logger.Warn().Err(err).Str("entry_id", entry.ID).Msg("Failed to embed knowledge entry")
		return
	}

	key := memory.Ref{Kind: memory.KindKnowledge, ID: entry.ID}.Key()
	data, err := json.Marshal(vec)
	if err != nil {
		m.logger.Warn().Err(err).Str("entry_id", entry.ID).Msg("Failed to marshal embedding")
		return
	}

	err = m.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO embeddings (item_key, embedding) VALUES (?, ?)",
			key, string(data),
		)
		return err
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("entry_id", entry.ID).Msg("Failed to store knowledge embedding")
	}
}

func validateDraft(draft Draft) error {
	if draft.Title == "" {
		return &memory.ValidationError{Field: "title", Reason: "cannot be empty"}
	}
	if draft.Content == "" {
		return &memory.ValidationError{Field: "content", Reason: "cannot be empty"}
	}

	seen := make(map[string]bool, len(draft.Tags))
	for _, tag := range draft.Tags {
		if tag == "" {
			return &memory.ValidationError{Field: "tags", Reason: "tags cannot be empty strings"}
		}
		if seen[tag] {
			return &memory.ValidationError{Field: "tags", Reason: fmt.Sprintf("duplicate tag %q", tag)}
		}
		seen[tag] = true
	}
	return nil
}

// ftsQuery quotes each term so user punctuation cannot break the MATCH
// grammar.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(term, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

func marshalLists(tags, fileRefs []string) (string, string, error) {
	if tags == nil {
		tags = []string{}
	}
	if fileRefs == nil {
		fileRefs = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", "", err
	}
	refsJSON, err := json.Marshal(fileRefs)
	if err != nil {
		return "", "", err
	}
	return string(tagsJSON), string(refsJSON), nil
}

func unmarshalLists(tags, fileRefs string, entry *Entry) error {
	if err := json.Unmarshal([]byte(tags), &entry.Tags); err != nil {
		return fmt.Errorf("corrupt tags for entry %s: %w", entry.ID, err)
	}
	if err := json.Unmarshal([]byte(fileRefs), &entry.FileRefs); err != nil {
		return fmt.Errorf("corrupt file_refs for entry %s: %w", entry.ID, err)
	}
	return nil
}

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var entry Entry
	var tags, fileRefs string
	var active int
	var sourcePath, contentHash sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(
		&entry.ID, &entry.Title, &entry.Content, &tags, &fileRefs,
		&active, &entry.CreatedBy, &sourcePath, &contentHash,
		&createdAt, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: knowledge entry", store.ErrNotFound)
		}
		return nil, err
	}

	entry.IsActive = active != 0
	entry.SourcePath = sourcePath.String
	entry.ContentHash = contentHash.String
	entry.CreatedAt = time.UnixMilli(createdAt)
	entry.UpdatedAt = time.UnixMilli(updatedAt)
	if err := unmarshalLists(tags, fileRefs, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
