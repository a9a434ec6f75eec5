package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/embedding"
	"github.com/harun/mnemo/pkg/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "mnemo.memory"

// Manager provides tier-specific CRUD and lifecycle enforcement over the
// workspace store. It holds no authoritative state of its own; every
// operation reads and writes through the store.
type Manager struct {
	store    *store.Store
	embedder embedding.Provider // optional, nil disables vector indexing
	logger   zerolog.Logger
}

// NewManager creates a memory manager over an open workspace store.
func NewManager(st *store.Store, embedder embedding.Provider, logger zerolog.Logger) *Manager {
	observability.EnsureRegistered()
	return &Manager{
		store:    st,
		embedder: embedder,
		logger:   logger,
	}
}

// AppendShort records one conversational exchange in a session. CreatedAt
// defaults to now when unset, which also lets callers replay history with
// original timestamps.
func (m *Manager) AppendShort(ctx context.Context, sessionID string, entry ShortTermEntry) (*ShortTermEntry, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.append_short",
		attribute.String("session_id", sessionID),
		attribute.String("role", entry.Role),
	)
	defer span.End()

	if sessionID == "" {
		return nil, &ValidationError{Field: "session_id", Reason: "cannot be empty"}
	}
	if entry.Role == "" {
		return nil, &ValidationError{Field: "role", Reason: "cannot be empty"}
	}
	if entry.Content == "" {
		return nil, &ValidationError{Field: "content", Reason: "cannot be empty"}
	}
	if entry.TokenCount < 0 {
		return nil, &ValidationError{Field: "token_count", Reason: "cannot be negative"}
	}

	entry.ID = uuid.New().String()
	entry.SessionID = sessionID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	var expiresAt any
	if entry.ExpiresAt != nil {
		expiresAt = entry.ExpiresAt.UnixMilli()
	}

	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO short_term (id, session_id, role, content, tool_call, token_count, model, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.SessionID, entry.Role, entry.Content,
			nullable(entry.ToolCall), entry.TokenCount, nullable(entry.Model),
			entry.CreatedAt.UnixMilli(), expiresAt,
		)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	entryLogger := tracing.LoggerFromContext(ctx, m.logger)
	entryLogger.Debug().
		Str("entry_id", entry.ID).
		Str("role", entry.Role).
		Msg("Short-term entry appended")

	return &entry, nil
}

// ListShort returns the non-expired entries of a session, oldest first.
// Expired entries still on disk are filtered out here, so readers never see
// them even before a sweep runs.
func (m *Manager) ListShort(ctx context.Context, sessionID string) ([]ShortTermEntry, error) {
	rows, err := m.store.DB().QueryContext(ctx, `
		SELECT id, session_id, role, content, tool_call, token_count, model, created_at, expires_at
		FROM short_term
		WHERE session_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC`,
		sessionID, time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ShortTermEntry
	for rows.Next() {
		entry, err := scanShort(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// DeleteSession removes every short-term entry of a session (session
// teardown). Returns the number of entries removed.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	var removed int64
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM short_term WHERE session_id = ?", sessionID)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	m.logger.Info().Str("session_id", sessionID).Int64("removed", removed).Msg("Session deleted")
	return int(removed), nil
}

// AddWorking attaches an item to a job. Pinned state is taken from the item,
// so auto-captured decisions can land unpinned.
func (m *Manager) AddWorking(ctx context.Context, jobID string, item WorkingMemoryItem) (*WorkingMemoryItem, error) {
	ctx = tracing.WithJobID(ctx, jobID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.add_working",
		attribute.String("job_id", jobID),
		attribute.String("kind", string(item.Kind)),
	)
	defer span.End()

	if jobID == "" {
		return nil, &ValidationError{Field: "job_id", Reason: "cannot be empty"}
	}
	if item.Content == "" {
		return nil, &ValidationError{Field: "content", Reason: "cannot be empty"}
	}
	if item.Kind == "" {
		item.Kind = WorkingContext
	}
	if !validWorkingKind(item.Kind) {
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown working kind %q", item.Kind)}
	}

	item.ID = uuid.New().String()
	item.JobID = jobID
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}

	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO working_memory (id, job_id, kind, content, priority, pinned, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.JobID, string(item.Kind), item.Content,
			item.Priority, boolToInt(item.Pinned),
			item.CreatedAt.UnixMilli(), item.UpdatedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return &item, nil
}

// PinWorking attaches a pinned item to a job. Pinned items survive every
// automatic cleanup until explicitly unpinned or the job is deleted.
func (m *Manager) PinWorking(ctx context.Context, jobID string, item WorkingMemoryItem) (*WorkingMemoryItem, error) {
	item.Pinned = true
	return m.AddWorking(ctx, jobID, item)
}

// SetWorkingPinned updates the pinned flag of an item.
func (m *Manager) SetWorkingPinned(ctx context.Context, itemID string, pinned bool) error {
	return m.updateWorking(ctx, itemID, "pinned", boolToInt(pinned))
}

// SetWorkingPriority updates the priority of an item.
func (m *Manager) SetWorkingPriority(ctx context.Context, itemID string, priority int) error {
	return m.updateWorking(ctx, itemID, "priority", priority)
}

func (m *Manager) updateWorking(ctx context.Context, itemID, column string, value any) error {
	var affected int64
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE working_memory SET "+column+" = ?, updated_at = ? WHERE id = ?",
			value, time.Now().UnixMilli(), itemID,
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
		return fmt.Errorf("%w: working item %s", store.ErrNotFound, itemID)
	}
	return nil
}

// UnpinWorking removes an item from working memory entirely; unpinning is
// the explicit release of the content.
func (m *Manager) UnpinWorking(ctx context.Context, itemID string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.unpin_working",
		attribute.String("item_id", itemID),
	)
	defer span.End()

	var affected int64
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM working_memory WHERE id = ?", itemID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: working item %s", store.ErrNotFound, itemID)
	}

	m.logger.Debug().Str("item_id", itemID).Msg("Working item unpinned")
	return nil
}

// DeleteJob removes all working memory of a job. Returns the number removed.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) (int, error) {
	var removed int64
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM working_memory WHERE job_id = ?", jobID)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	m.logger.Info().Str("job_id", jobID).Int64("removed", removed).Msg("Job working memory deleted")
	return int(removed), nil
}

// ListWorking returns a job's items, highest priority first.
func (m *Manager) ListWorking(ctx context.Context, jobID string) ([]WorkingMemoryItem, error) {
	rows, err := m.store.DB().QueryContext(ctx, `
		SELECT id, job_id, kind, content, priority, pinned, created_at, updated_at
		FROM working_memory
		WHERE job_id = ?
		ORDER BY priority DESC, created_at ASC`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []WorkingMemoryItem
	for rows.Next() {
		item, err := scanWorking(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// PromoteOptions controls promotion into long-term memory.
type PromoteOptions struct {
	Category   Category
	Confidence float64
	// Move deletes the source after copying. Default is copy-only.
	Move bool
	// Force creates a new long-term item even when the source was already
	// promoted. The duplicate carries no source marker; provenance stays
	// visible through the derived_from link.
	Force bool
}

// PromoteToLong copies a short-term or working item into long-term memory.
// The embedding is generated synchronously; an embedding failure aborts the
// promotion, since a silently un-embedded item would degrade every future
// retrieval. Promoting the same source twice without Force returns the
// existing item.
func (m *Manager) PromoteToLong(ctx context.Context, src Ref, opts PromoteOptions) (*LongTermMemoryItem, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.promote_to_long",
		attribute.String("source", src.Key()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	if opts.Category == "" {
		opts.Category = CategoryLearning
	}
	if !validCategory(opts.Category) {
		return nil, &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", opts.Category)}
	}
	if opts.Confidence < 0 || opts.Confidence > 1 {
		return nil, &ValidationError{Field: "confidence", Reason: "must be in [0,1]"}
	}
	if src.Kind != KindShortTerm && src.Kind != KindWorking {
		return nil, &ValidationError{Field: "source", Reason: "only short-term and working items can be promoted"}
	}

	content, err := m.sourceContent(ctx, src)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if !opts.Force {
		existing, err := m.longBySource(ctx, src)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			logger.Debug().Str("existing_id", existing.ID).Msg("Source already promoted")
			return existing, nil
		}
	}

	// Embed before opening the transaction; the provider call is the slow
	// part and must not hold the write lock.
	var vec []float32
	if m.embedder != nil {
		vec, err = m.embedder.Embed(ctx, content)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("promotion embedding failed: %w", err)
		}
	}

	now := time.Now()
	item := LongTermMemoryItem{
		ID:         uuid.New().String(),
		Category:   opts.Category,
		Confidence: opts.Confidence,
		Content:    content,
		SourceKind: src.Kind,
		SourceID:   src.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var srcKind, srcID any
	if opts.Force {
		// Forced duplicates leave the unique source marker on the first
		// promotion; provenance is carried by the link below.
		srcKind, srcID = nil, nil
		item.SourceKind, item.SourceID = "", ""
	} else {
		srcKind, srcID = string(src.Kind), src.ID
	}

	err = m.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO long_term (id, category, content, confidence, access_count, source_kind, source_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
			item.ID, string(item.Category), item.Content, item.Confidence,
			srcKind, srcID, now.UnixMilli(), now.UnixMilli(),
		); err != nil {
			return err
		}

		if vec != nil {
			if err := insertEmbedding(ctx, tx, Ref{Kind: KindLongTerm, ID: item.ID}, vec); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_links (id, src_kind, src_id, dst_kind, dst_id, rel, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			newLinkID(), string(KindLongTerm), item.ID, string(src.Kind), src.ID,
			string(RelDerivedFrom), now.UnixMilli(),
		); err != nil {
			return err
		}

		if opts.Move {
			if err := deleteSource(ctx, tx, src); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	logger.Info().
		Str("item_id", item.ID).
		Str("category", string(item.Category)).
		Bool("moved", opts.Move).
		Msg("Item promoted to long-term memory")

	return &item, nil
}

// GetLong fetches one long-term item.
func (m *Manager) GetLong(ctx context.Context, id string) (*LongTermMemoryItem, error) {
	row := m.store.DB().QueryRowContext(ctx, `
		SELECT id, category, content, confidence, access_count, source_kind, source_id, created_at, updated_at
		FROM long_term WHERE id = ?`, id)
	return scanLong(row)
}

// TouchLong bumps the access counter of long-term items that scored a
// retrieval hit. Counters only ever increase.
func (m *Manager) TouchLong(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				"UPDATE long_term SET access_count = access_count + 1 WHERE id = ?", id,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExpireShort removes short-term entries whose expiry has passed. This is
// the only automatic deletion path for the short-term tier; it runs from the
// background sweeper and is safe alongside concurrent reads.
func (m *Manager) ExpireShort(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.expire_short")
	defer span.End()

	var removed int64
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM short_term WHERE expires_at IS NOT NULL AND expires_at <= ?",
			time.Now().UnixMilli(),
		)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	if removed > 0 {
		observability.RecordExpired(string(KindShortTerm), int(removed))
		m.logger.Info().Int64("removed", removed).Msg("Expired short-term entries removed")
	}

	return int(removed), nil
}

// CleanupWorking removes unpinned working items untouched for longer than
// olderThan. Pinned items are never candidates, regardless of age.
func (m *Manager) CleanupWorking(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-olderThan).UnixMilli()

	var removed int64
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM working_memory WHERE pinned = 0 AND updated_at < ?", cutoff,
		)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		observability.RecordExpired(string(KindWorking), int(removed))
		m.logger.Info().Int64("removed", removed).Msg("Stale working items removed")
	}

	return int(removed), nil
}

// Counts returns the current item count per tier and refreshes the gauges.
func (m *Manager) Counts(ctx context.Context) (map[Kind]int, error) {
	counts := make(map[Kind]int, 3)
	for kind, table := range map[Kind]string{
		KindShortTerm: "short_term",
		KindWorking:   "working_memory",
		KindLongTerm:  "long_term",
	} {
		var n int
		if err := m.store.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, err
		}
		counts[kind] = n
		observability.SetMemoryItems(string(kind), n)
	}
	return counts, nil
}

func (m *Manager) sourceContent(ctx context.Context, src Ref) (string, error) {
	var query string
	switch src.Kind {
	case KindShortTerm:
		query = "SELECT content FROM short_term WHERE id = ?"
	case KindWorking:
		query = "SELECT content FROM working_memory WHERE id = ?"
	default:
		return "", &ValidationError{Field: "source", Reason: "unsupported kind " + string(src.Kind)}
	}

	var content string
	if err := m.store.QueryRow(ctx, query, []any{src.ID}, &content); err != nil {
		return "", err
	}
	return content, nil
}

func (m *Manager) longBySource(ctx context.Context, src Ref) (*LongTermMemoryItem, error) {
	row := m.store.DB().QueryRowContext(ctx, `
		SELECT id, category, content, confidence, access_count, source_kind, source_id, created_at, updated_at
		FROM long_term WHERE source_kind = ? AND source_id = ?`,
		string(src.Kind), src.ID,
	)
	return scanLong(row)
}

func deleteSource(ctx context.Context, tx *sql.Tx, src Ref) error {
	var query string
	switch src.Kind {
	case KindShortTerm:
		query = "DELETE FROM short_term WHERE id = ?"
	case KindWorking:
		query = "DELETE FROM working_memory WHERE id = ?"
	default:
		return fmt.Errorf("cannot delete source of kind %s", src.Kind)
	}
	_, err := tx.ExecContext(ctx, query, src.ID)
	return err
}

// insertEmbedding stores a vector for an item inside the caller's transaction.
func insertEmbedding(ctx context.Context, tx *sql.Tx, ref Ref, vec []float32) error {
	data, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO embeddings (item_key, embedding) VALUES (?, ?)",
		ref.Key(), string(data),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShort(row rowScanner) (*ShortTermEntry, error) {
	var entry ShortTermEntry
	var toolCall, model sql.NullString
	var createdAt int64
	var expiresAt sql.NullInt64

	if err := row.Scan(
		&entry.ID, &entry.SessionID, &entry.Role, &entry.Content,
		&toolCall, &entry.TokenCount, &model, &createdAt, &expiresAt,
	); err != nil {
		return nil, err
	}

	entry.ToolCall = toolCall.String
	entry.Model = model.String
	entry.CreatedAt = time.UnixMilli(createdAt)
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64)
		entry.ExpiresAt = &t
	}
	return &entry, nil
}

func scanWorking(row rowScanner) (*WorkingMemoryItem, error) {
	var item WorkingMemoryItem
	var kind string
	var pinned int
	var createdAt, updatedAt int64

	if err := row.Scan(
		&item.ID, &item.JobID, &kind, &item.Content,
		&item.Priority, &pinned, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	item.Kind = WorkingKind(kind)
	item.Pinned = pinned != 0
	item.CreatedAt = time.UnixMilli(createdAt)
	item.UpdatedAt = time.UnixMilli(updatedAt)
	return &item, nil
}

func scanLong(row rowScanner) (*LongTermMemoryItem, error) {
	var item LongTermMemoryItem
	var category string
	var sourceKind, sourceID sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(
		&item.ID, &category, &item.Content, &item.Confidence, &item.AccessCount,
		&sourceKind, &sourceID, &createdAt, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: long-term item", store.ErrNotFound)
		}
		return nil, err
	}

	item.Category = Category(category)
	item.SourceKind = Kind(sourceKind.String)
	item.SourceID = sourceID.String
	item.CreatedAt = time.UnixMilli(createdAt)
	item.UpdatedAt = time.UnixMilli(updatedAt)
	return &item, nil
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
