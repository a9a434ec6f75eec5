package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/harun/mnemo/pkg/memory"
	"github.com/harun/mnemo/pkg/store"
)

// candidate is a retrieval result before scoring is finished.
type candidate struct {
	Ref        memory.Ref
	Content    string
	Title      string
	Pinned     bool
	Confidence float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Active     bool
}

// collectScoped loads the memory rows a query in this scope may consider.
// Tiers outside the scope contribute nothing: no session means no
// short-term candidates at all, not all of them.
func (p *Pipeline) collectScoped(ctx context.Context, scope Scope, limit int) ([]candidate, error) {
	var out []candidate

	if scope.SessionID != "" {
		rows, err := p.store.DB().QueryContext(ctx, `
			SELECT id, content, created_at FROM short_term
			WHERE session_id = ? AND (expires_at IS NULL OR expires_at > ?)
			ORDER BY created_at DESC LIMIT ?`,
			scope.SessionID, time.Now().UnixMilli(), limit,
		)
		if err != nil {
			return nil, err
		}
		if out, err = appendSimpleRows(out, rows, memory.KindShortTerm); err != nil {
			return nil, err
		}
	}

	if scope.JobID != "" {
		rows, err := p.store.DB().QueryContext(ctx, `
			SELECT id, content, pinned, created_at, updated_at FROM working_memory
			WHERE job_id = ?
			ORDER BY priority DESC, updated_at DESC LIMIT ?`,
			scope.JobID, limit,
		)
		if err != nil {
			return nil, err
		}
		if out, err = appendWorkingRows(out, rows); err != nil {
			return nil, err
		}
	}

	rows, err := p.store.DB().QueryContext(ctx, `
		SELECT id, content, confidence, created_at, updated_at FROM long_term
		ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	if out, err = appendLongRows(out, rows); err != nil {
		return nil, err
	}

	return out, nil
}

// resolveRef loads one item by ref and reports whether it is visible in the
// scope. Vector hits come back as bare keys, so every hit passes through
// here before it can score.
func (p *Pipeline) resolveRef(ctx context.Context, scope Scope, ref memory.Ref) (*candidate, error) {
	c := candidate{Ref: ref, Active: true}
	now := time.Now()

	switch ref.Kind {
	case memory.KindShortTerm:
		if scope.SessionID == "" {
			return nil, nil
		}
		var sessionID string
		var createdAt int64
		var expiresAt sql.NullInt64
		err := p.store.DB().QueryRowContext(ctx,
			"SELECT session_id, content, created_at, expires_at FROM short_term WHERE id = ?", ref.ID,
		).Scan(&sessionID, &c.Content, &createdAt, &expiresAt)
		if err != nil {
			return nil, ignoreMissing(err)
		}
		if sessionID != scope.SessionID {
			return nil, nil
		}
		if expiresAt.Valid && expiresAt.Int64 <= now.UnixMilli() {
			return nil, nil
		}
		c.CreatedAt = time.UnixMilli(createdAt)

	case memory.KindWorking:
		if scope.JobID == "" {
			return nil, nil
		}
		var jobID string
		var pinned int
		var createdAt, updatedAt int64
		err := p.store.DB().QueryRowContext(ctx,
			"SELECT job_id, content, pinned, created_at, updated_at FROM working_memory WHERE id = ?", ref.ID,
		).Scan(&jobID, &c.Content, &pinned, &createdAt, &updatedAt)
		if err != nil {
			return nil, ignoreMissing(err)
		}
		if jobID != scope.JobID {
			return nil, nil
		}
		c.Pinned = pinned != 0
		c.CreatedAt = time.UnixMilli(createdAt)
		c.UpdatedAt = time.UnixMilli(updatedAt)

	case memory.KindLongTerm:
		var createdAt, updatedAt int64
		err := p.store.DB().QueryRowContext(ctx,
			"SELECT content, confidence, created_at, updated_at FROM long_term WHERE id = ?", ref.ID,
		).Scan(&c.Content, &c.Confidence, &createdAt, &updatedAt)
		if err != nil {
			return nil, ignoreMissing(err)
		}
		c.CreatedAt = time.UnixMilli(createdAt)
		c.UpdatedAt = time.UnixMilli(updatedAt)

	case memory.KindKnowledge:
		var active int
		var createdAt, updatedAt int64
		err := p.store.DB().QueryRowContext(ctx,
			"SELECT title, content, is_active, created_at, updated_at FROM knowledge WHERE id = ?", ref.ID,
		).Scan(&c.Title, &c.Content, &active, &createdAt, &updatedAt)
		if err != nil {
			return nil, ignoreMissing(err)
		}
		if active == 0 {
			return nil, nil
		}
		c.CreatedAt = time.UnixMilli(createdAt)
		c.UpdatedAt = time.UnixMilli(updatedAt)

	default:
		return nil, nil
	}

	return &c, nil
}

// ignoreMissing drops not-found errors: a vector row may outlive its item
// briefly, and a dangling key is not a query failure.
func ignoreMissing(err error) error {
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func appendSimpleRows(out []candidate, rows *sql.Rows, kind memory.Kind) ([]candidate, error) {
	defer rows.Close()
	for rows.Next() {
		var c candidate
		var createdAt int64
		if err := rows.Scan(&c.Ref.ID, &c.Content, &createdAt); err != nil {
			return nil, err
		}
		c.Ref.Kind = kind
		c.CreatedAt = time.UnixMilli(createdAt)
		c.Active = true
		out = append(out, c)
	}
	return out, rows.Err()
}

func appendWorkingRows(out []candidate, rows *sql.Rows) ([]candidate, error) {
	defer rows.Close()
	for rows.Next() {
		var c candidate
		var pinned int
		var createdAt, updatedAt int64
		if err := rows.Scan(&c.Ref.ID, &c.Content, &pinned, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		c.Ref.Kind = memory.KindWorking
		c.Pinned = pinned != 0
		c.CreatedAt = time.UnixMilli(createdAt)
		c.UpdatedAt = time.UnixMilli(updatedAt)
		c.Active = true
		out = append(out, c)
	}
	return out, rows.Err()
}

func appendLongRows(out []candidate, rows *sql.Rows) ([]candidate, error) {
	defer rows.Close()
	for rows.Next() {
		var c candidate
		var createdAt, updatedAt int64
		if err := rows.Scan(&c.Ref.ID, &c.Content, &c.Confidence, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		c.Ref.Kind = memory.KindLongTerm
		c.CreatedAt = time.UnixMilli(createdAt)
		c.UpdatedAt = time.UnixMilli(updatedAt)
		c.Active = true
		out = append(out, c)
	}
	return out, rows.Err()
}
