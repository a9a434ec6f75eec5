package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/store"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel/attribute"
)

// newLinkID returns a short, URL-safe link identifier. Links are plentiful
// and referenced in logs, so the shorter nanoid beats a full UUID here.
func newLinkID() string {
	id, err := gonanoid.New(12)
	if err != nil {
		// gonanoid only fails when the system entropy source is broken
		return fmt.Sprintf("lnk-%d", time.Now().UnixNano())
	}
	return id
}

// Link creates a directed, typed edge between two items. Both endpoints must
// exist; linking does not create items. Self-links are rejected, cycles
// through longer paths are allowed.
func (m *Manager) Link(ctx context.Context, from, to Ref, rel Relation) (*MemoryLink, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.link",
		attribute.String("from", from.Key()),
		attribute.String("to", to.Key()),
		attribute.String("rel", string(rel)),
	)
	defer span.End()

	if !validRelation(rel) {
		return nil, &ValidationError{Field: "rel", Reason: fmt.Sprintf("unknown relation %q", rel)}
	}
	if from == to {
		return nil, &ValidationError{Field: "to", Reason: "cannot link an item to itself"}
	}

	for _, ref := range []Ref{from, to} {
		ok, err := m.itemExists(ctx, ref)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, ref.Key())
		}
	}

	link := MemoryLink{
		ID:        newLinkID(),
		From:      from,
		To:        to,
		Rel:       rel,
		CreatedAt: time.Now(),
	}

	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memory_links (id, src_kind, src_id, dst_kind, dst_id, rel, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			link.ID, string(from.Kind), from.ID, string(to.Kind), to.ID,
			string(rel), link.CreatedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return &link, nil
}

// Unlink removes a link by ID.
func (m *Manager) Unlink(ctx context.Context, linkID string) error {
	var affected int64
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM memory_links WHERE id = ?", linkID)
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
		return fmt.Errorf("%w: link %s", store.ErrNotFound, linkID)
	}
	return nil
}

// Links returns the outgoing links of an item.
func (m *Manager) Links(ctx context.Context, from Ref) ([]MemoryLink, error) {
	rows, err := m.store.DB().QueryContext(ctx, `
		SELECT id, src_kind, src_id, dst_kind, dst_id, rel, created_at
		FROM memory_links
		WHERE src_kind = ? AND src_id = ?
		ORDER BY created_at ASC`,
		string(from.Kind), from.ID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []MemoryLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *link)
	}
	return links, rows.Err()
}

// Traverse walks outgoing links breadth-first from start, up to maxDepth
// hops, and returns the reachable refs excluding start itself. A visited set
// keeps cyclic graphs from looping.
func (m *Manager) Traverse(ctx context.Context, start Ref, maxDepth int) ([]Ref, error) {
	if maxDepth <= 0 {
		return nil, nil
	}

	visited := map[Ref]bool{start: true}
	frontier := []Ref{start}
	var reached []Ref

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []Ref
		for _, ref := range frontier {
			links, err := m.Links(ctx, ref)
			if err != nil {
				return nil, err
			}
			for _, link := range links {
				if visited[link.To] {
					continue
				}
				visited[link.To] = true
				reached = append(reached, link.To)
				next = append(next, link.To)
			}
		}
		frontier = next
	}

	return reached, nil
}

func (m *Manager) itemExists(ctx context.Context, ref Ref) (bool, error) {
	var table string
	switch ref.Kind {
	case KindShortTerm:
		table = "short_term"
	case KindWorking:
		table = "working_memory"
	case KindLongTerm:
		table = "long_term"
	case KindKnowledge:
		table = "knowledge"
	default:
		return false, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", ref.Kind)}
	}

	var n int
	if err := m.store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+table+" WHERE id = ?", ref.ID,
	).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanLink(row rowScanner) (*MemoryLink, error) {
	var link MemoryLink
	var srcKind, dstKind, rel string
	var createdAt int64

	if err := row.Scan(
		&link.ID, &srcKind, &link.From.ID, &dstKind, &link.To.ID, &rel, &createdAt,
	); err != nil {
		return nil, err
	}

	link.From.Kind = Kind(srcKind)
	link.To.Kind = Kind(dstKind)
	link.Rel = Relation(rel)
	link.CreatedAt = time.UnixMilli(createdAt)
	return &link, nil
}
