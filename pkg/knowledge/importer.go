package knowledge

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/store"
)

// frontMatterSchema validates the optional JSON front matter block at the
// top of a note file, between "---" fences.
const frontMatterSchema = `{
	"type": "object",
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"tags": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"file_refs": {"type": "array", "items": {"type": "string", "minLength": 1}}
	},
	"additionalProperties": false
}`

// Importer scans a notes directory and mirrors its markdown files into the
// knowledge base. Files are keyed by path; a re-import of an unchanged file
// is a no-op thanks to the content hash.
type Importer struct {
	manager *Manager
	schema  *gojsonschema.Schema
	logger  zerolog.Logger
}

// NewImporter creates an importer writing through manager.
func NewImporter(manager *Manager, logger zerolog.Logger) (*Importer, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(frontMatterSchema))
	if err != nil {
		return nil, fmt.Errorf("invalid front matter schema: %w", err)
	}
	return &Importer{
		manager: manager,
		schema:  schema,
		logger:  logger,
	}, nil
}

// ImportResult summarizes one scan.
type ImportResult struct {
	Created   int
	Updated   int
	Unchanged int
	Skipped   int
}

// ScanDir walks dir recursively and imports every markdown file. Files that
// fail to parse are skipped with a warning; one bad note never aborts the
// scan.
func (imp *Importer) ScanDir(ctx context.Context, dir string) (*ImportResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "knowledge.scan_dir")
	defer span.End()

	result := &ImportResult{}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}

		switch outcome, err := imp.ImportFile(ctx, path); {
		case err != nil:
			imp.logger.Warn().Err(err).Str("path", path).Msg("Skipping unparseable note")
			result.Skipped++
		case outcome == outcomeCreated:
			result.Created++
		case outcome == outcomeUpdated:
			result.Updated++
		default:
			result.Unchanged++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return result, err
	}

	imp.logger.Info().
		Int("created", result.Created).
		Int("updated", result.Updated).
		Int("unchanged", result.Unchanged).
		Int("skipped", result.Skipped).
		Msg("Notes directory scanned")

	return result, nil
}

type importOutcome int

const (
	outcomeUnchanged importOutcome = iota
	outcomeCreated
	outcomeUpdated
)

// ImportFile imports a single note file, creating or updating the entry
// keyed by its path.
func (imp *Importer) ImportFile(ctx context.Context, path string) (importOutcome, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return outcomeUnchanged, err
	}

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	existing, err := imp.manager.getBySourcePath(ctx, path)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return outcomeUnchanged, err
	}
	if existing != nil && existing.ContentHash == hash {
		return outcomeUnchanged, nil
	}

	draft, err := imp.parseNote(path, string(raw))
	if err != nil {
		return outcomeUnchanged, err
	}

	if existing == nil {
		entry := Entry{
			ID:          uuid.New().String(),
			Title:       draft.Title,
			Content:     draft.Content,
			Tags:        draft.Tags,
			FileRefs:    draft.FileRefs,
			IsActive:    true,
			CreatedBy:   "importer",
			SourcePath:  path,
			ContentHash: hash,
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		}
		if err := imp.manager.insert(ctx, &entry); err != nil {
			return outcomeUnchanged, err
		}
		imp.manager.embedBestEffort(ctx, &entry)
		return outcomeCreated, nil
	}

	if err := imp.updateImported(ctx, existing, draft, hash); err != nil {
		return outcomeUnchanged, err
	}
	return outcomeUpdated, nil
}

// RemoveFile deactivates the entry imported from path, if any. Called when
// the note file disappears from the directory.
func (imp *Importer) RemoveFile(ctx context.Context, path string) error {
	entry, err := imp.manager.getBySourcePath(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return imp.manager.Deactivate(ctx, entry.ID)
}

func (imp *Importer) updateImported(ctx context.Context, entry *Entry, draft Draft, hash string) error {
	entry.Title = draft.Title
	entry.Content = draft.Content
	entry.Tags = draft.Tags
	entry.FileRefs = draft.FileRefs
	entry.ContentHash = hash
	entry.IsActive = true
	entry.UpdatedAt = time.Now()

	tags, fileRefs, err := marshalLists(entry.Tags, entry.FileRefs)
	if err != nil {
		return err
	}

	err = imp.manager.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE knowledge
			SET title = ?, content = ?, tags = ?, file_refs = ?, content_hash = ?, is_active = 1, updated_at = ?
			WHERE id = ?`,
			entry.Title, entry.Content, tags, fileRefs, entry.ContentHash,
			entry.UpdatedAt.UnixMilli(), entry.ID,
		); err != nil {
			return err
		}
		return syncFTS(ctx, tx, entry)
	})
	if err != nil {
		return err
	}

	imp.manager.embedBestEffort(ctx, entry)
	return nil
}

// parseNote splits optional "---" fenced JSON front matter from the markdown
// body. The title falls back to the first heading, then the file name.
func (imp *Importer) parseNote(path, raw string) (Draft, error) {
	draft := Draft{}
	body := raw

	if strings.HasPrefix(raw, "---\n") {
		rest := raw[len("---\n"):]
		end := strings.Index(rest, "\n---")
		if end < 0 {
			return draft, fmt.Errorf("unterminated front matter in %s", path)
		}
		front := rest[:end]
		body = strings.TrimPrefix(rest[end+len("\n---"):], "\n")

		res, err := imp.schema.Validate(gojsonschema.NewStringLoader(front))
		if err != nil {
			return draft, fmt.Errorf("front matter in %s is not valid JSON: %w", path, err)
		}
		if !res.Valid() {
			return draft, fmt.Errorf("front matter in %s rejected: %s", path, res.Errors()[0])
		}

		var meta struct {
			Title    string   `json:"title"`
			Tags     []string `json:"tags"`
			FileRefs []string `json:"file_refs"`
		}
		if err := jsonUnmarshalStrict(front, &meta); err != nil {
			return draft, fmt.Errorf("front matter in %s: %w", path, err)
		}
		draft.Title = meta.Title
		draft.Tags = meta.Tags
		draft.FileRefs = meta.FileRefs
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return draft, fmt.Errorf("note %s has no content", path)
	}
	draft.Content = body

	if draft.Title == "" {
		draft.Title = firstHeading(body)
	}
	if draft.Title == "" {
		draft.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	if err := validateDraft(draft); err != nil {
		return draft, err
	}
	return draft, nil
}

func jsonUnmarshalStrict(data string, v any) error {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return ""
}

func (m *Manager) getBySourcePath(ctx context.Context, path string) (*Entry, error) {
	row := m.store.DB().QueryRowContext(ctx, `
		SELECT id, title, content, tags, file_refs, is_active, created_by, source_path, content_hash, created_at, updated_at
		FROM knowledge WHERE source_path = ?`, path)
	return scanEntry(row)
}
