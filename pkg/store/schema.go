package store

import (
	"database/sql"
	"fmt"
	"strconv"
)

// schemaVersion is bumped whenever a migration is appended. Migrations are
// applied in order on open; a store at version N skips the first N entries.
const schemaVersion = 1

var migrations = []string{
	// v1: base schema
	`
	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS short_term (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_call TEXT,
		token_count INTEGER NOT NULL DEFAULT 0,
		model TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_short_session ON short_term(session_id);
	CREATE INDEX IF NOT EXISTS idx_short_expires ON short_term(expires_at);

	CREATE TABLE IF NOT EXISTS working_memory (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		pinned INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_working_job ON working_memory(job_id);

	CREATE TABLE IF NOT EXISTS long_term (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		content TEXT NOT NULL,
		confidence REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		access_count INTEGER NOT NULL DEFAULT 0,
		source_kind TEXT,
		source_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (source_kind, source_id)
	);

	CREATE TABLE IF NOT EXISTS knowledge (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		file_refs TEXT NOT NULL DEFAULT '[]',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL DEFAULT '',
		source_path TEXT,
		content_hash TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_active ON knowledge(is_active);
	CREATE INDEX IF NOT EXISTS idx_knowledge_source ON knowledge(source_path);

	CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(
		entry_id UNINDEXED,
		title,
		content,
		tags,
		tokenize='porter unicode61'
	);

	CREATE TABLE IF NOT EXISTS memory_links (
		id TEXT PRIMARY KEY,
		src_kind TEXT NOT NULL,
		src_id TEXT NOT NULL,
		dst_kind TEXT NOT NULL,
		dst_id TEXT NOT NULL,
		rel TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (src_kind, src_id, dst_kind, dst_id, rel)
	);
	CREATE INDEX IF NOT EXISTS idx_links_src ON memory_links(src_kind, src_id);
	CREATE INDEX IF NOT EXISTS idx_links_dst ON memory_links(dst_kind, dst_id);
	`,
}

// migrate applies pending schema migrations inside a single transaction, so
// a crash mid-upgrade leaves the previous version intact.
func (s *Store) migrate() error {
	current, err := s.currentVersion()
	if err != nil {
		return err
	}

	if current > schemaVersion {
		return fmt.Errorf("%w: store version %d is newer than supported %d", ErrOpen, current, schemaVersion)
	}
	if current == schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	for v := current; v < schemaVersion; v++ {
		if _, err := tx.Exec(migrations[v]); err != nil {
			return classify(fmt.Errorf("migration to v%d failed: %w", v+1, err))
		}
	}

	if _, err := tx.Exec(
		"INSERT INTO metadata (key, value) VALUES ('schema_version', ?) "+
			"ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		strconv.Itoa(schemaVersion),
	); err != nil {
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(err)
	}

	s.logger.Info().Int("from", current).Int("to", schemaVersion).Msg("Schema migrated")
	return nil
}

func (s *Store) currentVersion() (int, error) {
	// metadata may not exist yet on a fresh store
	var name string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'metadata'",
	).Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, classify(err)
	}

	var raw string
	err = s.db.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, classify(err)
	}

	version, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid schema_version %q", ErrCorrupt, raw)
	}

	return version, nil
}
