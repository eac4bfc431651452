package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "shards: immutable interaction fragments with lexical index",
		SQL: `
CREATE TABLE shards (
    id              TEXT PRIMARY KEY,
    source          TEXT NOT NULL,
    kind            TEXT NOT NULL CHECK (kind IN ('message', 'file', 'code', 'note', 'event')),
    conversation_id TEXT,
    actor           TEXT,
    ts              INTEGER,
    text            TEXT NOT NULL,
    metadata        TEXT NOT NULL DEFAULT '{}',
    provenance      TEXT NOT NULL DEFAULT '{}',
    content_hash    TEXT NOT NULL,

    -- Resonance annotations (mutable)
    affect          REAL NOT NULL DEFAULT 0,
    arousal         REAL NOT NULL DEFAULT 0,
    momentum        REAL NOT NULL DEFAULT 0,
    seed_score      REAL NOT NULL DEFAULT 0,
    closure         INTEGER NOT NULL DEFAULT 0,

    created_at      INTEGER NOT NULL
);

CREATE INDEX idx_shards_kind   ON shards(kind);
CREATE INDEX idx_shards_source ON shards(source);
CREATE INDEX idx_shards_ts     ON shards(ts);

CREATE VIRTUAL TABLE shards_fts USING fts5(
    text,
    content=shards,
    content_rowid=rowid
);

CREATE TRIGGER shards_ai AFTER INSERT ON shards BEGIN
    INSERT INTO shards_fts(rowid, text) VALUES (new.rowid, new.text);
END;

CREATE TRIGGER shards_ad AFTER DELETE ON shards BEGIN
    INSERT INTO shards_fts(shards_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
END;
`,
	},
	{
		Version:     2,
		Description: "derived artifacts: codestones, codecells, lineages",
		SQL: `
CREATE TABLE codestones (
    id                TEXT PRIMARY KEY,
    essence_text      TEXT NOT NULL,
    confidence        REAL NOT NULL DEFAULT 0,
    archetype         TEXT NOT NULL DEFAULT '{}',
    activation_count  INTEGER NOT NULL DEFAULT 0,
    last_activated_at INTEGER,
    derivation_key    TEXT NOT NULL UNIQUE,
    content_hash      TEXT NOT NULL,
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);

CREATE TABLE codecells (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    archetype      TEXT NOT NULL DEFAULT '',
    coherence      REAL NOT NULL DEFAULT 0,
    derivation_key TEXT NOT NULL UNIQUE,
    content_hash   TEXT NOT NULL,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE TABLE lineages (
    id             TEXT PRIMARY KEY,
    principle_text TEXT NOT NULL,
    archetype      TEXT NOT NULL DEFAULT '',
    strength       REAL NOT NULL DEFAULT 0,
    derivation_key TEXT NOT NULL UNIQUE,
    content_hash   TEXT NOT NULL,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE VIRTUAL TABLE artifacts_fts USING fts5(
    id UNINDEXED,
    kind UNINDEXED,
    text
);
`,
	},
	{
		Version:     3,
		Description: "edges: typed promotion and link graph",
		SQL: `
CREATE TABLE edges (
    src_id     TEXT NOT NULL,
    dst_id     TEXT NOT NULL,
    kind       TEXT NOT NULL CHECK (kind IN ('link', 'derivation', 'membership', 'elevation')),
    created_at INTEGER NOT NULL,
    PRIMARY KEY (src_id, dst_id, kind)
);

CREATE INDEX idx_edges_dst ON edges(dst_id, kind);
`,
	},
	{
		Version:     4,
		Description: "vectors: embeddings for shards and artifacts",
		SQL: `
CREATE TABLE vectors (
    entity_id   TEXT PRIMARY KEY,
    entity_kind TEXT NOT NULL,
    embedding   BLOB NOT NULL,
    model       TEXT NOT NULL,
    dimensions  INTEGER NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE INDEX idx_vectors_kind ON vectors(entity_kind);
`,
	},
	{
		Version:     5,
		Description: "reflection ledger and dead letters",
		SQL: `
CREATE TABLE pass_runs (
    entity_id    TEXT NOT NULL,
    pass         TEXT NOT NULL,
    version      INTEGER NOT NULL,
    content_hash TEXT NOT NULL,
    completed_at INTEGER NOT NULL,
    PRIMARY KEY (entity_id, pass, version)
);

CREATE TABLE dead_letters (
    entity_id  TEXT NOT NULL,
    pass       TEXT NOT NULL,
    version    INTEGER NOT NULL,
    attempts   INTEGER NOT NULL,
    last_error TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (entity_id, pass, version)
);
`,
	},
	{
		Version:     6,
		Description: "activation traces, profiles, recall sessions",
		SQL: `
CREATE TABLE activation_traces (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    event_id   TEXT NOT NULL,
    surfaced   TEXT NOT NULL DEFAULT '[]',
    chosen     TEXT NOT NULL DEFAULT '[]',
    dwell_ms   INTEGER NOT NULL DEFAULT 0,
    feedback   TEXT,
    outcome    TEXT CHECK (outcome IS NULL OR outcome IN ('success', 'partial', 'failure')),
    context    TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);

CREATE INDEX idx_traces_user  ON activation_traces(user_id, created_at DESC);
CREATE INDEX idx_traces_event ON activation_traces(event_id);

CREATE TABLE profiles (
    user_id    TEXT PRIMARY KEY,
    version    INTEGER NOT NULL,
    data       TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE sessions (
    session_id    TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    started_at    INTEGER NOT NULL,
    last_event_at INTEGER NOT NULL,
    turn_count    INTEGER NOT NULL DEFAULT 0,
    cadence_ms    INTEGER
);
`,
	},
	{
		Version:     7,
		Description: "pass_runs: record the configuration variant a pass ran under",
		SQL: `
ALTER TABLE pass_runs ADD COLUMN variant TEXT NOT NULL DEFAULT '';
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
