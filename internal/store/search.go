package store

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// Hit is a scored match from the lexical index.
type Hit struct {
	ID    string
	Score float64
}

// LexicalSearch ranks entities of kind against query using FTS5 BM25.
// Scores are negated bm25 values, so larger is better. The filter only
// applies to shard searches.
func (db *DB) LexicalSearch(ctx context.Context, kind EntityKind, query string, f ShardFilter, limit int) ([]Hit, error) {
	match := MatchExpr(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	var (
		q    string
		args []any
	)
	if kind == EntityShard {
		where, fargs := f.clause("s.")
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		q = `SELECT s.id, -bm25(shards_fts) FROM shards_fts
			JOIN shards s ON s.rowid = shards_fts.rowid` + where + `shards_fts MATCH ?
			ORDER BY bm25(shards_fts), s.id LIMIT ?`
		args = append(fargs, match, limit)
	} else {
		q = `SELECT id, -bm25(artifacts_fts) FROM artifacts_fts
			WHERE artifacts_fts MATCH ? AND kind = ?
			ORDER BY bm25(artifacts_fts), id LIMIT ?`
		args = []any{match, string(kind), limit}
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical search %s: %w", kind, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// MatchExpr turns free text into an FTS5 OR-query of quoted tokens.
// Returns "" when the text has no searchable tokens.
func MatchExpr(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var terms []string
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " OR ")
}
