package engine

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/lazypower/mnemos/internal/store"
)

// Input size limits.
const (
	maxBatch      = 1000
	maxIDChars    = 128
	maxShardChars = 256 * 1024
	maxQueryChars = 4096
	maxItemChars  = 1200
)

// validIDChar returns true if the character is allowed in a caller-supplied id.
// Allowed: ASCII alphanumeric, '-', '_', '.', ':'.
func validIDChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '-' || r == '_' || r == '.' || r == ':'
}

func validID(id string) bool {
	if id == "" || len(id) > maxIDChars {
		return false
	}
	for _, r := range id {
		if !validIDChar(r) {
			return false
		}
	}
	return true
}

// validateShards checks a batch before anything is written. Shards without
// a source inherit source. Missing ids must already have been assigned.
func validateShards(source string, shards []*store.Shard) error {
	if len(shards) == 0 {
		return invalid("shards", "empty batch")
	}
	if len(shards) > maxBatch {
		return invalid("shards", "batch of %d exceeds %d", len(shards), maxBatch)
	}

	seen := make(map[string]bool, len(shards))
	for i, s := range shards {
		if s == nil {
			return invalid(field(i, ""), "null shard")
		}
		if !validID(s.ID) {
			return invalid(field(i, "id"), "invalid id %q", s.ID)
		}
		if seen[s.ID] {
			return invalid(field(i, "id"), "duplicate id %q in batch", s.ID)
		}
		seen[s.ID] = true

		if s.Source == "" {
			s.Source = source
		}
		if strings.TrimSpace(s.Source) == "" {
			return invalid(field(i, "source"), "required")
		}
		if !store.ValidKinds[s.Kind] {
			return invalid(field(i, "kind"), "unknown kind %q", s.Kind)
		}
		// Events may be bare markers; everything else needs text.
		if strings.TrimSpace(s.Text) == "" && s.Kind != store.KindEvent {
			return invalid(field(i, "text"), "required for kind %s", s.Kind)
		}
		if len(s.Text) > maxShardChars {
			return invalid(field(i, "text"), "%d bytes exceeds %d", len(s.Text), maxShardChars)
		}
		for _, v := range s.Embedding {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return invalid(field(i, "embedding"), "non-finite value")
			}
		}
		for _, p := range append(append([]string(nil), s.ParentIDs...), s.ChildIDs...) {
			if p == s.ID {
				return invalid(field(i, "parent_ids"), "shard links to itself")
			}
			if !validID(p) {
				return invalid(field(i, "parent_ids"), "invalid id %q", p)
			}
		}
	}
	return nil
}

func field(i int, name string) string {
	if name == "" {
		return fmt.Sprintf("shards[%d]", i)
	}
	return fmt.Sprintf("shards[%d].%s", i, name)
}

// validateRecall normalizes k and checks the query.
func validateRecall(req *RecallRequest, defaultK, maxK int) error {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return invalid("text", "required")
	}
	if len(req.Text) > maxQueryChars {
		return invalid("text", "%d bytes exceeds %d", len(req.Text), maxQueryChars)
	}
	if req.K < 0 || req.K > maxK {
		return invalid("k", "must be between 1 and %d", maxK)
	}
	if req.K == 0 {
		req.K = defaultK
	}
	for _, k := range req.Filters.Kinds {
		if !store.ValidKinds[k] {
			return invalid("filters.kinds", "unknown kind %q", k)
		}
	}
	f := req.Filters
	if f.Since != nil && f.Until != nil && f.Since.After(*f.Until) {
		return invalid("filters.since", "after until")
	}
	return nil
}

// truncateClean truncates a string to maxLen, cutting at the last word boundary
// to avoid mid-word breaks.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	// Back up to last space
	truncated := s[:maxLen]
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > maxLen-200 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}
