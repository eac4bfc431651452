package transcript

import (
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/lazypower/mnemos/internal/store"
)

const defaultAssistantMax = 4000

// Options controls how entries become shards.
type Options struct {
	// Source is written on every shard.
	Source string
	// ConversationID overrides the session id carried by the entries.
	ConversationID string
	// AssistantMax caps assistant message text, in runes. User messages
	// are kept whole.
	AssistantMax int
}

// Shards converts parsed entries into message shards in file order. Each
// shard links to its nearest kept ancestor; entries without an id get a
// ULID and link to the message before them.
func Shards(entries []ParsedEntry, opts Options) []*store.Shard {
	if opts.AssistantMax <= 0 {
		opts.AssistantMax = defaultAssistantMax
	}

	byID := make(map[string]ParsedEntry, len(entries))
	for _, e := range entries {
		if e.ID != "" {
			byID[e.ID] = e
		}
	}
	kept := func(id string) string {
		for range len(entries) {
			e, ok := byID[id]
			if !ok {
				return ""
			}
			if !e.Skipped {
				return id
			}
			id = e.ParentID
		}
		return ""
	}

	var out []*store.Shard
	prev := ""
	for _, e := range entries {
		if e.Skipped {
			continue
		}
		s := &store.Shard{
			ID:             e.ID,
			Source:         opts.Source,
			Kind:           store.KindMessage,
			ConversationID: opts.ConversationID,
			Actor:          e.Role,
			Timestamp:      e.Timestamp,
			Text:           e.Text,
			Metadata:       map[string]any{"entry_type": e.Type},
			Provenance:     map[string]any{"importer": "transcript"},
		}
		if s.ConversationID == "" {
			s.ConversationID = e.SessionID
		}
		if s.Actor == "" {
			s.Actor = e.Type
		}
		if e.Type == "assistant" {
			s.Text = truncate(s.Text, opts.AssistantMax)
		}

		var parent string
		if s.ID == "" {
			s.ID = ulid.Make().String()
			parent = prev
		} else if e.ParentID != "" {
			parent = kept(e.ParentID)
		}
		if parent != "" {
			s.ParentIDs = []string{parent}
		}

		out = append(out, s)
		prev = s.ID
	}
	return out
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:max])) + "..."
}
