package llm

import (
	"fmt"
	"strings"
)

// EssencePrompt asks for a one- or two-sentence essence of a shard.
func EssencePrompt(text string) string {
	return fmt.Sprintf(`You distill fragments of recorded conversation into their essence.

FRAGMENT:
%s

Write the essence of this fragment in at most two sentences (under 280 characters).
Keep the author's own terms. No preamble, no quotes, no lists.
If the fragment has no content worth keeping, return exactly: NONE`, text)
}

// PrinciplePrompt asks for a principle that several clusters of the same
// archetype have in common.
func PrinciplePrompt(archetype string, cells []string) string {
	return fmt.Sprintf(`Several independent clusters of insight share the archetype %q.

CLUSTERS:
- %s

State the principle they have in common as one imperative sentence of at most
20 words. No preamble, no quotes.
If there is no shared principle, return exactly: NONE`, archetype, strings.Join(cells, "\n- "))
}

// Clean trims a completion to a single usable line of at most limit runes.
// It returns "" when the model declined.
func Clean(content string, limit int) string {
	s := strings.TrimSpace(content)
	s = strings.Trim(s, "\"'` ")
	if s == "" || strings.EqualFold(s, "NONE") {
		return ""
	}
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); limit > 0 && len(r) > limit {
		s = strings.TrimSpace(string(r[:limit]))
	}
	return s
}
