package policy

import (
	"fmt"
	"regexp"
)

// Finding is one secret Scrub masked.
type Finding struct {
	Kind    string
	Snippet string
}

var secretPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"PRIVATE_KEY_BLOCK", regexp.MustCompile(`-----BEGIN [^-]{0,100}PRIVATE KEY-----[\s\S]+?-----END [^-]{0,100}PRIVATE KEY-----`)},
	{"STRIPE_KEY", regexp.MustCompile(`\bsk_(?:live|test)_[A-Za-z0-9]{16,}\b`)},
	{"OPENAI_KEY", regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`)},
	{"GITHUB_PAT", regexp.MustCompile(`\bghp_[A-Za-z0-9]{36,}\b`)},
	{"AWS_ACCESS_KEY", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"GOOGLE_API_KEY", regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`)},
	{"SLACK_TOKEN", regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{10,}\b`)},
	{"JWT", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`)},
	{"EMAIL", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"IPV4", regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)},
}

// Scrub masks secrets and personal identifiers in text with
// [REDACTED:<KIND>] and reports what it replaced.
func Scrub(text string) (string, []Finding) {
	if text == "" {
		return text, nil
	}
	var findings []Finding
	for _, p := range secretPatterns {
		text = p.re.ReplaceAllStringFunc(text, func(m string) string {
			snippet := m
			if len(snippet) > 12 {
				snippet = snippet[:12]
			}
			findings = append(findings, Finding{Kind: p.kind, Snippet: snippet})
			return fmt.Sprintf("[REDACTED:%s]", p.kind)
		})
	}
	return text, findings
}

// ScrubString is Scrub without findings.
func ScrubString(text string) string {
	s, _ := Scrub(text)
	return s
}
