package transcript

import (
	"strings"
	"testing"
)

func TestParseLines(t *testing.T) {
	lines := `{"type":"user","message":{"role":"user","content":"Hello, help me with Go code"}}
{"type":"assistant","message":{"role":"assistant","content":"Sure, I can help with Go."}}
{"type":"user","message":{"role":"user","content":"Write a function to sort a slice"}}
{"type":"assistant","message":{"role":"assistant","content":"Here is a sort function for you."}}`

	entries, err := ParseLines(lines)
	if err != nil {
		t.Fatalf("ParseLines: %v", err)
	}

	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}

	if entries[0].Type != "user" {
		t.Errorf("entry[0].Type = %q, want user", entries[0].Type)
	}
	if entries[0].Text != "Hello, help me with Go code" {
		t.Errorf("entry[0].Text = %q", entries[0].Text)
	}
	if entries[1].Type != "assistant" {
		t.Errorf("entry[1].Type = %q, want assistant", entries[1].Type)
	}
}

func TestParseLinesContentArray(t *testing.T) {
	lines := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Here is the code:"},{"type":"tool_use","id":"tu_1","name":"Write"}]}}`

	entries, err := ParseLines(lines)
	if err != nil {
		t.Fatalf("ParseLines: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Text != "Here is the code:" {
		t.Errorf("text = %q, want 'Here is the code:'", entries[0].Text)
	}
}

func TestParseLinesSkipsShort(t *testing.T) {
	lines := `{"type":"user","message":{"role":"user","content":"ok"}}
{"type":"user","message":{"role":"user","content":"yes"}}
{"type":"user","message":{"role":"user","content":"This is a real message"}}`

	entries, err := ParseLines(lines)
	if err != nil {
		t.Fatalf("ParseLines: %v", err)
	}

	// "ok" and "yes" are < 5 chars, should be skipped
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry (skipping short), got %d", len(entries))
	}
}

func TestParseLinesSkipsJSON(t *testing.T) {
	lines := `{"type":"user","message":{"role":"user","content":"{\"json\":\"data\"}"}}
{"type":"user","message":{"role":"user","content":"Real user message here"}}`

	entries, err := ParseLines(lines)
	if err != nil {
		t.Fatalf("ParseLines: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("expected 1 entry (skipping JSON-like), got %d", len(entries))
	}
}

func TestParseLinesStripsSystemReminder(t *testing.T) {
	lines := `{"type":"user","message":{"role":"user","content":"Do something <system-reminder>ignore this</system-reminder> please help"}}`

	entries, err := ParseLines(lines)
	if err != nil {
		t.Fatalf("ParseLines: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if strings.Contains(entries[0].Text, "system-reminder") {
		t.Errorf("system-reminder not stripped: %q", entries[0].Text)
	}
	if entries[0].Text != "Do something  please help" {
		t.Errorf("text = %q, want 'Do something  please help'", entries[0].Text)
	}
}

func TestParseLinesMalformed(t *testing.T) {
	lines := `not json at all
{"type":"user","message":{"role":"user","content":"Valid message here"}}
{broken json`

	entries, err := ParseLines(lines)
	if err != nil {
		t.Fatalf("ParseLines: %v", err)
	}

	// Should skip malformed, keep valid
	if len(entries) != 1 {
		t.Fatalf("expected 1 valid entry, got %d", len(entries))
	}
}

func TestCountUserMessages(t *testing.T) {
	entries := []ParsedEntry{
		{Type: "user", Text: "hello"},
		{Type: "assistant", Text: "hi"},
		{Type: "user", Text: "world"},
	}

	if count := CountUserMessages(entries); count != 2 {
		t.Errorf("CountUserMessages = %d, want 2", count)
	}
}

func TestParseSkippedEntriesKeepIDs(t *testing.T) {
	lines := `{"type":"user","uuid":"u1","message":{"role":"user","content":"ok"}}
{"type":"assistant","uuid":"a1","parentUuid":"u1","timestamp":"2026-03-02T12:00:00Z","message":{"role":"assistant","content":"A longer answer."}}`

	entries, err := ParseLines(lines)
	if err != nil {
		t.Fatalf("ParseLines: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].Skipped || entries[1].Skipped {
		t.Errorf("skipped = %v, %v", entries[0].Skipped, entries[1].Skipped)
	}
	if entries[1].Timestamp == nil || entries[1].Timestamp.Hour() != 12 {
		t.Errorf("timestamp = %v", entries[1].Timestamp)
	}
	if CountUserMessages(entries) != 0 {
		t.Errorf("skipped user message counted")
	}
}

func TestShardsLinksToKeptAncestor(t *testing.T) {
	lines := `{"type":"user","uuid":"u1","sessionId":"sess","message":{"role":"user","content":"Help me write Go code"}}
{"type":"assistant","uuid":"a1","parentUuid":"u1","sessionId":"sess","message":{"role":"assistant","content":"{\"tool\":1}"}}
{"type":"assistant","uuid":"a2","parentUuid":"a1","sessionId":"sess","message":{"role":"assistant","content":"Here is the code."}}
{"type":"user","uuid":"u2","parentUuid":"missing","sessionId":"sess","message":{"role":"user","content":"Thanks that works"}}`

	entries, err := ParseLines(lines)
	if err != nil {
		t.Fatalf("ParseLines: %v", err)
	}
	shards := Shards(entries, Options{Source: "cli"})
	if len(shards) != 3 {
		t.Fatalf("expected 3 shards, got %d", len(shards))
	}

	a2 := shards[1]
	if a2.ID != "a2" || len(a2.ParentIDs) != 1 || a2.ParentIDs[0] != "u1" {
		t.Errorf("a2 = %s parents %v, want parent u1", a2.ID, a2.ParentIDs)
	}
	if len(shards[2].ParentIDs) != 0 {
		t.Errorf("unknown parent kept: %v", shards[2].ParentIDs)
	}
	for _, s := range shards {
		if s.Source != "cli" || s.ConversationID != "sess" || s.Kind != "message" {
			t.Errorf("shard %s = %+v", s.ID, s)
		}
	}
	if shards[0].Actor != "user" || shards[1].Actor != "assistant" {
		t.Errorf("actors = %q, %q", shards[0].Actor, shards[1].Actor)
	}
}

func TestShardsWithoutIDsChainInOrder(t *testing.T) {
	entries := []ParsedEntry{
		{Type: "user", Role: "user", Text: "first message"},
		{Type: "assistant", Role: "assistant", Text: strings.Repeat("x", 50)},
	}
	shards := Shards(entries, Options{Source: "cli", ConversationID: "c1", AssistantMax: 10})
	if len(shards) != 2 {
		t.Fatalf("expected 2 shards, got %d", len(shards))
	}
	if shards[0].ID == "" || shards[1].ID == "" {
		t.Fatal("ids not assigned")
	}
	if len(shards[1].ParentIDs) != 1 || shards[1].ParentIDs[0] != shards[0].ID {
		t.Errorf("parents = %v, want [%s]", shards[1].ParentIDs, shards[0].ID)
	}
	if shards[1].Text != strings.Repeat("x", 10)+"..." {
		t.Errorf("assistant text not truncated: %q", shards[1].Text)
	}
	if shards[0].ConversationID != "c1" {
		t.Errorf("conversation = %q", shards[0].ConversationID)
	}
}
