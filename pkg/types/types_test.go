package types

import "testing"

func TestEventTypeFallsBackToHookType(t *testing.T) {
	e := &Event{HookType: "UserPromptSubmit"}
	if e.Type() != "UserPromptSubmit" {
		t.Fatalf("expected HookType fallback, got %q", e.Type())
	}
	e.EventType = "user_prompt"
	if e.Type() != "user_prompt" {
		t.Fatalf("expected EventType to take precedence, got %q", e.Type())
	}
}

func TestResolvedExternalSessionIDDefaultsToSessionID(t *testing.T) {
	e := &Event{SessionID: "s1"}
	if e.ResolvedExternalSessionID() != "s1" {
		t.Fatalf("expected default to session_id, got %q", e.ResolvedExternalSessionID())
	}
	e.ExternalSessionID = "ext-1"
	if e.ResolvedExternalSessionID() != "ext-1" {
		t.Fatalf("expected external_session_id, got %q", e.ResolvedExternalSessionID())
	}
}

func TestExtractIndexedFieldsPrefersTopLevel(t *testing.T) {
	dur := int64(42)
	e := &Event{
		DurationMs: &dur,
		Metadata:   map[string]interface{}{"duration_ms": float64(99), "tool_name": "Edit"},
	}
	f := e.ExtractIndexedFields()
	if f.DurationMs == nil || *f.DurationMs != 42 {
		t.Fatalf("expected top-level duration_ms to win, got %v", f.DurationMs)
	}
	if f.ToolName != "Edit" {
		t.Fatalf("expected tool_name from metadata, got %q", f.ToolName)
	}
}

func TestExtractIndexedFieldsFallsBackToPayload(t *testing.T) {
	e := &Event{Payload: map[string]interface{}{"lines_added": 10, "model": "claude"}}
	f := e.ExtractIndexedFields()
	if f.LinesAdded == nil || *f.LinesAdded != 10 {
		t.Fatalf("expected lines_added from payload, got %v", f.LinesAdded)
	}
	if f.Model != "claude" {
		t.Fatalf("expected model from payload, got %q", f.Model)
	}
}

func TestClassifyQueueLength(t *testing.T) {
	cases := []struct {
		n    int64
		want BackpressureLevel
	}{
		{0, LevelGreen},
		{9999, LevelGreen},
		{10000, LevelYellow},
		{49999, LevelYellow},
		{50000, LevelOrange},
		{99999, LevelOrange},
		{100000, LevelRed},
		{500000, LevelRed},
	}
	for _, c := range cases {
		if got := ClassifyQueueLength(c.n); got != c.want {
			t.Errorf("ClassifyQueueLength(%d) = %s, want %s", c.n, got, c.want)
		}
	}
}
