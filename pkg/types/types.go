// Package types defines the data model shared by every stage of the
// telemetry pipeline: the event envelope produced by hooks, the trace row
// persisted by the fast path, and the conversation/turn/code-change rows
// and metric samples produced by the slow path.
//
// Nothing in this package talks to a store or a stream. It exists so that
// pkg/tracestore, pkg/derivedstore, pkg/metricsstore, pkg/stream and
// internal/fastpath, internal/slowpath can all agree on shapes without
// importing each other.
package types

import "time"

// Event is the structured record emitted by an IDE hook or assistant
// integration. Producers serialise it into the stream entry's "data"
// field; everything else in the pipeline treats it as opaque except for
// the handful of fields the fast path extracts for indexing.
type Event struct {
	EventID           string                 `json:"event_id"`
	SessionID         string                 `json:"session_id"`
	ExternalSessionID string                 `json:"external_session_id,omitempty"`
	Platform          string                 `json:"platform"`
	EventType         string                 `json:"event_type,omitempty"`
	HookType          string                 `json:"hook_type,omitempty"`
	Timestamp         time.Time              `json:"timestamp"`
	WorkspaceHash     string                 `json:"workspace_hash,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	Payload           map[string]interface{} `json:"payload,omitempty"`

	// Opportunistically indexed fields. Producers may place these at top
	// level or nested in Metadata/Payload; ExtractIndexedFields finds
	// whichever is present without mutating the original event.
	DurationMs   *int64 `json:"duration_ms,omitempty"`
	TokensUsed   *int64 `json:"tokens_used,omitempty"`
	LinesAdded   *int64 `json:"lines_added,omitempty"`
	LinesRemoved *int64 `json:"lines_removed,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	Model        string `json:"model,omitempty"`
}

// Type returns the event's classification, preferring EventType and
// falling back to HookType — producers are required to set one or the
// other (spec §6).
func (e *Event) Type() string {
	if e.EventType != "" {
		return e.EventType
	}
	return e.HookType
}

// ResolvedExternalSessionID returns ExternalSessionID, defaulting to
// SessionID per the input envelope contract.
func (e *Event) ResolvedExternalSessionID() string {
	if e.ExternalSessionID != "" {
		return e.ExternalSessionID
	}
	return e.SessionID
}

// IndexedFields are the columns the trace store indexes or exposes for
// cheap aggregation without decompressing event_data.
type IndexedFields struct {
	WorkspaceHash string
	Model         string
	ToolName      string
	DurationMs    *int64
	TokensUsed    *int64
	LinesAdded    *int64
	LinesRemoved  *int64
}

// ExtractIndexedFields opportunistically pulls numeric/string fields of
// interest from top level, then Metadata, then Payload — first match
// wins. The original event is never mutated.
func (e *Event) ExtractIndexedFields() IndexedFields {
	return IndexedFields{
		WorkspaceHash: e.WorkspaceHash,
		Model:         firstString(e.Model, e.stringFrom("model")),
		ToolName:      firstString(e.ToolName, e.stringFrom("tool_name")),
		DurationMs:    firstInt(e.DurationMs, e.intFrom("duration_ms")),
		TokensUsed:    firstInt(e.TokensUsed, e.intFrom("tokens_used")),
		LinesAdded:    firstInt(e.LinesAdded, e.intFrom("lines_added")),
		LinesRemoved:  firstInt(e.LinesRemoved, e.intFrom("lines_removed")),
	}
}

func (e *Event) stringFrom(key string) string {
	if v, ok := lookup(e.Metadata, key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	if v, ok := lookup(e.Payload, key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (e *Event) intFrom(key string) *int64 {
	if v, ok := lookup(e.Metadata, key); ok {
		if n, ok := toInt64(v); ok {
			return &n
		}
	}
	if v, ok := lookup(e.Payload, key); ok {
		if n, ok := toInt64(v); ok {
			return &n
		}
	}
	return nil
}

func lookup(m map[string]interface{}, key string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(vals ...*int64) *int64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// TraceRow is an immutable row in the trace store (C1). Sequence is
// assigned by the store itself, strictly increasing per store.
type TraceRow struct {
	Sequence      int64
	IngestedAt    time.Time
	EventID       string
	SessionID     string
	EventType     string
	Platform      string
	Timestamp     time.Time
	WorkspaceHash string
	Model         string
	ToolName      string
	DurationMs    *int64
	TokensUsed    *int64
	LinesAdded    *int64
	LinesRemoved  *int64
	EventData     []byte // deflate-compressed, serialized Event
}

// SessionAggregate answers pkg/tracestore's aggregate_session query
// entirely from indexed columns.
type SessionAggregate struct {
	Count              int64
	SumTokens          int64
	AvgDurationMs      float64
	SumLinesAdded      int64
	SumLinesRemoved    int64
	DistinctEventTypes []string
}

// TurnType enumerates the three kinds of conversational turn (spec §3).
type TurnType string

const (
	TurnUserPrompt        TurnType = "user_prompt"
	TurnAssistantResponse TurnType = "assistant_response"
	TurnToolUse           TurnType = "tool_use"
)

// ChangeOperation enumerates code-change operations (spec §3).
type ChangeOperation string

const (
	OpCreate ChangeOperation = "create"
	OpEdit   ChangeOperation = "edit"
	OpDelete ChangeOperation = "delete"
	OpRead   ChangeOperation = "read"
)

// AcceptedState is a tri-state accepted flag: true, false, or unknown.
type AcceptedState int

const (
	AcceptedUnknown AcceptedState = iota
	AcceptedTrue
	AcceptedFalse
)

// Conversation is the mutable per-(external_session_id, platform) root
// of the derived state graph (C2).
type Conversation struct {
	ConversationID    string
	SessionID         string
	ExternalSessionID string
	Platform          string
	WorkspaceHash     string
	StartedAt         time.Time
	EndedAt           *time.Time
	InteractionCount  int64
	AcceptanceRate    *float64
	TotalTokens       int64
	TotalChanges      int64
}

// Turn is a child row of a conversation, dense-numbered from 1.
type Turn struct {
	TurnID         string
	ConversationID string
	TurnNumber     int64
	TurnType       TurnType
	ContentHash    string
	TokensUsed     *int64
	LatencyMs      *int64
	ToolsCalled    []string
	CreatedAt      time.Time
	EventID        string // source event_id, used for idempotent upsert
}

// CodeChange is a child row of a conversation, optionally of a turn.
type CodeChange struct {
	ChangeID          string
	ConversationID    string
	TurnID            string // empty if not attached to a turn
	FileExtension     string
	Operation         ChangeOperation
	LinesAdded        int64
	LinesRemoved      int64
	Accepted          AcceptedState
	AcceptanceDelayMs *int64
	CreatedAt         time.Time
	EventID           string
}

// ConversationFlow is the full reconstructed view of a conversation
// returned by get_conversation_flow.
type ConversationFlow struct {
	Conversation Conversation
	Turns        []Turn
	CodeChanges  []CodeChange
}

// MetricShape distinguishes the two C3 sample shapes.
type MetricShape int

const (
	MetricSeries MetricShape = iota
	MetricCounter
	MetricGauge
)

// MetricSample is one (t, v) pair in a windowed series.
type MetricSample struct {
	Timestamp time.Time
	Value     float64
}

// Priority is the 1..5 urgency assigned by the fast path and consumed by
// slow-path routing (1 = most urgent, spec §4.5).
type Priority int

const (
	PriorityUserAction  Priority = 1
	PriorityToolResult  Priority = 2
	PriorityPerformance Priority = 3
	PrioritySession     Priority = 4
	PriorityOther       Priority = 5
)

// CDCRecord is the lightweight envelope published to C5 once an event is
// durably persisted in C1. It never carries the event payload.
type CDCRecord struct {
	Sequence  int64
	EventID   string
	SessionID string
	EventType string
	Platform  string
	Priority  Priority
	Timestamp time.Time
}

// BackpressureLevel is C8's four-band signal.
type BackpressureLevel int

const (
	LevelGreen BackpressureLevel = iota
	LevelYellow
	LevelOrange
	LevelRed
)

func (l BackpressureLevel) String() string {
	switch l {
	case LevelGreen:
		return "green"
	case LevelYellow:
		return "yellow"
	case LevelOrange:
		return "orange"
	case LevelRed:
		return "red"
	default:
		return "unknown"
	}
}

// ClassifyQueueLength maps a CDC stream length to its backpressure band
// per spec §4.8.
func ClassifyQueueLength(n int64) BackpressureLevel {
	switch {
	case n >= 100000:
		return LevelRed
	case n >= 50000:
		return LevelOrange
	case n >= 10000:
		return LevelYellow
	default:
		return LevelGreen
	}
}
