// Package priority normalises event types across producer platforms
// into a small set of classes, and assigns the urgency (1..5, 1 most
// urgent) C6 stamps onto every CDC record and C7 routes on.
package priority

import "github.com/ssw-telemetry/telemetry-core/pkg/types"

// Class is the normalised event class used both for priority assignment
// and for C7 dispatch-by-event-type.
type Class string

const (
	ClassUserPrompt        Class = "user_prompt"
	ClassAssistantResponse Class = "assistant_response"
	ClassToolUse           Class = "tool_use"
	ClassCodeChange        Class = "code_change"
	ClassSessionStart      Class = "session_start"
	ClassSessionEnd        Class = "session_end"
	ClassPerformance       Class = "performance"
	ClassOther             Class = "other"
)

// normalization is the mapping table spec §4.7 calls for: producers
// across platforms spell the same conceptual event differently, and
// this collapses them into one class before priority or dispatch logic
// ever sees them.
var normalization = map[string]Class{
	"UserPromptSubmit":   ClassUserPrompt,
	"BeforeSubmitPrompt": ClassUserPrompt,
	"user_prompt":        ClassUserPrompt,
	"PromptSubmit":       ClassUserPrompt,

	"AssistantResponse":  ClassAssistantResponse,
	"Stop":               ClassAssistantResponse,
	"assistant_response": ClassAssistantResponse,
	"ResponseComplete":   ClassAssistantResponse,

	"PreToolUse":  ClassToolUse,
	"PostToolUse": ClassToolUse,
	"tool_use":    ClassToolUse,
	"ToolResult":  ClassToolUse,

	"CodeChange":    ClassCodeChange,
	"EditAccepted":  ClassCodeChange,
	"EditRejected":  ClassCodeChange,
	"code_change":   ClassCodeChange,
	"AcceptedEdit":  ClassCodeChange,
	"AfterFileEdit": ClassCodeChange,
	"RejectedEdit":  ClassCodeChange,

	"SessionStart":  ClassSessionStart,
	"session_start": ClassSessionStart,

	"SessionEnd":  ClassSessionEnd,
	"session_end": ClassSessionEnd,

	"PerformanceReport": ClassPerformance,
	"LatencyReport":     ClassPerformance,
	"performance":       ClassPerformance,
}

// Normalize maps a raw, platform-specific event type string onto its
// normalised class. Unknown event types fall back to ClassOther.
func Normalize(rawEventType string) Class {
	if c, ok := normalization[rawEventType]; ok {
		return c
	}
	return ClassOther
}

// classPriority is the priority table from spec §4.5.
var classPriority = map[Class]types.Priority{
	ClassUserPrompt:        types.PriorityUserAction,
	ClassCodeChange:        types.PriorityUserAction,
	ClassToolUse:           types.PriorityToolResult,
	ClassAssistantResponse: types.PriorityToolResult,
	ClassPerformance:       types.PriorityPerformance,
	ClassSessionStart:      types.PrioritySession,
	ClassSessionEnd:        types.PrioritySession,
	ClassOther:             types.PriorityOther,
}

// Assign computes the 1..5 urgency for a raw event type, per the table
// in spec §4.5: user-facing actions are most urgent, session lifecycle
// events are routine, and anything unrecognised is lowest priority.
func Assign(rawEventType string) types.Priority {
	class := Normalize(rawEventType)
	if p, ok := classPriority[class]; ok {
		return p
	}
	return types.PriorityOther
}

// WorkerClass is one of C7's three worker pools.
type WorkerClass string

const (
	WorkerMetrics      WorkerClass = "metrics"
	WorkerConversation WorkerClass = "conversation"
	WorkerInsights     WorkerClass = "insights"
)

// maxPriority is the least-urgent priority each worker class will still
// process (spec §4.7); insights processes everything.
var maxPriority = map[WorkerClass]types.Priority{
	WorkerMetrics:      types.PriorityPerformance,
	WorkerConversation: types.PrioritySession,
	WorkerInsights:     types.PriorityOther,
}

// ShouldProcess reports whether a worker of the given class should act
// on a CDC record of the given priority, or immediately acknowledge it
// without doing work.
func ShouldProcess(class WorkerClass, p types.Priority) bool {
	max, ok := maxPriority[class]
	if !ok {
		return false
	}
	return p <= max
}
