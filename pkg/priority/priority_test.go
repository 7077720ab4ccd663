package priority

import (
	"testing"

	"github.com/ssw-telemetry/telemetry-core/pkg/types"
)

func TestNormalizeCollapsesCrossPlatformAliases(t *testing.T) {
	aliases := []string{"UserPromptSubmit", "BeforeSubmitPrompt", "user_prompt"}
	for _, a := range aliases {
		if Normalize(a) != ClassUserPrompt {
			t.Fatalf("expected %q to normalize to user_prompt, got %v", a, Normalize(a))
		}
	}
}

func TestNormalizeUnknownFallsBackToOther(t *testing.T) {
	if Normalize("SomeVendorSpecificThing") != ClassOther {
		t.Fatalf("expected unknown event type to fall back to other")
	}
}

func TestNormalizeAcceptRejectEditAliases(t *testing.T) {
	aliases := []string{"AfterFileEdit", "RejectedEdit", "EditAccepted", "EditRejected", "AcceptedEdit"}
	for _, a := range aliases {
		if Normalize(a) != ClassCodeChange {
			t.Fatalf("expected %q to normalize to code_change, got %v", a, Normalize(a))
		}
	}
}

func TestAssignMatchesPriorityTable(t *testing.T) {
	cases := []struct {
		eventType string
		want      types.Priority
	}{
		{"UserPromptSubmit", types.PriorityUserAction},
		{"EditAccepted", types.PriorityUserAction},
		{"PostToolUse", types.PriorityToolResult},
		{"Stop", types.PriorityToolResult},
		{"PerformanceReport", types.PriorityPerformance},
		{"SessionStart", types.PrioritySession},
		{"SessionEnd", types.PrioritySession},
		{"unknown_debug_event", types.PriorityOther},
	}
	for _, c := range cases {
		if got := Assign(c.eventType); got != c.want {
			t.Fatalf("Assign(%q) = %v, want %v", c.eventType, got, c.want)
		}
	}
}

func TestShouldProcessRoutingRules(t *testing.T) {
	if !ShouldProcess(WorkerMetrics, types.PriorityPerformance) {
		t.Fatal("metrics workers should process priority 3")
	}
	if ShouldProcess(WorkerMetrics, types.PrioritySession) {
		t.Fatal("metrics workers should not process priority 4")
	}
	if !ShouldProcess(WorkerConversation, types.PrioritySession) {
		t.Fatal("conversation workers should process priority 4")
	}
	if ShouldProcess(WorkerConversation, types.PriorityOther) {
		t.Fatal("conversation workers should not process priority 5")
	}
	if !ShouldProcess(WorkerInsights, types.PriorityOther) {
		t.Fatal("insights workers should process all priorities")
	}
}
