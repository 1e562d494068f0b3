package coordinator

import (
	"sort"
	"sync"
	"time"
)

// Phase is the position of a conversation in the cycle.
type Phase string

const (
	PhaseCollecting Phase = "collecting"
	PhaseAnalyzing  Phase = "analyzing"
	PhaseDeciding   Phase = "deciding"
	PhaseExecuting  Phase = "executing"
	PhaseCompleted  Phase = "completed"
	PhaseStalled    Phase = "stalled"
)

// Terminal phases accept no further messages.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseStalled
}

// Conversation is the coordinator's view of one cycle.
type Conversation struct {
	ID                string                    `json:"conversation_id"`
	Phase             Phase                     `json:"phase"`
	Expected          []string                  `json:"expected_participants"`
	Received          map[string]map[string]any `json:"received"`
	DataResponses     map[string]map[string]any `json:"data_responses,omitempty"`
	AnalysisResponses map[string]map[string]any `json:"analysis_responses,omitempty"`
	Bundle            map[string]any            `json:"integrated_data,omitempty"`
	Decision          *Decision                 `json:"final_decision,omitempty"`
	Execution         map[string]any            `json:"execution_result,omitempty"`
	Status            string                    `json:"status,omitempty"`
	Missing           []string                  `json:"missing,omitempty"`
	CreatedAt         time.Time                 `json:"created_at"`
	PhaseSince        time.Time                 `json:"phase_since"`
}

// Missing participants of the current phase, sorted.
func (c *Conversation) missing() []string {
	var out []string
	for _, id := range c.Expected {
		if _, ok := c.Received[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// complete reports set equality of received senders and expected
// participants. Only expected senders are ever recorded.
func (c *Conversation) complete() bool {
	return len(c.Expected) > 0 && len(c.Received) == len(c.Expected) && len(c.missing()) == 0
}

func (c *Conversation) expects(sender string) bool {
	i := sort.SearchStrings(c.Expected, sender)
	return i < len(c.Expected) && c.Expected[i] == sender
}

func (c *Conversation) enter(p Phase, expected []string, now time.Time) {
	c.Phase = p
	c.Expected = sortedSet(expected)
	c.Received = map[string]map[string]any{}
	c.PhaseSince = now
}

func (c *Conversation) clone() Conversation {
	out := *c
	out.Expected = append([]string(nil), c.Expected...)
	out.Missing = append([]string(nil), c.Missing...)
	out.Received = cloneResponses(c.Received)
	out.DataResponses = cloneResponses(c.DataResponses)
	out.AnalysisResponses = cloneResponses(c.AnalysisResponses)
	out.Bundle = cloneMap(c.Bundle)
	out.Execution = cloneMap(c.Execution)
	if c.Decision != nil {
		d := *c.Decision
		out.Decision = &d
	}
	return out
}

// cycleData is the conversation as archived in cycle logs.
func (c *Conversation) cycleData() map[string]any {
	data := map[string]any{
		"phase":              string(c.Phase),
		"data_responses":     responsesAsAny(c.DataResponses),
		"analysis_responses": responsesAsAny(c.AnalysisResponses),
		"created_at":         c.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if c.Decision != nil {
		data["final_decision"] = c.Decision.Map()
	}
	if len(c.Missing) > 0 {
		data["missing"] = append([]string(nil), c.Missing...)
	}
	return data
}

// entry guards one conversation. The table lock is only held to find or
// insert entries.
type entry struct {
	mu   sync.Mutex
	conv Conversation
	// doneAt is set when the conversation reaches a terminal phase.
	doneAt time.Time
}

func sortedSet(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func cloneResponses(in map[string]map[string]any) map[string]map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneMap(v)
	}
	return out
}

func responsesAsAny(in map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneMap(v)
	}
	return out
}
