package coordinator

import (
	"strings"
	"time"

	"MCP-Trader/internal/envelope"
)

// Integrate merges data responses into one bundle. Every configured section
// is present; each sender's payload[section] map is merged into the section
// of the first rule whose Match is contained in the sender id. Senders are
// applied in sorted order, so on a key collision the last sender wins.
func Integrate(responses map[string]map[string]any, rules []SectionRule, now time.Time) map[string]any {
	bundle := map[string]any{}
	for _, r := range rules {
		if _, ok := bundle[r.Section]; !ok {
			bundle[r.Section] = map[string]any{}
		}
	}
	for _, sender := range sortedKeys(responses) {
		section := sectionFor(sender, rules)
		if section == "" {
			continue
		}
		payload := envelope.Content(responses[sender]).Map(section)
		target := bundle[section].(map[string]any)
		for k, v := range payload {
			target[k] = v
		}
	}
	bundle["timestamp"] = envelope.Timestamp(now)
	return bundle
}

func sectionFor(sender string, rules []SectionRule) string {
	for _, r := range rules {
		if strings.Contains(sender, r.Match) {
			return r.Section
		}
	}
	return ""
}
