package search

import "strings"

// synonyms maps a query term to substitutes tried during expansion. The
// table is intentionally small: expansion exists to rescue near-miss
// vocabulary, not to rewrite the query.
var synonyms = map[string][]string{
	"search":   {"find", "look for", "query", "retrieve"},
	"find":     {"search", "locate", "discover"},
	"error":    {"bug", "issue", "failure"},
	"bug":      {"error", "defect", "issue"},
	"fix":      {"repair", "resolve", "patch"},
	"create":   {"build", "make", "generate"},
	"delete":   {"remove", "drop"},
	"update":   {"modify", "change", "edit"},
	"fast":     {"quick", "performant"},
	"slow":     {"sluggish", "laggy"},
	"meeting":  {"standup", "sync", "call"},
	"notes":    {"minutes", "summary"},
	"document": {"doc", "file", "guide"},
	"config":   {"configuration", "settings"},
	"deploy":   {"release", "ship", "rollout"},
	"test":     {"verify", "validate", "check"},
	"decide":   {"choose", "agree"},
	"decision": {"choice", "agreement", "conclusion"},
	"plan":     {"roadmap", "schedule"},
	"task":     {"todo", "ticket", "item"},
}

const maxExpansions = 5

// ExpandQuery produces alternative phrasings by substituting one known
// synonym at a time, in query order, capped at maxExpansions. The original
// query is never included.
func ExpandQuery(query string) []string {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return nil
	}

	seen := map[string]struct{}{strings.ToLower(query): {}}
	expansions := make([]string, 0, maxExpansions)
	for i, word := range words {
		subs, ok := synonyms[strings.Trim(word, `"'.,!?`)]
		if !ok {
			continue
		}
		for _, sub := range subs {
			alt := make([]string, len(words))
			copy(alt, words)
			alt[i] = sub
			candidate := strings.Join(alt, " ")
			if _, dup := seen[candidate]; dup {
				continue
			}
			seen[candidate] = struct{}{}
			expansions = append(expansions, candidate)
			if len(expansions) == maxExpansions {
				return expansions
			}
		}
	}
	return expansions
}
