package historian

import (
	"regexp"
	"sort"
)

// regexCategories are the absoluteness gate's §4.13 pattern classes: a
// rewritten observation that still contains a pronoun, a relative-time, or
// a relative-place word has not actually been made absolute.
var regexCategories = map[string]*regexp.Regexp{
	"pronoun":        regexp.MustCompile(`我|你|他|她|它|他们|咱们|您`),
	"relative_time":  regexp.MustCompile(`今天|昨天|明天|刚才|刚刚|现在|待会|待会儿|一会儿`),
	"relative_place": regexp.MustCompile(`这里|那里|这边|那边|这儿|那儿`),
}

// regexHits returns, per category, every distinct match found in text. An
// empty map means the text is free of all three categories.
func regexHits(text string) map[string][]string {
	hits := map[string][]string{}
	for category, re := range regexCategories {
		matches := re.FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}
		seen := map[string]bool{}
		var uniq []string
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				uniq = append(uniq, m)
			}
		}
		hits[category] = uniq
	}
	return hits
}

// entityIDPattern matches bare numeric IDs of 5-12 digits, the range the
// spec uses to distinguish user/group/message IDs from incidental numbers
// (phone numbers, years, small counts).
var entityIDPattern = regexp.MustCompile(`\d{5,12}`)

// entityIDDrift returns every numeric ID present in source but missing from
// candidate, excluding ids already known as identity context (sender_id,
// user_id, group_id, message_ids) — those are expected to be referenced by
// ID rather than restated verbatim.
func entityIDDrift(source, candidate string, knownIDs map[string]bool) []string {
	sourceIDs := uniqueMatches(entityIDPattern, source)
	candidateIDs := map[string]bool{}
	for _, id := range uniqueMatches(entityIDPattern, candidate) {
		candidateIDs[id] = true
	}

	var drift []string
	for _, id := range sourceIDs {
		if candidateIDs[id] {
			continue
		}
		if knownIDs[id] {
			continue
		}
		drift = append(drift, id)
	}
	sort.Strings(drift)
	return drift
}

func uniqueMatches(re *regexp.Regexp, text string) []string {
	matches := re.FindAllString(text, -1)
	seen := map[string]bool{}
	var uniq []string
	for _, m := range matches {
		if !seen[m] {
			seen[m] = true
			uniq = append(uniq, m)
		}
	}
	return uniq
}

// gateVerdict is the outcome of one absoluteness-gate evaluation.
type gateVerdict struct {
	Hits       map[string][]string
	Drift      []string
	IsAbsolute bool
}

// evaluateGate applies the two predicates from §4.13 to one candidate
// rewrite of an observation drawn from source.
func evaluateGate(source, candidate string, knownIDs map[string]bool) gateVerdict {
	hits := regexHits(candidate)
	drift := entityIDDrift(source, candidate, knownIDs)
	return gateVerdict{
		Hits:       hits,
		Drift:      drift,
		IsAbsolute: len(hits) == 0 && len(drift) == 0,
	}
}

// mustKeepEntityIDs is the feedback payload the rewrite prompt gets handed
// back when a candidate fails the gate but retries remain.
func mustKeepEntityIDs(v gateVerdict) []string {
	return v.Drift
}
