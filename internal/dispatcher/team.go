package dispatcher

import (
	"regexp"
	"strings"

	"github.com/eunjae-lee/tinyclaw/internal/config"
)

// tagMentionPattern matches the preferred, explicit handoff form:
// [@teammateId: handoff text].
var tagMentionPattern = regexp.MustCompile(`\[@([A-Za-z0-9_-]+):\s*([^\]]*)\]`)

// bareMentionPattern matches a bare @teammateId mention, used only when
// no tag-form mention is present.
var bareMentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// sendFilePattern matches [send_file: <path>] tags present in any step's
// response.
var sendFilePattern = regexp.MustCompile(`\[send_file:\s*([^\]]+)\]`)

// mention is one parsed teammate handoff.
type mention struct {
	To   string
	Text string
}

// parseMentions implements §4.2 step 2: tag-form mentions are tried
// first; if any are found (and valid), they are returned as-is — this is
// what distinguishes the one-mention (sequential) case from the
// multiple-mention (fan-out) case. Only when no tag-form mention
// survives validation does the bare form apply, and then only the first
// occurrence, with everything after it as the handoff text.
func parseMentions(response string, settings *config.Settings, team config.TeamConfig, currentAgent string) []mention {
	var out []mention
	for _, m := range tagMentionPattern.FindAllStringSubmatch(response, -1) {
		id := m[1]
		if !isValidMention(settings, team, currentAgent, id) {
			continue
		}
		out = append(out, mention{To: id, Text: strings.TrimSpace(m[2])})
	}
	if len(out) > 0 {
		return out
	}

	loc := bareMentionPattern.FindStringSubmatchIndex(response)
	if loc == nil {
		return nil
	}
	id := response[loc[2]:loc[3]]
	if !isValidMention(settings, team, currentAgent, id) {
		return nil
	}
	text := strings.TrimSpace(response[loc[1]:])
	return []mention{{To: id, Text: text}}
}

// isValidMention implements §4.2's mention validity rule: the named id
// must be on the current team's roster, must not be the agent that just
// spoke, and must be a known agent.
func isValidMention(settings *config.Settings, team config.TeamConfig, currentAgent, id string) bool {
	if id == currentAgent {
		return false
	}
	if !team.Has(id) {
		return false
	}
	_, ok := settings.Agents[id]
	return ok
}

// extractSendFiles strips every [send_file: <path>] tag from text and
// returns the cleaned text plus the list of paths found, in order.
func extractSendFiles(text string) (cleaned string, files []string) {
	cleaned = sendFilePattern.ReplaceAllStringFunc(text, func(tag string) string {
		sub := sendFilePattern.FindStringSubmatch(tag)
		files = append(files, strings.TrimSpace(sub[1]))
		return ""
	})
	return strings.TrimSpace(cleaned), files
}

// mentionTagWhitespace collapses the run of whitespace a removed mention
// tag leaves behind into a single space.
var mentionTagWhitespace = regexp.MustCompile(`[ \t]{2,}`)

// stripMentionTags removes every tag-form mention from text, per §8
// scenario 3's aggregated chain text ("tags stripped") — a chain step's
// displayed text is the agent's response with its handoff tags removed,
// not the raw response.
func stripMentionTags(text string) string {
	cleaned := tagMentionPattern.ReplaceAllString(text, "")
	return mentionTagWhitespace.ReplaceAllString(cleaned, " ")
}

// handoffText formats the wrapper prepended to a teammate's invocation
// per §4.2 step 4/5.
func handoffText(fromAgent, text string) string {
	return "[Message from teammate @" + fromAgent + "]:\n" + text
}

// teamSessionKey scopes a conversation's session key per team member, so
// one teammate resuming its own agent CLI session never collides with
// another teammate's under the shared conversation key.
func teamSessionKey(sessionKey, agentID string) string {
	return sessionKey + "::" + agentID
}
