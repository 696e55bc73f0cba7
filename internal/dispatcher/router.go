package dispatcher

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/eunjae-lee/tinyclaw/internal/bus"
	"github.com/eunjae-lee/tinyclaw/internal/config"
)

// multiTeamMentionEasterEgg is the fixed response for the routing-error
// case §4.2 calls out: two distinct `!mention` tokens resolving to
// agents in different teams, with no way to tell which the user meant.
const multiTeamMentionEasterEgg = "I can only report to one team at a time. Pick a single `!agent` or `!team` and I'll take it from there."

// bangTokenPattern matches a leading `!<id> ` prefix (rules 2/3) and,
// separately, every `!id` occurrence anywhere in the text (the
// multi-team-mention check).
var bangTokenPattern = regexp.MustCompile(`!([A-Za-z0-9_-]+)`)

// Route is the outcome of resolving a claimed message to an agent.
type Route struct {
	AgentID    string
	TeamRouted bool
	Team       config.TeamConfig
	Message    string // msg.Message with any routing prefix stripped
	EasterEgg  bool
}

// Router implements the §4.2 routing precedence against a freshly loaded
// settings snapshot.
type Router struct {
	Settings *config.Settings
}

// NewRouter builds a Router over settings.
func NewRouter(settings *config.Settings) *Router {
	return &Router{Settings: settings}
}

// Resolve applies the four routing rules in order, stopping at the first
// match, with the multi-team-mention easter egg taking precedence over
// rules 2/3 when triggered.
func (r *Router) Resolve(msg bus.Message) (Route, error) {
	// Rule 1: explicit agent field.
	if msg.Agent != "" {
		if _, ok := r.Settings.Agents[msg.Agent]; ok {
			return Route{AgentID: msg.Agent, Message: msg.Message}, nil
		}
	}

	if r.hasConflictingTeamMentions(msg.Message) {
		return Route{EasterEgg: true}, nil
	}

	// Rules 2/3: leading "!<id> " prefix.
	if token, rest, ok := parseBangPrefix(msg.Message); ok {
		if agentID, ok := r.Settings.ResolveAgentToken(token); ok {
			return Route{AgentID: agentID, Message: rest}, nil
		}
		if team, ok := r.Settings.ResolveTeamToken(token); ok {
			return Route{AgentID: team.Leader, TeamRouted: true, Team: team, Message: rest}, nil
		}
	}

	// Rule 4: default agent, or fall back to team membership for the
	// plain-mention-less case (an agent routed to directly still chains
	// as a team if it belongs to exactly one).
	agent, ok := r.Settings.DefaultAgent()
	if !ok {
		return Route{}, fmt.Errorf("dispatcher: no agents configured")
	}
	route := Route{AgentID: agent.ID, Message: msg.Message}
	if team, ok := r.Settings.TeamForAgent(agent.ID); ok {
		route.TeamRouted = true
		route.Team = team
	}
	return route, nil
}

// parseBangPrefix strips a leading "!<id> " token, returning the token
// and the remainder of the text.
func parseBangPrefix(text string) (token, rest string, ok bool) {
	text = strings.TrimLeft(text, " ")
	if !strings.HasPrefix(text, "!") {
		return "", "", false
	}
	fields := strings.SplitN(text[1:], " ", 2)
	if fields[0] == "" {
		return "", "", false
	}
	token = fields[0]
	if len(fields) == 2 {
		rest = fields[1]
	}
	return token, rest, true
}

// hasConflictingTeamMentions scans every `!token` in text, resolves each
// to an agent (directly, or via a team's leader), and reports whether
// two or more distinct resolved agents belong to different teams (or one
// belongs to a team and another belongs to none).
func (r *Router) hasConflictingTeamMentions(text string) bool {
	matches := bangTokenPattern.FindAllStringSubmatch(text, -1)
	seenAgents := map[string]bool{}
	teamBuckets := map[string]bool{}

	for _, m := range matches {
		token := m[1]
		var agentID string
		if id, ok := r.Settings.ResolveAgentToken(token); ok {
			agentID = id
		} else if team, ok := r.Settings.ResolveTeamToken(token); ok {
			agentID = team.Leader
		} else {
			continue
		}
		if seenAgents[agentID] {
			continue
		}
		seenAgents[agentID] = true

		bucket := "_none_"
		if team, ok := r.Settings.TeamForAgent(agentID); ok {
			bucket = team.ID
		}
		teamBuckets[bucket] = true
	}

	return len(seenAgents) >= 2 && len(teamBuckets) >= 2
}
