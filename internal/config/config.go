// Package config reads the bus's two on-disk configuration documents —
// settings.json (agent/team registry, channel bindings, approvals) and
// credentials.json (provider API keys/tokens) — fresh on every Load
// call. There is deliberately no in-process cache: the dispatcher, every
// channel adapter, and the approval hook are separate OS processes, and
// an operator editing settings.json while the bus is running must take
// effect on the next poll without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/titanous/json5"
)

// SettingsFilename and CredentialsFilename are the two documents under
// CONFIG_HOME.
const (
	SettingsFilename    = "settings.json"
	CredentialsFilename = "credentials.json"
)

// DefaultAgentID is the conventional id looked up first when no agent is
// otherwise specified.
const DefaultAgentID = "default"

// AgentConfig is one entry in the agent registry.
type AgentConfig struct {
	ID               string   `json:"-"`
	Name             string   `json:"name,omitempty"`
	Provider         string   `json:"provider,omitempty"` // "anthropic" (default) or "openai"
	Model            string   `json:"model,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
	SystemPrompt     string   `json:"systemPrompt,omitempty"`
	AllowedTools     []string `json:"allowedTools,omitempty"`
}

// TeamConfig is one entry in the team registry: a leader agent plus its
// teammates, all of which must also appear in Agents.
type TeamConfig struct {
	ID      string   `json:"-"`
	Leader  string   `json:"leader"`
	Members []string `json:"members,omitempty"`
}

// allMembers returns leader + members, the full roster of the team.
func (t TeamConfig) allMembers() []string {
	out := make([]string, 0, len(t.Members)+1)
	out = append(out, t.Leader)
	out = append(out, t.Members...)
	return out
}

// Has reports whether agentID is the leader or a member of t.
func (t TeamConfig) Has(agentID string) bool {
	for _, m := range t.allMembers() {
		if m == agentID {
			return true
		}
	}
	return false
}

// Settings is the parsed form of settings.json.
type Settings struct {
	Agents       map[string]AgentConfig `json:"agents,omitempty"`
	Teams        map[string]TeamConfig  `json:"teams,omitempty"`
	Channels     ChannelsConfig         `json:"channels,omitempty"`
	Approvals    ApprovalsConfig        `json:"approvals,omitempty"`
	Housekeeping HousekeepingConfig     `json:"housekeeping,omitempty"`
}

// HousekeepingConfig gives the dispatcher's stuck-message recovery sweep
// an optional cron-expression schedule (RecoverCron) on top of its
// fixed-interval ticker, matching the teacher's habit of expressing
// housekeeping jobs as cron schedules in settings.json. An empty
// expression leaves the ticker in sole control. PendingPruneCron is
// parsed but not read by any adapter: pending-message pruning runs on
// the adapters' own fixed hourly ticker.
type HousekeepingConfig struct {
	RecoverCron      string `json:"recoverCron,omitempty"`      // e.g. "*/5 * * * *"
	PendingPruneCron string `json:"pendingPruneCron,omitempty"` // e.g. "0 * * * *"
}

// ApprovalsConfig tunes the approval hook's pending-decision poll.
type ApprovalsConfig struct {
	TimeoutSeconds int `json:"timeout,omitempty"` // default 300
}

// ChannelsConfig holds the per-adapter settings block. Every field here
// is read by the adapter binary, never by the dispatcher.
type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

// DiscordConfig configures the Discord channel adapter.
type DiscordConfig struct {
	AllowFrom      []string `json:"allowFrom,omitempty"`
	RequireMention *bool    `json:"requireMention,omitempty"` // default true in groups
	AdminUserID    string   `json:"adminUserId,omitempty"`    // DM target for approval prompts with no thread
	DefaultAgent   string   `json:"defaultAgent,omitempty"`
}

// TelegramConfig configures the Telegram channel adapter.
type TelegramConfig struct {
	AllowFrom    []string `json:"allowFrom,omitempty"`
	AdminUserID  string   `json:"adminUserId,omitempty"`
	DefaultAgent string   `json:"defaultAgent,omitempty"`
}

// Credentials is the parsed form of credentials.json. Never logged.
type Credentials struct {
	AnthropicAPIKey string `json:"anthropicApiKey,omitempty"`
	OpenAIAPIKey    string `json:"openaiApiKey,omitempty"`
	DiscordToken    string `json:"discordToken,omitempty"`
	TelegramToken   string `json:"telegramToken,omitempty"`
}

// Store resolves settings.json/credentials.json under ConfigHome.
type Store struct {
	ConfigHome string
}

// NewStore builds a Store rooted at configHome.
func NewStore(configHome string) *Store {
	return &Store{ConfigHome: configHome}
}

// LoadSettings parses settings.json with json5 (comments and trailing
// commas tolerated, matching the teacher's own config.Load convention).
// A missing file yields an empty Settings rather than an error — an
// operator who hasn't configured any agents yet still gets a usable
// (empty) registry.
func (s *Store) LoadSettings() (*Settings, error) {
	path := filepath.Join(s.ConfigHome, SettingsFilename)
	settings := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return settings, nil
	}
	if err := json5.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	for id, agent := range settings.Agents {
		agent.ID = id
		settings.Agents[id] = agent
	}
	for id, team := range settings.Teams {
		team.ID = id
		settings.Teams[id] = team
	}
	return settings, nil
}

// LoadCredentials parses credentials.json. A missing file yields an
// empty Credentials.
func (s *Store) LoadCredentials() (*Credentials, error) {
	path := filepath.Join(s.ConfigHome, CredentialsFilename)
	creds := &Credentials{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return creds, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return creds, nil
	}
	if err := json5.Unmarshal(data, creds); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return creds, nil
}

// AgentIDs returns the configured agent ids in stable (sorted) order.
func (s *Settings) AgentIDs() []string {
	ids := make([]string, 0, len(s.Agents))
	for id := range s.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveAgentToken matches token against an agent id (exact, then
// case-insensitive) or an agent's Name (case-insensitive), per §4.2
// routing rule 2's `!<id>`
// prefix. Returns the matched agent id.
func (s *Settings) ResolveAgentToken(token string) (string, bool) {
	if _, ok := s.Agents[token]; ok {
		return token, true
	}
	lower := strings.ToLower(token)
	for id, agent := range s.Agents {
		if strings.ToLower(id) == lower {
			return id, true
		}
		if agent.Name != "" && strings.ToLower(agent.Name) == lower {
			return id, true
		}
	}
	return "", false
}

// ResolveTeamToken matches token against a team id (case-insensitive),
// per §4.2 routing rule 3.
func (s *Settings) ResolveTeamToken(token string) (TeamConfig, bool) {
	if team, ok := s.Teams[token]; ok {
		return team, true
	}
	lower := strings.ToLower(token)
	for id, team := range s.Teams {
		if strings.ToLower(id) == lower {
			return team, true
		}
	}
	return TeamConfig{}, false
}

// TeamForAgent returns the single team agentID belongs to, if exactly
// one team claims it. Per §4.2, an agent routed to directly "belongs to
// a team" only when that membership is unambiguous; an agent on more
// than one roster is treated as team-less for this purpose (the two
// patterns have no adjudication rule between them).
func (s *Settings) TeamForAgent(agentID string) (TeamConfig, bool) {
	var found TeamConfig
	count := 0
	for _, team := range s.Teams {
		if team.Has(agentID) {
			found = team
			count++
		}
	}
	if count == 1 {
		return found, true
	}
	return TeamConfig{}, false
}

// DefaultAgent returns the "default"-id agent if present, otherwise the
// first agent in sorted id order, per §4.2 routing rule 4.
func (s *Settings) DefaultAgent() (AgentConfig, bool) {
	if agent, ok := s.Agents[DefaultAgentID]; ok {
		return agent, true
	}
	ids := s.AgentIDs()
	if len(ids) == 0 {
		return AgentConfig{}, false
	}
	return s.Agents[ids[0]], true
}
