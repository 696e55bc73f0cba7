package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// DefaultTimeoutSeconds is used when settings.json doesn't set
// approvals.timeout.
const DefaultTimeoutSeconds = 300

// GlobalSettings is the subset of settings.json the approval policy
// reads: global and per-agent allowlists, plus the approval wait timeout.
type GlobalSettings struct {
	AllowedTools []string                  `json:"allowedTools,omitempty"`
	Agents       map[string]AgentAllowlist `json:"agents,omitempty"`
	Approvals    ApprovalsSettings         `json:"approvals,omitempty"`
}

// AgentAllowlist is one agent's allowedTools entry under the global
// settings file (policy layer 1).
type AgentAllowlist struct {
	AllowedTools []string `json:"allowedTools,omitempty"`
}

// ApprovalsSettings configures the interactive wait.
type ApprovalsSettings struct {
	TimeoutSeconds int `json:"timeout,omitempty"`
}

// AgentSettingsFile is the per-agent on-disk settings consulted as
// policy layer 3 (`<agentDir>/.claude/settings.json`). RecordAlwaysAllow
// appends to it; RecordAlwaysAllowAll appends to the global settings.json.
type AgentSettingsFile struct {
	Permissions Permissions `json:"permissions"`
}

// Permissions holds the per-agent allow list.
type Permissions struct {
	Allow []string `json:"allow,omitempty"`
}

// Policy evaluates the three allowlist layers described in §4.5. It
// holds no cached state — every check re-reads settings from disk,
// since the hook runs as a fresh process per tool use.
type Policy struct {
	// SettingsPath is the global settings.json path.
	SettingsPath string
	// AgentSettingsPath resolves the per-agent on-disk settings file for
	// a given agent id (normally <agentDir>/.claude/settings.json).
	AgentSettingsPath func(agentID string) string
}

// NewPolicy builds a Policy rooted at configHome, deriving per-agent
// settings paths from workspaceDir/<agentID>/.claude/settings.json.
func NewPolicy(configHome, workspaceDir string) *Policy {
	return &Policy{
		SettingsPath: filepath.Join(configHome, "settings.json"),
		AgentSettingsPath: func(agentID string) string {
			return filepath.Join(workspaceDir, agentID, ".claude", "settings.json")
		},
	}
}

// Allowed checks the three policy layers in order: per-agent allowedTools
// in global settings, global allowedTools, then the per-agent on-disk
// settings file's permissions.allow. If no allowlist is configured
// anywhere for the agent, everything is allowed (opt-in model).
func (p *Policy) Allowed(agentID, toolName, command, pattern string) (bool, error) {
	gs, err := p.readGlobalSettings()
	if err != nil {
		return false, err
	}

	configured := false

	if agent, ok := gs.Agents[agentID]; ok {
		configured = configured || len(agent.AllowedTools) > 0
		if matchAny(agent.AllowedTools, toolName, command) {
			return true, nil
		}
	}

	configured = configured || len(gs.AllowedTools) > 0
	if matchAny(gs.AllowedTools, toolName, command) {
		return true, nil
	}

	agentSettings, err := p.readAgentSettings(agentID)
	if err != nil {
		return false, err
	}
	configured = configured || len(agentSettings.Permissions.Allow) > 0
	if matchAny(agentSettings.Permissions.Allow, toolName, command) {
		return true, nil
	}

	if !configured {
		return true, nil
	}
	return false, nil
}

// TimeoutSeconds returns the configured approval-wait timeout, or
// DefaultTimeoutSeconds if unset.
func (p *Policy) TimeoutSeconds() (int, error) {
	gs, err := p.readGlobalSettings()
	if err != nil {
		return 0, err
	}
	if gs.Approvals.TimeoutSeconds > 0 {
		return gs.Approvals.TimeoutSeconds, nil
	}
	return DefaultTimeoutSeconds, nil
}

// RecordAlwaysAllow appends pattern to the agent's on-disk
// permissions.allow, under an advisory lock.
func (p *Policy) RecordAlwaysAllow(agentID, pattern string) error {
	path := p.AgentSettingsPath(agentID)
	return withFileLock(path, func() error {
		var f AgentSettingsFile
		if err := readJSONTolerant(path, &f); err != nil {
			return err
		}
		if containsString(f.Permissions.Allow, pattern) {
			return nil
		}
		var doc map[string]any
		if err := readJSONTolerant(path, &doc); err != nil {
			return err
		}
		if doc == nil {
			doc = map[string]any{}
		}
		perms, _ := doc["permissions"].(map[string]any)
		if perms == nil {
			perms = map[string]any{}
		}
		perms["allow"] = append(f.Permissions.Allow, pattern)
		doc["permissions"] = perms
		return writeJSONAtomic(path, doc)
	})
}

// RecordAlwaysAllowAll appends pattern to the global settings'
// allowedTools, under an advisory lock.
func (p *Policy) RecordAlwaysAllowAll(pattern string) error {
	return withFileLock(p.SettingsPath, func() error {
		var gs GlobalSettings
		if err := readJSONTolerant(p.SettingsPath, &gs); err != nil {
			return err
		}
		if containsString(gs.AllowedTools, pattern) {
			return nil
		}
		var doc map[string]any
		if err := readJSONTolerant(p.SettingsPath, &doc); err != nil {
			return err
		}
		if doc == nil {
			doc = map[string]any{}
		}
		doc["allowedTools"] = append(gs.AllowedTools, pattern)
		return writeJSONAtomic(p.SettingsPath, doc)
	})
}

func (p *Policy) readGlobalSettings() (GlobalSettings, error) {
	var gs GlobalSettings
	err := readJSONTolerant(p.SettingsPath, &gs)
	return gs, err
}

func (p *Policy) readAgentSettings(agentID string) (AgentSettingsFile, error) {
	var f AgentSettingsFile
	err := readJSONTolerant(p.AgentSettingsPath(agentID), &f)
	return f, err
}

func matchAny(patterns []string, toolName, command string) bool {
	for _, pattern := range patterns {
		if Matches(pattern, toolName, command) {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// readJSONTolerant loads a JSON document into v, treating a missing file
// as a zero-value document (settings files are all optional).
func readJSONTolerant(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("approval: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("approval: parse %s: %w", path, err)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("approval: marshal %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("approval: mkdir %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp", filepath.Base(path)))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("approval: write temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("approval: rename %s: %w", path, err)
	}
	return nil
}

func withFileLock(path string, fn func() error) error {
	lk := flock.New(path + ".lock")
	if err := lk.Lock(); err != nil {
		return fmt.Errorf("approval: lock %s: %w", path, err)
	}
	defer lk.Unlock()
	return fn()
}
