// Package approval implements the tool-approval protocol: a hook the
// agent CLI invokes synchronously before each tool use, a three-layer
// allowlist policy, and a file-based pending/decision loop for the cases
// the policy doesn't resolve on its own.
package approval

import "strings"

// subcommandTools are the Bash first-tokens that get a second-word
// pattern (`Bash(git status:*)`) instead of a first-word-only one
// (`Bash(git:*)`).
var subcommandTools = map[string]bool{
	"git": true, "gh": true, "npm": true, "npx": true, "docker": true,
	"kubectl": true, "cargo": true, "make": true, "yarn": true, "pnpm": true,
	"bun": true, "brew": true, "pip": true, "pip3": true, "conda": true,
}

// ComputePattern derives the allowlist pattern and the literal command
// string (empty for non-Bash tools) for a prospective tool use.
func ComputePattern(toolName string, toolInput map[string]any) (pattern string, command string) {
	if toolName != "Bash" {
		return toolName, ""
	}

	command, _ = toolInput["command"].(string)
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "Bash(:*)", command
	}

	w1 := fields[0]
	if len(fields) >= 2 && subcommandTools[w1] && !strings.HasPrefix(fields[1], "-") {
		return "Bash(" + w1 + " " + fields[1] + ":*)", command
	}
	return "Bash(" + w1 + ":*)", command
}

// Matches reports whether pattern permits a prospective use of toolName
// with the given literal command (empty for non-Bash tools).
func Matches(pattern, toolName, command string) bool {
	if !strings.HasPrefix(pattern, toolName+"(") {
		// Non-Bash patterns are the tool name verbatim.
		return pattern == toolName
	}
	prefix, ok := strings.CutSuffix(strings.TrimPrefix(pattern, toolName+"("), ":*)")
	if !ok {
		return false
	}
	return strings.HasPrefix(command, prefix)
}
