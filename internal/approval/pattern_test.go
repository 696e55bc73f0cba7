package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputePatternSubcommandTool(t *testing.T) {
	pattern, command := ComputePattern("Bash", map[string]any{"command": "git status"})
	assert.Equal(t, "Bash(git status:*)", pattern)
	assert.Equal(t, "git status", command)
}

func TestComputePatternSubcommandToolWithFlagSecondWord(t *testing.T) {
	// Second token is a flag, not a subcommand: falls back to first-word pattern.
	pattern, _ := ComputePattern("Bash", map[string]any{"command": "git -C /tmp status"})
	assert.Equal(t, "Bash(git:*)", pattern)
}

func TestComputePatternNonSubcommandTool(t *testing.T) {
	pattern, _ := ComputePattern("Bash", map[string]any{"command": "ls -la /tmp"})
	assert.Equal(t, "Bash(ls:*)", pattern)
}

func TestComputePatternNonBashTool(t *testing.T) {
	pattern, command := ComputePattern("Read", map[string]any{"file_path": "/tmp/a"})
	assert.Equal(t, "Read", pattern)
	assert.Empty(t, command)
}

func TestMatchesBashPrefix(t *testing.T) {
	assert.True(t, Matches("Bash(git status:*)", "Bash", "git status --short"))
	assert.False(t, Matches("Bash(git status:*)", "Bash", "git push"))
	assert.True(t, Matches("Bash(git:*)", "Bash", "git anything at all"))
}

func TestMatchesNonBashVerbatim(t *testing.T) {
	assert.True(t, Matches("Read", "Read", ""))
	assert.False(t, Matches("Read", "Write", ""))
}
