package channels

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaseChannelIsAllowedEmptyAllowlistAllowsAll(t *testing.T) {
	c := NewBaseChannel("discord", nil)
	assert.True(t, c.IsAllowed("anyone"))
}

func TestBaseChannelIsAllowedExactMatch(t *testing.T) {
	c := NewBaseChannel("discord", []string{"123"})
	assert.True(t, c.IsAllowed("123"))
	assert.False(t, c.IsAllowed("456"))
}

func TestBaseChannelIsAllowedCompoundSenderID(t *testing.T) {
	c := NewBaseChannel("telegram", []string{"123"})
	assert.True(t, c.IsAllowed("123|alice"))
}

func TestBaseChannelIsAllowedUsernameWithAtPrefix(t *testing.T) {
	c := NewBaseChannel("telegram", []string{"@alice"})
	assert.True(t, c.IsAllowed("999|alice"))
}

func TestCheckPolicyDisabledRejectsRegardlessOfAllowlist(t *testing.T) {
	c := NewBaseChannel("discord", nil)
	assert.False(t, c.CheckPolicy("direct", DMPolicyDisabled, GroupPolicyOpen, "anyone"))
}

func TestCheckPolicyAllowlistDefersToIsAllowed(t *testing.T) {
	c := NewBaseChannel("discord", []string{"123"})
	assert.True(t, c.CheckPolicy("direct", DMPolicyAllowlist, GroupPolicyOpen, "123"))
	assert.False(t, c.CheckPolicy("direct", DMPolicyAllowlist, GroupPolicyOpen, "456"))
}

func TestCheckPolicyOpenAllowsEveryone(t *testing.T) {
	c := NewBaseChannel("discord", nil)
	assert.True(t, c.CheckPolicy("group", DMPolicyDisabled, GroupPolicyOpen, "anyone"))
}

func TestChunkTextBreaksAtNewlineWhenPossible(t *testing.T) {
	text := strings.Repeat("a", 10) + "\n" + strings.Repeat("b", 10)
	chunks := ChunkText(text, 15)
	assert.Equal(t, strings.Repeat("a", 10)+"\n", chunks[0])
	assert.Equal(t, strings.Repeat("b", 10), chunks[1])
}

func TestChunkTextFallsBackToSpace(t *testing.T) {
	text := strings.Repeat("a", 10) + " " + strings.Repeat("b", 10)
	chunks := ChunkText(text, 15)
	assert.Equal(t, strings.Repeat("a", 10)+" ", chunks[0])
}

func TestChunkTextHardCutsWhenNoBreakpoint(t *testing.T) {
	text := strings.Repeat("a", 30)
	chunks := ChunkText(text, 10)
	assert.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 10)
	}
}

func TestChunkTextShortTextIsSingleChunk(t *testing.T) {
	chunks := ChunkText("hi", 2000)
	assert.Equal(t, []string{"hi"}, chunks)
}

func TestTruncateAppendsEllipsisOnlyWhenCut(t *testing.T) {
	assert.Equal(t, "hi", Truncate("hi", 10))
	assert.Equal(t, "hel...", Truncate("hello", 3))
}
