package discord

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseButtonCustomIDCancel(t *testing.T) {
	action, id, ok := parseButtonCustomID("cancel:m1")
	assert.True(t, ok)
	assert.Equal(t, "cancel", action)
	assert.Equal(t, "m1", id)
}

func TestParseButtonCustomIDApprovalDecision(t *testing.T) {
	action, id, ok := parseButtonCustomID("always_all:req-42")
	assert.True(t, ok)
	assert.Equal(t, "always_all", action)
	assert.Equal(t, "req-42", id)
}

func TestParseButtonCustomIDRejectsMalformed(t *testing.T) {
	_, _, ok := parseButtonCustomID("no-colon-here")
	assert.False(t, ok)
}

func TestSanitizeFilenameStripsUnsafeChars(t *testing.T) {
	assert.Equal(t, "report_pdf", sanitizeFilename("report pdf"))
	assert.Equal(t, "a.b-c_d.txt", sanitizeFilename("a.b-c_d.txt"))
}

func TestSanitizeFilenameStripsDirectoryComponents(t *testing.T) {
	assert.Equal(t, "evil.sh", sanitizeFilename("../../etc/evil.sh"))
}

func TestSanitizeFilenameFallsBackWhenEmpty(t *testing.T) {
	assert.Equal(t, "attachment", sanitizeFilename(""))
}
