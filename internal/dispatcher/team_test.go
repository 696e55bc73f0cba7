package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eunjae-lee/tinyclaw/internal/config"
)

func testTeamSettings() (*config.Settings, config.TeamConfig) {
	settings := &config.Settings{
		Agents: map[string]config.AgentConfig{
			"coder":  {ID: "coder"},
			"writer": {ID: "writer"},
			"tester": {ID: "tester"},
			"ghost":  {ID: "ghost"}, // known agent, but not on the team
		},
	}
	team := config.TeamConfig{ID: "eng", Leader: "coder", Members: []string{"writer", "tester"}}
	settings.Teams = map[string]config.TeamConfig{"eng": team}
	return settings, team
}

func TestParseMentionsTagFormPreferred(t *testing.T) {
	settings, team := testTeamSettings()
	resp := "Looking good. [@writer: please draft the changelog]"
	mentions := parseMentions(resp, settings, team, "coder")
	assert.Equal(t, []mention{{To: "writer", Text: "please draft the changelog"}}, mentions)
}

func TestParseMentionsTagFormMultipleIsFanOut(t *testing.T) {
	settings, team := testTeamSettings()
	resp := "[@writer: write the docs] [@tester: write the tests]"
	mentions := parseMentions(resp, settings, team, "coder")
	assert.ElementsMatch(t, []mention{
		{To: "writer", Text: "write the docs"},
		{To: "tester", Text: "write the tests"},
	}, mentions)
}

func TestParseMentionsBareFormWhenNoTagForm(t *testing.T) {
	settings, team := testTeamSettings()
	resp := "I'll loop in @writer now since this needs copy."
	mentions := parseMentions(resp, settings, team, "coder")
	assert.Equal(t, []mention{{To: "writer", Text: "now since this needs copy."}}, mentions)
}

func TestParseMentionsRejectsSelfMention(t *testing.T) {
	settings, team := testTeamSettings()
	resp := "[@coder: talking to myself]"
	assert.Empty(t, parseMentions(resp, settings, team, "coder"))
}

func TestParseMentionsRejectsOffTeamAgent(t *testing.T) {
	settings, team := testTeamSettings()
	resp := "[@ghost: help out]"
	assert.Empty(t, parseMentions(resp, settings, team, "coder"))
}

func TestParseMentionsRejectsUnknownAgent(t *testing.T) {
	settings, team := testTeamSettings()
	resp := "[@nobody: help out]"
	assert.Empty(t, parseMentions(resp, settings, team, "coder"))
}

func TestParseMentionsZeroWhenNoneFound(t *testing.T) {
	settings, team := testTeamSettings()
	assert.Empty(t, parseMentions("All done here.", settings, team, "coder"))
}

func TestExtractSendFilesStripsAndCollects(t *testing.T) {
	text := "Here's the report. [send_file: /tmp/report.pdf] Thanks! [send_file: /tmp/data.csv]"
	cleaned, files := extractSendFiles(text)
	assert.Equal(t, []string{"/tmp/report.pdf", "/tmp/data.csv"}, files)
	assert.NotContains(t, cleaned, "send_file")
	assert.Contains(t, cleaned, "Here's the report.")
}

func TestExtractSendFilesNoTagsIsNoop(t *testing.T) {
	cleaned, files := extractSendFiles("nothing to send")
	assert.Equal(t, "nothing to send", cleaned)
	assert.Empty(t, files)
}

func TestHandoffTextFormat(t *testing.T) {
	assert.Equal(t, "[Message from teammate @coder]:\nplease review", handoffText("coder", "please review"))
}

func TestTeamSessionKeyScopesPerAgent(t *testing.T) {
	assert.Equal(t, "thread_1::writer", teamSessionKey("thread_1", "writer"))
}
