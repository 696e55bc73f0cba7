package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	in := Message{
		Channel:    "discord",
		Sender:     "alice",
		SenderID:   "U1",
		Message:    "hi",
		Timestamp:  1700000000000,
		MessageID:  "m1",
		Files:      []string{"/tmp/a.png"},
		Agent:      "coder",
		SessionKey: "dm_U1",
		RetryCount: 2,
		Metadata:   map[string]string{"x": "y"},
	}

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out Message
	require.NoError(t, json.Unmarshal(raw, &out))

	assert.Equal(t, in, out)
}

func TestResponseRoundTrip(t *testing.T) {
	in := Response{
		Channel:         "discord",
		Sender:          "bot",
		Message:         "hello",
		OriginalMessage: "hi",
		Timestamp:       1700000000000,
		MessageID:       "m1",
		Agent:           "default",
	}

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out Response
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestStreamingPartialRoundTrip(t *testing.T) {
	in := StreamingPartial{
		Status:     "streaming",
		Channel:    "discord",
		MessageID:  "m1",
		Partial:    "partial text so far",
		Agent:      "default",
		Timestamp:  1700000000000,
		Cancelable: true,
	}

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out StreamingPartial
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestPendingApprovalAndDecisionRoundTrip(t *testing.T) {
	pa := PendingApproval{
		RequestID:        "1700000000_1234",
		ToolName:         "Bash",
		ToolPattern:      "Bash(git status:*)",
		ToolInputSummary: "git status",
		AgentID:          "coder",
		MessageID:        "m1",
		Timestamp:        1700000000000,
		Notified:         false,
	}
	raw, err := json.Marshal(pa)
	require.NoError(t, err)
	var out PendingApproval
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, pa, out)

	d := Decision{Decision: DecisionAlwaysAllow, ToolName: "Bash"}
	raw, err = json.Marshal(d)
	require.NoError(t, err)
	var outD Decision
	require.NoError(t, json.Unmarshal(raw, &outD))
	assert.Equal(t, d, outD)
}
