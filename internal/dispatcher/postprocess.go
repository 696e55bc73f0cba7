package dispatcher

import "strings"

// maxResponseChars and truncationMarker implement §4.2's output
// post-processing rule.
const (
	maxResponseChars  = 4000
	truncationMarker  = "\n\n[Response truncated...]"
	errorResponseText = "Sorry, I encountered an error processing your request."
)

// postprocess trims the final text, strips any remaining [send_file:]
// tags (defensive — callers should already have extracted them per
// step), and truncates at maxResponseChars.
func postprocess(text string) string {
	text, _ = extractSendFiles(text)
	text = strings.TrimSpace(text)
	if len(text) > maxResponseChars {
		text = strings.TrimSpace(text[:maxResponseChars]) + truncationMarker
	}
	return text
}
