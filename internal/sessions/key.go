package sessions

import "fmt"

// DMKey builds the sessionKey used for a direct-message conversation:
// dm_<userId>, per the glossary's "Session key" definition.
func DMKey(userID string) string {
	return fmt.Sprintf("dm_%s", userID)
}
