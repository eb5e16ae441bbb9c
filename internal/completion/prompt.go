package completion

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ChatPrompt builds the prompt sent for a remote chat message. A nil context
// renders as an empty JSON object.
func ChatPrompt(persona string, chatContext map[string]any, message string) string {
	if chatContext == nil {
		chatContext = map[string]any{}
	}
	ctxJSON, err := json.Marshal(chatContext)
	if err != nil {
		ctxJSON = []byte("{}")
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(persona))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Context: %s\n", ctxJSON)
	sb.WriteString("Task: Respond to the user's request about the Antigravity project.\n")
	fmt.Fprintf(&sb, "User: %s", message)
	return sb.String()
}
