package utils

import "strings"

// SanitizeIdentifier makes an identifier safe for filesystem paths and log
// scopes. Conversation IDs are UUIDs and already safe; user-supplied labels
// (model names like "ollama:phi4", user handles) are not.
func SanitizeIdentifier(id string) string {
	sanitized := strings.ReplaceAll(id, ":", "-")
	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	sanitized = strings.ReplaceAll(sanitized, "/", "-")
	sanitized = strings.ReplaceAll(sanitized, "\\", "-")
	return sanitized
}
