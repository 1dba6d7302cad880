package notify

import "strings"

// Topic kinds
const (
	KindUser         = "user"
	KindConversation = "conversation"
)

// UserTopic is the personal channel of a user
func UserTopic(userID string) string {
	return KindUser + ":" + userID
}

// ConversationTopic is the chat channel of a conversation
func ConversationTopic(conversationID string) string {
	return KindConversation + ":" + conversationID
}

// ParseTopic splits a topic into its kind and entity id
func ParseTopic(topic string) (kind, id string, ok bool) {
	kind, id, found := strings.Cut(topic, ":")
	if !found || id == "" {
		return "", "", false
	}
	switch kind {
	case KindUser, KindConversation:
		return kind, id, true
	}
	return "", "", false
}
