package models

import "encoding/json"

// OutboundType names a frame sent to a websocket subscriber
type OutboundType string

// OutboundType constants
const (
	OutboundConnected           OutboundType = "connected"
	OutboundChatMessage         OutboundType = "chat_message"
	OutboundChatNotification    OutboundType = "chat_notification"
	OutboundUnreadNotifications OutboundType = "unread_notifications"
	OutboundNotification        OutboundType = "notification"
	OutboundError               OutboundType = "error"
)

// Envelope is the frame published on a topic and written to subscribers.
// ID carries the persisted record id so a subscriber can discard an event it
// already received through replay.
type Envelope struct {
	Type    OutboundType    `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an envelope of the given type
func NewEnvelope(typ OutboundType, id string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: typ, ID: id, Payload: data}, nil
}

// InboundAction names a frame sent by a websocket client
type InboundAction string

// InboundAction constants
const (
	ActionSendMessage InboundAction = "send_message"
	ActionMarkAsSeen  InboundAction = "mark_as_seen"
	ActionMarkAsRead  InboundAction = "mark_as_read"
)

// InboundMessage is a client frame
type InboundMessage struct {
	Action          InboundAction `json:"action"`
	Content         string        `json:"content,omitempty"`
	Attachment      string        `json:"attachment,omitempty"`
	NotificationIDs []string      `json:"notification_ids,omitempty"`
}
