package collab

import (
	"encoding/json"
	"time"
)

// EventType identifies an outbound event
type EventType string

const (
	EventUserJoined      EventType = "user_joined"
	EventUserLeft        EventType = "user_left"
	EventSessionState    EventType = "session_state"
	EventCursorUpdate    EventType = "cursor_update"
	EventSelectionUpdate EventType = "selection_update"
	EventWorkflowUpdate  EventType = "workflow_update"
	EventChatMessage     EventType = "chat_message"
	EventNotification    EventType = "notification"
)

// Event is the uniform outbound envelope. Only the fields relevant to the
// event type are populated.
type Event struct {
	Type          EventType          `json:"type"`
	SessionID     string             `json:"session_id,omitempty"`
	ParticipantID string             `json:"participant_id,omitempty"`
	DisplayName   string             `json:"display_name,omitempty"`
	Data          json.RawMessage    `json:"data,omitempty"`
	Message       string             `json:"message,omitempty"`
	Participants  []ParticipantState `json:"participants,omitempty"`
	Timestamp     string             `json:"timestamp"`
}

// InboundMessage is what a participant sends over its connection
type InboundMessage struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ChatPayload is the data of an inbound chat_message
type ChatPayload struct {
	Message string `json:"message"`
}

// ParticipantState is a read-only copy of one participant's live state
type ParticipantState struct {
	ParticipantID string          `json:"participant_id"`
	DisplayName   string          `json:"display_name"`
	ConnectedAt   time.Time       `json:"connected_at"`
	Cursor        json.RawMessage `json:"cursor"`
	Selection     json.RawMessage `json:"selection"`
}

// SessionStats describes a live session for operational tooling
type SessionStats struct {
	SessionID        string             `json:"session_id"`
	ActiveUsersCount int                `json:"active_users_count"`
	ActiveUsers      []ParticipantState `json:"active_users"`
	CreatedAt        time.Time          `json:"created_at"`
	LastActivity     time.Time          `json:"last_activity"`
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
