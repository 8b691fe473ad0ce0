package collab

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
)

// HandleMessage decodes one inbound envelope from origin and applies it.
// Unknown types are ignored. Only malformed envelopes return an error.
func (r *Registry) HandleMessage(sessionKey, participantID string, origin Conn, raw []byte) error {
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}

	switch msg.Type {
	case EventCursorUpdate:
		r.UpdateCursor(sessionKey, participantID, msg.Data, origin)
	case EventSelectionUpdate:
		r.UpdateSelection(sessionKey, participantID, msg.Data, origin)
	case EventWorkflowUpdate:
		r.RelayWorkflowEdit(sessionKey, participantID, msg.Data, origin)
	case EventChatMessage:
		var chat ChatPayload
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &chat); err != nil {
				return fmt.Errorf("failed to decode chat message: %w", err)
			}
		}
		if chat.Message == "" {
			return nil
		}
		r.RelayChatMessage(sessionKey, participantID, chat.Message, origin)
	case EventNotification:
		r.RelayNotification(sessionKey, participantID, msg.Data, origin)
	default:
		log.Debug().
			Str("session_id", sessionKey).
			Str("participant_id", participantID).
			Str("type", string(msg.Type)).
			Msg("ignoring unknown message type")
	}

	return nil
}
