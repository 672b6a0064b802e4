package models

import (
	"encoding/json"
	"fmt"
)

// MessageKind is the explicit type discriminator for outbound payloads.
// Payloads are tagged variants validated at the enqueue boundary rather than
// free-form maps.
type MessageKind string

const (
	// MessageKindChat is a chat line posted to a channel.
	MessageKindChat MessageKind = "chat_message"
	// MessageKindAnnouncement is a highlighted channel announcement.
	MessageKindAnnouncement MessageKind = "announcement"
	// MessageKindSongReply is a reply to a song-request lookup.
	MessageKindSongReply MessageKind = "song_request_reply"
	// MessageKindWhisper is a direct message to a single user.
	MessageKindWhisper MessageKind = "whisper"
)

// IsValidMessageKind checks if the given message kind is supported.
func IsValidMessageKind(k MessageKind) bool {
	switch k {
	case MessageKindChat, MessageKindAnnouncement, MessageKindSongReply, MessageKindWhisper:
		return true
	default:
		return false
	}
}

// ChatPayload is the body of chat_message and announcement messages.
type ChatPayload struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// SongReplyPayload is the body of song_request_reply messages.
type SongReplyPayload struct {
	Channel   string `json:"channel"`
	RequestID string `json:"request_id"`
	Track     string `json:"track"`
	Artist    string `json:"artist,omitempty"`
}

// WhisperPayload is the body of whisper messages.
type WhisperPayload struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// MaxPayloadBytes bounds the serialized payload accepted at the enqueue boundary.
const MaxPayloadBytes = 8192

// ValidateMessagePayload checks that raw is a well-formed payload for kind.
// The discriminator is validated here, at the boundary, so downstream senders
// can trust the stored payload_json.
func ValidateMessagePayload(kind MessageKind, raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("payload is required for kind %q", kind)
	}
	if len(raw) > MaxPayloadBytes {
		return fmt.Errorf("payload exceeds %d bytes", MaxPayloadBytes)
	}
	switch kind {
	case MessageKindChat, MessageKindAnnouncement:
		var p ChatPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", kind, err)
		}
		if p.Channel == "" || p.Text == "" {
			return fmt.Errorf("%s payload requires channel and text", kind)
		}
	case MessageKindSongReply:
		var p SongReplyPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", kind, err)
		}
		if p.Channel == "" || p.Track == "" {
			return fmt.Errorf("%s payload requires channel and track", kind)
		}
	case MessageKindWhisper:
		var p WhisperPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", kind, err)
		}
		if p.UserID == "" || p.Text == "" {
			return fmt.Errorf("%s payload requires user_id and text", kind)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPayloadType, kind)
	}
	return nil
}
