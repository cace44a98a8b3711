// Package protocol defines the control-plane messages exchanged over each
// peer's data channel.
package protocol

import (
	"strings"
	"time"
	"unicode/utf8"

	"partymesh/internal/core/domain"
)

type Type string

const (
	TypePeerInfo Type = "peer_info"
	TypeChat     Type = "chat"
	TypeControl  Type = "control"
)

// Message is implemented only by PeerInfo, Chat and Control.
type Message interface {
	Type() Type
	isMessage()
}

// PeerInfo introduces the sender. Role is trusted only as an Owner claim
// and Phase only when the sender is the Owner.
type PeerInfo struct {
	Profile domain.Profile      `json:"profile"`
	Role    domain.Role         `json:"role"`
	Phase   domain.SessionPhase `json:"phase"`
}

const MaxChatRunes = 1000

type Chat struct {
	DisplayName string `json:"display_name"`
	Text        string `json:"text"`
	// Timestamp is Unix milliseconds at the sender.
	Timestamp int64 `json:"timestamp"`
}

// NewChat trims text and enforces the length limit.
func NewChat(displayName, text string, at time.Time) (Chat, error) {
	text = strings.TrimSpace(text)
	if text == "" || !utf8.ValidString(text) || utf8.RuneCountInString(text) > MaxChatRunes {
		return Chat{}, domain.ErrInvalidChat
	}
	return Chat{DisplayName: displayName, Text: text, Timestamp: at.UnixMilli()}, nil
}

func (c Chat) SentAt() time.Time {
	return time.UnixMilli(c.Timestamp)
}

type ControlKind string

const (
	KindKick             ControlKind = "kick"
	KindScreenPermission ControlKind = "screen_permission"
	KindRoleChange       ControlKind = "role_change"
	KindSessionStart     ControlKind = "session_start"
	KindScreenStart      ControlKind = "screen_start"
	KindScreenStop       ControlKind = "screen_stop"
)

// ControlPayload is implemented by the six control kinds below.
type ControlPayload interface {
	Kind() ControlKind
}

// Control wraps a moderation or state command. Targeted kinds carry the
// target id in the payload since every control message is broadcast.
type Control struct {
	Payload ControlPayload
}

func (c Control) Kind() ControlKind {
	if c.Payload == nil {
		return ""
	}
	return c.Payload.Kind()
}

type Kick struct {
	TargetID domain.PeerID `json:"target_id"`
}

type ScreenPermission struct {
	TargetID domain.PeerID `json:"target_id"`
	CanShare bool          `json:"can_share"`
}

type RoleChange struct {
	TargetID domain.PeerID `json:"target_id"`
	NewRole  domain.Role   `json:"new_role"`
}

type SessionStart struct{}

type ScreenStart struct {
	PeerID domain.PeerID `json:"peer_id"`
}

type ScreenStop struct {
	PeerID domain.PeerID `json:"peer_id"`
}

func (Kick) Kind() ControlKind             { return KindKick }
func (ScreenPermission) Kind() ControlKind { return KindScreenPermission }
func (RoleChange) Kind() ControlKind       { return KindRoleChange }
func (SessionStart) Kind() ControlKind     { return KindSessionStart }
func (ScreenStart) Kind() ControlKind      { return KindScreenStart }
func (ScreenStop) Kind() ControlKind       { return KindScreenStop }

func (PeerInfo) Type() Type { return TypePeerInfo }
func (Chat) Type() Type     { return TypeChat }
func (Control) Type() Type  { return TypeControl }

func (PeerInfo) isMessage() {}
func (Chat) isMessage()     {}
func (Control) isMessage()  {}
