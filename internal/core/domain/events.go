package domain

import "time"

type EventType string

const (
	EventPeerConnected       EventType = "peer_connected"
	EventPeerDisconnected    EventType = "peer_disconnected"
	EventChatReceived        EventType = "chat_received"
	EventRemoteCameraStream  EventType = "remote_camera_stream"
	EventRemoteScreenStream  EventType = "remote_screen_stream"
	EventRemoteStreamEnded   EventType = "remote_stream_ended"
	EventRemoteTrackToggled  EventType = "remote_track_toggled"
	EventControlStateChanged EventType = "control_state_changed"
	EventRemoved             EventType = "removed"
	EventRendezvousDegraded  EventType = "rendezvous_degraded"
	EventRendezvousRestored  EventType = "rendezvous_restored"
)

type ChangeKind string

const (
	ChangePhase           ChangeKind = "phase"
	ChangeRole            ChangeKind = "role"
	ChangePresenting      ChangeKind = "presenting"
	ChangeLocalScreenStop ChangeKind = "local_screen_stopped"
	ChangeBanned          ChangeKind = "banned"
)

// StateChange describes what a control_state_changed event changed.
type StateChange struct {
	Kind       ChangeKind   `json:"kind"`
	Target     PeerID       `json:"target,omitempty"`
	Role       Role         `json:"role,omitempty"`
	Phase      SessionPhase `json:"phase"`
	Presenting bool         `json:"presenting,omitempty"`
}

// TrackToggle reports a remote peer muting or unmuting one track.
type TrackToggle struct {
	Kind    TrackKind `json:"kind"`
	Enabled bool      `json:"enabled"`
}

// ChatMessage is a received or sent chat line.
type ChatMessage struct {
	From        PeerID    `json:"from"`
	DisplayName string    `json:"display_name"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sent_at"`
}

// Event is everything the session tells the surrounding application.
type Event struct {
	Type   EventType    `json:"type"`
	Peer   PeerID       `json:"peer,omitempty"`
	Kind   MediaKind    `json:"kind,omitempty"`
	Stream *StreamInfo  `json:"stream,omitempty"`
	Chat   *ChatMessage `json:"chat,omitempty"`
	Change *StateChange `json:"change,omitempty"`
	Track  *TrackToggle `json:"track,omitempty"`
	Error  string       `json:"error,omitempty"`
	At     time.Time    `json:"at"`

	// Remote is the transport's handle for a remote media stream.
	Remote any `json:"-"`
}
