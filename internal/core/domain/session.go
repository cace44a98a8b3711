package domain

// SessionSnapshot is a deep copy of the session tables for external readers.
type SessionSnapshot struct {
	Room         RoomID           `json:"room"`
	Self         Participant      `json:"self"`
	Phase        SessionPhase     `json:"phase"`
	Status       LocalStatus      `json:"status"`
	Owner        PeerID           `json:"owner,omitempty"`
	Participants []Participant    `json:"participants"`
	Connections  []ConnectionInfo `json:"connections"`
	Banned       []PeerID         `json:"banned"`
	LocalMedia   []MediaKind      `json:"local_media"`
	Muted        []TrackRef       `json:"muted,omitempty"`
}

func (s SessionSnapshot) IsMuted(media MediaKind, track TrackKind) bool {
	for _, m := range s.Muted {
		if m.Media == media && m.Track == track {
			return true
		}
	}
	return false
}

// Participant returns the record for id, self included.
func (s SessionSnapshot) Participant(id PeerID) (Participant, bool) {
	if s.Self.ID == id {
		return s.Self, true
	}
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

func (s SessionSnapshot) IsBanned(id PeerID) bool {
	for _, b := range s.Banned {
		if b == id {
			return true
		}
	}
	return false
}

func (s SessionSnapshot) ConnectedTo(id PeerID) bool {
	for _, c := range s.Connections {
		if c.Peer == id {
			return true
		}
	}
	return false
}
