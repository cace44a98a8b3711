package domain

import (
	"encoding/json"
	"fmt"
)

// MediaKind tags a media channel as camera or screen share.
type MediaKind int

const (
	MediaUnknown MediaKind = iota
	MediaCamera
	MediaScreen
)

var mediaKindNames = map[MediaKind]string{
	MediaUnknown: "",
	MediaCamera:  "camera",
	MediaScreen:  "screen",
}

func (k MediaKind) String() string {
	return mediaKindNames[k]
}

// ParseMediaKind maps a tag back to its kind. Unrecognized tags are MediaUnknown.
func ParseMediaKind(s string) MediaKind {
	switch s {
	case "camera":
		return MediaCamera
	case "screen":
		return MediaScreen
	}
	return MediaUnknown
}

func (k MediaKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *MediaKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind := ParseMediaKind(s)
	if kind == MediaUnknown && s != "" {
		return fmt.Errorf("unknown media kind %q", s)
	}
	*k = kind
	return nil
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

func (k TrackKind) Valid() bool {
	return k == TrackAudio || k == TrackVideo
}

// TrackRef names one track of a local media kind.
type TrackRef struct {
	Media MediaKind `json:"media"`
	Track TrackKind `json:"track"`
}

// TrackInfo is the capture metadata available for one track.
type TrackInfo struct {
	ID             string    `json:"id"`
	Kind           TrackKind `json:"kind"`
	Label          string    `json:"label,omitempty"`
	DisplaySurface string    `json:"display_surface,omitempty"`
	Width          int       `json:"width,omitempty"`
	Height         int       `json:"height,omitempty"`
}

// StreamInfo describes a media stream without owning it.
type StreamInfo struct {
	ID     string      `json:"id"`
	Tracks []TrackInfo `json:"tracks"`
}

func (s StreamInfo) VideoTracks() []TrackInfo {
	var out []TrackInfo
	for _, t := range s.Tracks {
		if t.Kind == TrackVideo {
			out = append(out, t)
		}
	}
	return out
}
