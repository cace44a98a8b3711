package services

import (
	"strings"

	"partymesh/internal/core/domain"
)

// ScreenWidthThreshold is the frame width above which an untagged video
// track is assumed to be a screen capture.
const ScreenWidthThreshold = 1000

var (
	displaySurfaces = map[string]struct{}{
		"monitor": {},
		"window":  {},
		"browser": {},
	}
	displayLabelHints = []string{"screen", "display", "monitor", "window"}
)

// Classify decides whether a remote stream is a camera or a screen share.
// An explicit tag always wins; the heuristics are a best-effort fallback.
func Classify(info domain.StreamInfo, tag domain.MediaKind) domain.MediaKind {
	if tag == domain.MediaCamera || tag == domain.MediaScreen {
		return tag
	}
	if kind := domain.ParseMediaKind(info.ID); kind != domain.MediaUnknown {
		return kind
	}
	for _, track := range info.VideoTracks() {
		if looksLikeDisplay(track) {
			return domain.MediaScreen
		}
	}
	return domain.MediaCamera
}

func looksLikeDisplay(track domain.TrackInfo) bool {
	if _, ok := displaySurfaces[strings.ToLower(track.DisplaySurface)]; ok {
		return true
	}
	if track.Width > ScreenWidthThreshold {
		return true
	}
	label := strings.ToLower(track.Label)
	for _, hint := range displayLabelHints {
		if strings.Contains(label, hint) {
			return true
		}
	}
	return false
}
