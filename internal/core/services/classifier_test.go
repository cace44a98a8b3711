package services

import (
	"testing"

	"partymesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	video := func(tr domain.TrackInfo) domain.StreamInfo {
		tr.Kind = domain.TrackVideo
		return domain.StreamInfo{ID: "{a1b2}", Tracks: []domain.TrackInfo{{Kind: domain.TrackAudio}, tr}}
	}

	tests := []struct {
		name string
		info domain.StreamInfo
		tag  domain.MediaKind
		want domain.MediaKind
	}{
		{name: "explicit tag wins", info: video(domain.TrackInfo{DisplaySurface: "monitor"}), tag: domain.MediaCamera, want: domain.MediaCamera},
		{name: "stream id tag", info: domain.StreamInfo{ID: "screen"}, want: domain.MediaScreen},
		{name: "display surface", info: video(domain.TrackInfo{DisplaySurface: "window"}), want: domain.MediaScreen},
		{name: "wide frame", info: video(domain.TrackInfo{Width: 1920, Height: 1080}), want: domain.MediaScreen},
		{name: "threshold is exclusive", info: video(domain.TrackInfo{Width: ScreenWidthThreshold}), want: domain.MediaCamera},
		{name: "label hint", info: video(domain.TrackInfo{Label: "Entire Screen"}), want: domain.MediaScreen},
		{name: "plain webcam", info: video(domain.TrackInfo{Label: "FaceTime HD", Width: 640}), want: domain.MediaCamera},
		{name: "audio only", info: domain.StreamInfo{Tracks: []domain.TrackInfo{{Kind: domain.TrackAudio, Label: "screen audio"}}}, want: domain.MediaCamera},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.info, tt.tag))
		})
	}
}
