package webrtc

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

var ErrMalformedDescription = errors.New("malformed session description")

// MediaSummary lists the media sections of a session description.
type MediaSummary struct {
	Audio      int
	Video      int
	Directions map[string]string
}

func (m MediaSummary) HasAudio() bool { return m.Audio > 0 }
func (m MediaSummary) HasVideo() bool { return m.Video > 0 }

// InspectSessionDescription parses desc and summarises its media sections.
func InspectSessionDescription(desc webrtc.SessionDescription) (MediaSummary, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return MediaSummary{}, fmt.Errorf("%w: %w", ErrMalformedDescription, err)
	}

	summary := MediaSummary{Directions: make(map[string]string)}
	for _, m := range parsed.MediaDescriptions {
		mid, _ := m.Attribute(sdp.AttrKeyMID)
		switch m.MediaName.Media {
		case "audio":
			summary.Audio++
		case "video":
			summary.Video++
		default:
			continue
		}
		summary.Directions[mid] = direction(m)
	}
	return summary, nil
}

func direction(m *sdp.MediaDescription) string {
	for _, d := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if _, ok := m.Attribute(d); ok {
			return d
		}
	}
	return "sendrecv"
}

// ValidateDescription checks that desc parses and has the expected type.
func ValidateDescription(desc webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc.Type != want {
		return fmt.Errorf("%w: type %s, want %s", ErrMalformedDescription, desc.Type, want)
	}
	if _, err := InspectSessionDescription(desc); err != nil {
		return err
	}
	return nil
}
