package services

import (
	"testing"

	"carelink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestValidateStream_Nil(t *testing.T) {
	report := NewStreamValidator().ValidateStream(nil)

	assert.False(t, report.IsValid)
	assert.Zero(t, report.VideoTrackCount)
	assert.Zero(t, report.AudioTrackCount)
	require.True(t, report.HasIssue(domain.IssueNoStream))
	assert.Equal(t, "no stream provided", report.Issues[0].Message)
	assert.Len(t, report.Critical(), 1)
}

func TestValidateStream_NoTracks(t *testing.T) {
	report := NewStreamValidator().ValidateStream(domain.NewRemoteStream("s", "p1"))

	assert.False(t, report.IsValid)
	assert.True(t, report.HasIssue(domain.IssueNoTracks))
}

func TestValidateStream_ActiveTracks(t *testing.T) {
	video := newFakeTrack("v", domain.TrackKindVideo)
	audio := newFakeTrack("a", domain.TrackKindAudio)
	stream := domain.NewLocalStream("s", "me", video, audio)

	tests := []struct {
		name      string
		setup     func()
		valid     bool
		video     bool
		audio     bool
		wantIssue domain.IssueCode
	}{
		{name: "both active", setup: func() {}, valid: true, video: true, audio: true},
		{
			name:      "video disabled",
			setup:     func() { video.SetEnabled(false) },
			valid:     true,
			audio:     true,
			wantIssue: domain.IssueInactiveVideo,
		},
		{
			name:      "both inactive",
			setup:     func() { audio.Stop() },
			valid:     false,
			wantIssue: domain.IssueInactiveAudio,
		},
	}

	v := NewStreamValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			report := v.ValidateStream(stream)

			assert.Equal(t, tt.valid, report.IsValid)
			assert.Equal(t, tt.video, report.HasActiveVideo)
			assert.Equal(t, tt.audio, report.HasActiveAudio)
			assert.Equal(t, 1, report.VideoTrackCount)
			assert.Equal(t, 1, report.AudioTrackCount)
			assert.Empty(t, report.Critical())
			if tt.wantIssue != "" {
				assert.True(t, report.HasIssue(tt.wantIssue))
			}
		})
	}
}

func TestValidateVideoElement(t *testing.T) {
	source := domain.NewRemoteStream("s", "p1")
	v := NewStreamValidator()

	report := v.ValidateVideoElement(fakeRender{state: domain.RenderState{
		Source:     source,
		ReadyState: domain.HaveEnoughData,
		Width:      640,
		Height:     360,
	}})
	assert.True(t, report.HasSource)
	assert.True(t, report.IsPlaying)
	assert.True(t, report.HasValidDimensions)
	assert.Empty(t, report.Issues)

	report = v.ValidateVideoElement(fakeRender{state: domain.RenderState{
		Paused:     true,
		ReadyState: domain.HaveMetadata,
	}})
	assert.False(t, report.HasSource)
	assert.False(t, report.IsPlaying)
	assert.False(t, report.HasValidDimensions)
	for _, code := range []domain.IssueCode{
		domain.IssueNoSource, domain.IssueNotPlaying, domain.IssueInsufficientData, domain.IssueZeroDimensions,
	} {
		assert.True(t, report.HasIssue(code), code)
	}

	report = v.ValidateVideoElement(nil)
	assert.True(t, report.HasIssue(domain.IssueNoElement))
}

func TestStreamMonitor_Check(t *testing.T) {
	m := NewStreamMonitor(NewStreamValidator(), zaptest.NewLogger(t).Sugar())

	report, element := m.Check("p1", nil, nil)
	assert.False(t, report.IsValid)
	assert.Nil(t, element)

	// repeated critical findings are throttled, not dropped from the report
	for i := 0; i < 10; i++ {
		report, _ = m.Check("p1", nil, nil)
		assert.True(t, report.HasIssue(domain.IssueNoStream))
	}
	m.mu.Lock()
	assert.Positive(t, m.suppressed)
	m.mu.Unlock()

	_, element = m.Check("p1", domain.NewRemoteStream("s", "p1"), fakeRender{})
	require.NotNil(t, element)
	assert.False(t, element.HasSource)
}
