package services

import (
	"sync"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// StreamValidator inspects streams and render targets. It has no side
// effects; findings are returned, never raised.
type StreamValidator struct{}

func NewStreamValidator() *StreamValidator {
	return &StreamValidator{}
}

func (v *StreamValidator) ValidateStream(stream *domain.MediaStream) domain.StreamReport {
	if stream == nil {
		return domain.StreamReport{
			Issues: []domain.Issue{{
				Code:     domain.IssueNoStream,
				Severity: domain.SeverityCritical,
				Message:  "no stream provided",
			}},
		}
	}

	tracks := stream.Tracks()
	if len(tracks) == 0 {
		return domain.StreamReport{
			Issues: []domain.Issue{{
				Code:     domain.IssueNoTracks,
				Severity: domain.SeverityCritical,
				Message:  "no tracks",
			}},
		}
	}

	var report domain.StreamReport
	for _, t := range tracks {
		switch t.Kind() {
		case domain.TrackKindVideo:
			report.VideoTrackCount++
			report.HasActiveVideo = report.HasActiveVideo || domain.IsActive(t)
		case domain.TrackKindAudio:
			report.AudioTrackCount++
			report.HasActiveAudio = report.HasActiveAudio || domain.IsActive(t)
		}
	}

	if report.VideoTrackCount > 0 && !report.HasActiveVideo {
		report.Issues = append(report.Issues, domain.Issue{
			Code:     domain.IssueInactiveVideo,
			Severity: domain.SeverityWarning,
			Message:  "video track present but not live and enabled",
		})
	}
	if report.AudioTrackCount > 0 && !report.HasActiveAudio {
		report.Issues = append(report.Issues, domain.Issue{
			Code:     domain.IssueInactiveAudio,
			Severity: domain.SeverityWarning,
			Message:  "audio track present but not live and enabled",
		})
	}

	report.IsValid = report.HasActiveVideo || report.HasActiveAudio
	return report
}

func (v *StreamValidator) ValidateVideoElement(target ports.RenderTarget) domain.VideoElementReport {
	if target == nil {
		return domain.VideoElementReport{
			Issues: []domain.Issue{{
				Code:     domain.IssueNoElement,
				Severity: domain.SeverityWarning,
				Message:  "no render target provided",
			}},
		}
	}

	state := target.RenderState()
	report := domain.VideoElementReport{
		HasSource:          state.Source != nil,
		IsPlaying:          !state.Paused && !state.Ended && state.ReadyState >= domain.HaveCurrentData,
		HasValidDimensions: state.Width > 0 && state.Height > 0,
	}

	if !report.HasSource {
		report.Issues = append(report.Issues, domain.Issue{
			Code:     domain.IssueNoSource,
			Severity: domain.SeverityWarning,
			Message:  "no source attached",
		})
	}
	if state.Paused || state.Ended {
		report.Issues = append(report.Issues, domain.Issue{
			Code:     domain.IssueNotPlaying,
			Severity: domain.SeverityWarning,
			Message:  "playback paused or ended",
		})
	}
	if state.ReadyState < domain.HaveCurrentData {
		report.Issues = append(report.Issues, domain.Issue{
			Code:     domain.IssueInsufficientData,
			Severity: domain.SeverityWarning,
			Message:  "not enough media buffered to render",
		})
	}
	if !report.HasValidDimensions {
		report.Issues = append(report.Issues, domain.Issue{
			Code:     domain.IssueZeroDimensions,
			Severity: domain.SeverityWarning,
			Message:  "rendered dimensions are zero",
		})
	}
	return report
}

// StreamMonitor samples stream health when asked to. It never polls on its
// own and logs only critical findings, rate limited.
type StreamMonitor struct {
	validator *StreamValidator
	logger    *zap.SugaredLogger
	limiter   *rate.Limiter

	mu         sync.Mutex
	suppressed int
}

func NewStreamMonitor(validator *StreamValidator, logger *zap.SugaredLogger) *StreamMonitor {
	return &StreamMonitor{
		validator: validator,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
}

// Check validates a stream and, when given, the target it renders into.
func (m *StreamMonitor) Check(peerID domain.ParticipantID, stream *domain.MediaStream, target ports.RenderTarget) (domain.StreamReport, *domain.VideoElementReport) {
	report := m.validator.ValidateStream(stream)

	var elementReport *domain.VideoElementReport
	if target != nil {
		r := m.validator.ValidateVideoElement(target)
		elementReport = &r
	}

	critical := report.Critical()
	if elementReport != nil {
		critical = append(critical, elementReport.Critical()...)
	}
	if len(critical) > 0 {
		m.logCritical(peerID, critical)
	}
	return report, elementReport
}

func (m *StreamMonitor) logCritical(peerID domain.ParticipantID, issues []domain.Issue) {
	m.mu.Lock()
	if !m.limiter.Allow() {
		m.suppressed++
		m.mu.Unlock()
		return
	}
	suppressed := m.suppressed
	m.suppressed = 0
	m.mu.Unlock()

	codes := make([]string, 0, len(issues))
	for _, i := range issues {
		codes = append(codes, string(i.Code))
	}
	m.logger.Warnw("critical stream issue",
		"peer_id", peerID,
		"issues", codes,
		"suppressed_since_last", suppressed,
	)
}
