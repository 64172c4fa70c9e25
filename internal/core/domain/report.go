package domain

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

type IssueCode string

const (
	IssueNoStream         IssueCode = "no_stream"
	IssueNoTracks         IssueCode = "no_tracks"
	IssueInactiveVideo    IssueCode = "inactive_video"
	IssueInactiveAudio    IssueCode = "inactive_audio"
	IssueNoElement        IssueCode = "no_element"
	IssueNoSource         IssueCode = "no_source"
	IssueNotPlaying       IssueCode = "not_playing"
	IssueInsufficientData IssueCode = "insufficient_data"
	IssueZeroDimensions   IssueCode = "zero_dimensions"
)

// Issue is one finding of a validation pass.
type Issue struct {
	Code     IssueCode
	Severity Severity
	Message  string
}

func criticalOf(issues []Issue) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.Severity == SeverityCritical {
			out = append(out, i)
		}
	}
	return out
}

func hasIssue(issues []Issue, code IssueCode) bool {
	for _, i := range issues {
		if i.Code == code {
			return true
		}
	}
	return false
}

// StreamReport is the result of validating a media stream.
type StreamReport struct {
	IsValid         bool
	HasActiveVideo  bool
	HasActiveAudio  bool
	VideoTrackCount int
	AudioTrackCount int
	Issues          []Issue
}

func (r StreamReport) Critical() []Issue         { return criticalOf(r.Issues) }
func (r StreamReport) HasIssue(c IssueCode) bool { return hasIssue(r.Issues, c) }

// MediaReadyState mirrors how much media a render target has buffered.
type MediaReadyState int

const (
	HaveNothing MediaReadyState = iota
	HaveMetadata
	HaveCurrentData
	HaveFutureData
	HaveEnoughData
)

// RenderState is a snapshot of a render target such as a video element.
type RenderState struct {
	Source     *MediaStream
	Paused     bool
	Ended      bool
	ReadyState MediaReadyState
	Width      int
	Height     int
}

// VideoElementReport is the result of validating a render target.
type VideoElementReport struct {
	HasSource          bool
	IsPlaying          bool
	HasValidDimensions bool
	Issues             []Issue
}

func (r VideoElementReport) Critical() []Issue         { return criticalOf(r.Issues) }
func (r VideoElementReport) HasIssue(c IssueCode) bool { return hasIssue(r.Issues, c) }
