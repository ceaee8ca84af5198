package store

// SessionStatus mirrors the Session.status enum in the schema.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionCompleted   SessionStatus = "completed"
	SessionInterrupted SessionStatus = "interrupted"
)

// Source mirrors the Segment.source enum in the schema.
type Source string

const (
	SourceMicrophone  Source = "microphone"
	SourceSystemAudio Source = "system_audio"
)

// SummaryType mirrors the Summary.summary_type enum.
type SummaryType string

const (
	SummaryRolling SummaryType = "rolling"
	SummaryFinal   SummaryType = "final"
)

// Session is one recording session.
type Session struct {
	ID        string
	Locale    string
	StartedAt float64
	EndedAt   *float64
	Title     *string
	Status    SessionStatus
	CreatedAt float64
}

// Segment is one finalized piece of transcript text.
type Segment struct {
	ID             string
	SessionID      string
	Text           string
	StartedAt      float64
	EndedAt        float64
	Confidence     *float64
	SequenceNumber int
	Source         Source
	CreatedAt      float64
}

// Summary is an audit record of a rolling or final summarization run.
type Summary struct {
	ID                string
	SessionID         string
	Content           string
	SummaryType       SummaryType
	SegmentRangeStart int
	SegmentRangeEnd   int
	ModelID           string
	CreatedAt         float64
}

// Topic is the coordinator's current-best understanding of one thread of
// conversation within a session.
type Topic struct {
	ID                string
	SessionID         string
	Title             string
	Summary           string
	SegmentRangeStart int
	SegmentRangeEnd   int
	CreatedAt         float64
}
