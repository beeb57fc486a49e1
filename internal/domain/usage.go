package domain

import "time"

// UsageLog records what one successful run consumed.
type UsageLog struct {
	JobID             string
	QuestionsAnswered int
	FallbackAnswers   int
	SentinelAnswers   int
	ComputeTimeMS     int64
	CreatedAt         time.Time
}
