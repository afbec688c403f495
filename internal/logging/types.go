package logging

import "time"

// #region topics
// Topic names an event kind in the event_log table.
type Topic string

const (
	TopicCreated      Topic = "created"
	TopicValueUpdated Topic = "value_updated"
	TopicViolated     Topic = "violated"
	TopicSettled      Topic = "settled"
	TopicEarlyExit    Topic = "early_exit"
	TopicAllocated    Topic = "allocated"
	TopicAttested     Topic = "attested"
	TopicFeesRecorded Topic = "fees_recorded"
	TopicDrawdown     Topic = "drawdown_recorded"
	TopicScored       Topic = "score_calculated"
	TopicAdmin        Topic = "admin"
	TopicError        Topic = "error"
)

// #endregion topics

// #region event-entry
// EventEntry is a single row in the event_log table.
type EventEntry struct {
	EventID      string
	CallID       string // correlates every event of one top-level call
	Contract     string // "ledger" | "compliance"
	Topic        Topic
	CommitmentID string
	Actor        string
	Payload      map[string]any
	ErrorCode    string // set only for TopicError
	LedgerTime   int64  // unix seconds from the injected clock
	CreatedAt    time.Time
}

// #endregion event-entry

// #region filter
// Filter narrows ListEvents. Zero values match everything.
type Filter struct {
	CommitmentID string
	Topic        Topic
	Limit        int
}

// #endregion filter
