package domain

import (
	"errors"
	"fmt"
)

// Label represents the discrete sentiment classification of one article.
type Label string

const (
	LabelPositive Label = "positive"
	LabelNeutral  Label = "neutral"
	LabelNegative Label = "negative"
)

// IsValid checks if the label is a valid value.
func (l Label) IsValid() bool {
	return l == LabelPositive || l == LabelNeutral || l == LabelNegative
}

// String returns the string representation of Label.
func (l Label) String() string {
	return string(l)
}

// ErrMalformedEvent is returned when an inbound event fails validation.
// Malformed events are rejected immediately and never retried.
var ErrMalformedEvent = errors.New("malformed event")

// Event is one scored sentiment observation for a ticker, produced by the
// upstream analysis collaborator. ID must be stable across redeliveries so
// the write path can deduplicate at-least-once submissions.
type Event struct {
	ID     string  `json:"event_id"`
	Ticker string  `json:"ticker"`
	Score  float64 `json:"score"` // in [-1.0, 1.0]
	Label  Label   `json:"label"`
	Source string  `json:"source"`
	Time   int64   `json:"time"` // Unix seconds
}

// Validate checks event invariants at the ingestion boundary.
// All violations wrap ErrMalformedEvent.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing event_id", ErrMalformedEvent)
	}
	if e.Ticker == "" {
		return fmt.Errorf("%w: missing ticker", ErrMalformedEvent)
	}
	if e.Score < -1.0 || e.Score > 1.0 {
		return fmt.Errorf("%w: score %v out of [-1,1]", ErrMalformedEvent, e.Score)
	}
	if !e.Label.IsValid() {
		return fmt.Errorf("%w: unknown label %q", ErrMalformedEvent, e.Label)
	}
	if e.Source == "" {
		return fmt.Errorf("%w: missing source", ErrMalformedEvent)
	}
	if e.Time <= 0 {
		return fmt.Errorf("%w: missing time", ErrMalformedEvent)
	}
	return nil
}
