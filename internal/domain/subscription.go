package domain

import "time"

// Subscription describes one live connection's interest set.
// Empty Tickers or Resolutions means "all".
type Subscription struct {
	ConnectionID string
	UserID       string // optional
	Tickers      map[string]bool
	Resolutions  map[Resolution]bool
	LastEventID  uint64 // client-presented resume point
	ConnectedAt  time.Time
}

// NewSubscription builds a subscription from raw filter lists, dropping
// unknown resolutions.
func NewSubscription(connID, userID string, tickers []string, resolutions []string, lastEventID uint64) *Subscription {
	s := &Subscription{
		ConnectionID: connID,
		UserID:       userID,
		Tickers:      make(map[string]bool, len(tickers)),
		Resolutions:  make(map[Resolution]bool, len(resolutions)),
		LastEventID:  lastEventID,
		ConnectedAt:  time.Now().UTC(),
	}
	for _, t := range tickers {
		if t != "" {
			s.Tickers[t] = true
		}
	}
	for _, raw := range resolutions {
		if r, ok := ParseResolution(raw); ok {
			s.Resolutions[r] = true
		}
	}
	return s
}

// Matches reports whether a notification passes the subscription's
// ticker/resolution filters.
func (s *Subscription) Matches(n *Notification) bool {
	if len(s.Tickers) > 0 && !s.Tickers[n.Ticker] {
		return false
	}
	if len(s.Resolutions) > 0 && !s.Resolutions[n.Resolution] {
		return false
	}
	return true
}
