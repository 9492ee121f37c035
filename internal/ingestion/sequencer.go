package ingestion

import (
	"sync"

	"PerpCustody/internal/ledger"
)

// Verdict is the sequencer's decision on one feed update.
type Verdict int

const (
	VerdictAccept Verdict = iota
	// VerdictAcceptGap is an accepted update that skipped publisher sequences.
	VerdictAcceptGap
	VerdictStale
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accepted"
	case VerdictAcceptGap:
		return "gap"
	default:
		return "stale"
	}
}

type feedCursor struct {
	publishTime int64
	sequence    int64
}

// FeedSequencer orders oracle updates per account. Older or equal publish
// times are stale and ignored. Sequence gaps are tolerated: a price feed only
// needs its latest value.
type FeedSequencer struct {
	mu      sync.Mutex
	cursors map[ledger.Pubkey]feedCursor
}

func NewFeedSequencer() *FeedSequencer {
	return &FeedSequencer{cursors: make(map[ledger.Pubkey]feedCursor)}
}

func (s *FeedSequencer) Observe(u FeedUpdate) Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cursors[u.Account]
	if ok && u.Feed.PublishTime <= cur.publishTime {
		return VerdictStale
	}
	s.cursors[u.Account] = feedCursor{publishTime: u.Feed.PublishTime, sequence: u.Sequence}

	if ok && u.Sequence != 0 && cur.sequence != 0 && u.Sequence > cur.sequence+1 {
		return VerdictAcceptGap
	}
	return VerdictAccept
}

// Last returns the newest accepted publish time for account.
func (s *FeedSequencer) Last(account ledger.Pubkey) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cursors[account]
	return cur.publishTime, ok
}
