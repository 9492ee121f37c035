package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"PerpCustody/internal/errs"
	"PerpCustody/internal/ledger"
	"PerpCustody/internal/oracle"
)

// OracleSubjectPrefix precedes the hex oracle account in feed subjects.
const OracleSubjectPrefix = "perp.oracle."

// FeedUpdate is one parsed oracle message.
type FeedUpdate struct {
	Account ledger.Pubkey
	Feed    oracle.Feed
	// Sequence is the publisher's counter; zero when the producer sends none.
	Sequence int64
}

// DedupKey identifies the update for duplicate suppression.
func (u FeedUpdate) DedupKey() string {
	return fmt.Sprintf("%s:%d:%d", u.Account, u.Feed.PublishTime, u.Sequence)
}

// --- JSON wire format ---
// Field names use snake_case to match upstream producers.

type feedJSON struct {
	Price       uint64 `json:"price"`
	EMA         uint64 `json:"ema_price"`
	Conf        uint64  `json:"conf"`
	EMAConf     *uint64 `json:"ema_conf,omitempty"`
	Expo        int32   `json:"expo"`
	PublishTime int64   `json:"publish_time"`
	Sequence    int64   `json:"sequence"`
}

// OracleSubject is the subject feeds for account are published on.
func OracleSubject(account ledger.Pubkey) string {
	return OracleSubjectPrefix + account.String()
}

// ParseFeedUpdate converts a message on perp.oracle.<account> into a feed.
// The EMA and its confidence default to the spot values when the producer
// omits them.
func ParseFeedUpdate(subject string, data []byte) (FeedUpdate, error) {
	hexKey, ok := strings.CutPrefix(subject, OracleSubjectPrefix)
	if !ok {
		return FeedUpdate{}, fmt.Errorf("%w: subject %q is not an oracle subject", errs.ErrInvalidArgument, subject)
	}
	account, err := ledger.ParsePubkey(hexKey)
	if err != nil {
		return FeedUpdate{}, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}

	var j feedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return FeedUpdate{}, fmt.Errorf("parse feed: %w", err)
	}
	if j.Price == 0 {
		return FeedUpdate{}, fmt.Errorf("%w: zero price", errs.ErrInvalidArgument)
	}
	if j.PublishTime <= 0 {
		return FeedUpdate{}, fmt.Errorf("%w: publish_time %d", errs.ErrInvalidArgument, j.PublishTime)
	}
	if j.Expo > 0 || j.Expo < -18 {
		return FeedUpdate{}, fmt.Errorf("%w: expo %d", errs.ErrInvalidArgument, j.Expo)
	}
	if j.EMA == 0 {
		j.EMA = j.Price
	}
	emaConf := j.Conf
	if j.EMAConf != nil {
		emaConf = *j.EMAConf
	}

	return FeedUpdate{
		Account: account,
		Feed: oracle.Feed{
			Price:       j.Price,
			EMA:         j.EMA,
			Conf:        j.Conf,
			EMAConf:     emaConf,
			Expo:        j.Expo,
			PublishTime: j.PublishTime,
		},
		Sequence: j.Sequence,
	}, nil
}

// MarshalFeedUpdate is the inverse of ParseFeedUpdate. Used by feed
// producers and tests.
func MarshalFeedUpdate(u FeedUpdate) (subject string, data []byte, err error) {
	data, err = json.Marshal(feedJSON{
		Price:       u.Feed.Price,
		EMA:         u.Feed.EMA,
		Conf:        u.Feed.Conf,
		EMAConf:     &u.Feed.EMAConf,
		Expo:        u.Feed.Expo,
		PublishTime: u.Feed.PublishTime,
		Sequence:    u.Sequence,
	})
	if err != nil {
		return "", nil, fmt.Errorf("marshal feed: %w", err)
	}
	return OracleSubject(u.Account), data, nil
}
