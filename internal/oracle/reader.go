package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"PerpCustody/internal/errs"
	"PerpCustody/internal/ledger"
	fpmath "PerpCustody/internal/math"
)

// Kind selects how an oracle account is read.
type Kind uint8

const (
	KindNone Kind = iota
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindCustom:
		return "custom"
	default:
		return "none"
	}
}

// Params is the per-custody oracle configuration.
type Params struct {
	Account        ledger.Pubkey `json:"account"`
	Kind           Kind          `json:"kind"`
	MaxPriceError  uint64        `json:"max_price_error"` // confidence / price, in bps
	MaxPriceAgeSec uint32        `json:"max_price_age_sec"`
}

// Feed is the latest update published for an oracle account. Conf and
// EMAConf are the confidence intervals of Price and EMA.
type Feed struct {
	Price       uint64 `json:"price"`
	EMA         uint64 `json:"ema"`
	Conf        uint64 `json:"conf"`
	EMAConf     uint64 `json:"ema_conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// ErrFeedNotFound is returned by feed sources with nothing published for an account.
var ErrFeedNotFound = errors.New("oracle feed not found")

// FeedSource returns the most recent feed for an oracle account.
type FeedSource interface {
	LatestFeed(ctx context.Context, account ledger.Pubkey) (Feed, error)
}

// FeedStore is a FeedSource that ingestion can write to.
type FeedStore interface {
	FeedSource
	PutFeed(ctx context.Context, account ledger.Pubkey, feed Feed) error
}

// Read validates the current feed of p.Account at logical time now and returns
// the spot price, or the smoothed one when useEMA is set. The confidence
// checked is the one of the price returned.
func Read(ctx context.Context, src FeedSource, p Params, now int64, useEMA bool) (OraclePrice, error) {
	if p.Kind != KindCustom {
		return OraclePrice{}, fmt.Errorf("%w: %s", errs.ErrUnsupportedOracle, p.Kind)
	}

	feed, err := src.LatestFeed(ctx, p.Account)
	if err != nil {
		if errors.Is(err, ErrFeedNotFound) {
			return OraclePrice{}, fmt.Errorf("%w: %v", errs.ErrStaleOrInvalidPrice, err)
		}
		return OraclePrice{}, fmt.Errorf("read oracle %s: %w", p.Account, err)
	}

	age := now - feed.PublishTime
	if age < 0 {
		return OraclePrice{}, fmt.Errorf("%w: published %ds in the future", errs.ErrStaleOrInvalidPrice, -age)
	}
	if age > int64(p.MaxPriceAgeSec) {
		return OraclePrice{}, fmt.Errorf("%w: age %ds > max %ds", errs.ErrStaleOrInvalidPrice, age, p.MaxPriceAgeSec)
	}

	price, conf := feed.Price, feed.Conf
	if useEMA {
		price, conf = feed.EMA, feed.EMAConf
	}
	if price == 0 {
		return OraclePrice{}, fmt.Errorf("%w: zero price", errs.ErrStaleOrInvalidPrice)
	}

	confBps, err := fpmath.CheckedMulDiv(conf, fpmath.BPSPower, price)
	if err != nil || confBps > p.MaxPriceError {
		return OraclePrice{}, fmt.Errorf("%w: confidence %d bps > max %d bps", errs.ErrStaleOrInvalidPrice, confBps, p.MaxPriceError)
	}

	return OraclePrice{Price: price, Exponent: feed.Expo}, nil
}

// MemoryFeedStore keeps feeds in process memory.
type MemoryFeedStore struct {
	mu    sync.RWMutex
	feeds map[ledger.Pubkey]Feed
}

func NewMemoryFeedStore() *MemoryFeedStore {
	return &MemoryFeedStore{feeds: make(map[ledger.Pubkey]Feed)}
}

func (s *MemoryFeedStore) LatestFeed(_ context.Context, account ledger.Pubkey) (Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.feeds[account]
	if !ok {
		return Feed{}, fmt.Errorf("%w: %s", ErrFeedNotFound, account)
	}
	return f, nil
}

// PutFeed stores feed unless a newer one is already present.
func (s *MemoryFeedStore) PutFeed(_ context.Context, account ledger.Pubkey, feed Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.feeds[account]; ok && cur.PublishTime > feed.PublishTime {
		return nil
	}
	s.feeds[account] = feed
	return nil
}
