package cache

import (
	"context"
	"fmt"
	"strconv"

	"PerpCustody/internal/ledger"
	"PerpCustody/internal/oracle"

	"github.com/redis/go-redis/v9"
)

// putFeedScript writes the feed hash unless the stored one is newer.
var putFeedScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'publish_time')
if cur and tonumber(cur) > tonumber(ARGV[5]) then
    return 0
end
redis.call('HSET', KEYS[1], 'price', ARGV[1], 'ema', ARGV[2], 'conf', ARGV[3], 'expo', ARGV[4], 'publish_time', ARGV[5], 'ema_conf', ARGV[6])
return 1
`)

// RedisFeedStore keeps the latest oracle feed per oracle account so that
// several engine replicas and the feed publisher share one view of prices.
//
// Key schema:
//
//	perpcustody:feed:{account} - hash with price, ema, conf, ema_conf, expo, publish_time
type RedisFeedStore struct {
	rdb redis.UniversalClient
}

func NewRedisFeedStore(rdb redis.UniversalClient) *RedisFeedStore {
	return &RedisFeedStore{rdb: rdb}
}

func feedKey(account ledger.Pubkey) string { return "perpcustody:feed:" + account.String() }

// PutFeed stores feed unless a newer one is already present.
func (s *RedisFeedStore) PutFeed(ctx context.Context, account ledger.Pubkey, feed oracle.Feed) error {
	err := putFeedScript.Run(ctx, s.rdb, []string{feedKey(account)},
		strconv.FormatUint(feed.Price, 10),
		strconv.FormatUint(feed.EMA, 10),
		strconv.FormatUint(feed.Conf, 10),
		strconv.FormatInt(int64(feed.Expo), 10),
		strconv.FormatInt(feed.PublishTime, 10),
		strconv.FormatUint(feed.EMAConf, 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: put feed %s: %w", account, err)
	}
	return nil
}

func (s *RedisFeedStore) LatestFeed(ctx context.Context, account ledger.Pubkey) (oracle.Feed, error) {
	vals, err := s.rdb.HGetAll(ctx, feedKey(account)).Result()
	if err != nil {
		return oracle.Feed{}, fmt.Errorf("redis: get feed %s: %w", account, err)
	}
	if len(vals) == 0 {
		return oracle.Feed{}, fmt.Errorf("%w: %s", oracle.ErrFeedNotFound, account)
	}
	return parseFeed(vals)
}

func parseFeed(vals map[string]string) (oracle.Feed, error) {
	var (
		f   oracle.Feed
		err error
	)
	uints := []struct {
		field string
		dst   *uint64
	}{{"price", &f.Price}, {"ema", &f.EMA}, {"conf", &f.Conf}}
	for _, u := range uints {
		if *u.dst, err = strconv.ParseUint(vals[u.field], 10, 64); err != nil {
			return oracle.Feed{}, fmt.Errorf("redis: parse feed %s: %w", u.field, err)
		}
	}
	// Hashes written before ema_conf existed carry only conf.
	f.EMAConf = f.Conf
	if s, ok := vals["ema_conf"]; ok {
		if f.EMAConf, err = strconv.ParseUint(s, 10, 64); err != nil {
			return oracle.Feed{}, fmt.Errorf("redis: parse feed ema_conf: %w", err)
		}
	}
	expo, err := strconv.ParseInt(vals["expo"], 10, 32)
	if err != nil {
		return oracle.Feed{}, fmt.Errorf("redis: parse feed expo: %w", err)
	}
	f.Expo = int32(expo)
	if f.PublishTime, err = strconv.ParseInt(vals["publish_time"], 10, 64); err != nil {
		return oracle.Feed{}, fmt.Errorf("redis: parse feed publish_time: %w", err)
	}
	return f, nil
}

var _ oracle.FeedStore = (*RedisFeedStore)(nil)
