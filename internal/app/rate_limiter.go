/**
 * @description
 * Redis-backed donation throttling. Each (campaign, contributor) pair keeps a sorted
 * set of recent donation timestamps; a donation is admitted while fewer than `limit`
 * entries fall inside the sliding window. Rejected attempts are not recorded, so a
 * throttled donor regains capacity as soon as their oldest admitted donation ages out.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Script execution against Redis.
 * - github.com/google/uuid: Unique members for donations admitted in the same millisecond.
 */

package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const donationRateWindow = time.Minute

// KEYS[1] window key; ARGV: now ms, window ms, limit, member.
// Returns {1, 0} when admitted, {0, retry_after_ms} when throttled.
var donationWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) >= limit then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  return {0, tonumber(oldest[2]) + window - now}
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return {1, 0}
`)

// RedisDonationRateLimiter implements DonationRateLimiter on a shared Redis.
type RedisDonationRateLimiter struct {
	client redis.Scripter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisDonationRateLimiter admits at most limitPerMinute donations per
// contributor and campaign. A non-positive limit disables throttling.
func NewRedisDonationRateLimiter(client redis.Scripter, prefix string, limitPerMinute int) *RedisDonationRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "crowdfunding:rate_limit"
	}
	return &RedisDonationRateLimiter{
		client: client,
		prefix: prefix,
		limit:  limitPerMinute,
		window: donationRateWindow,
		now:    time.Now,
	}
}

func (r *RedisDonationRateLimiter) windowKey(campaignID uuid.UUID, contributor string) string {
	return fmt.Sprintf("%s:donation:%s:%s", r.prefix, campaignID, contributor)
}

// AllowDonation records the donation attempt when it fits the window and
// otherwise reports how long the contributor has to wait.
func (r *RedisDonationRateLimiter) AllowDonation(ctx context.Context, campaignID uuid.UUID, contributor string) (time.Duration, error) {
	if r == nil || r.client == nil || r.limit <= 0 {
		return 0, nil
	}

	nowMs := r.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())
	raw, err := donationWindowScript.Run(ctx, r.client,
		[]string{r.windowKey(campaignID, contributor)},
		nowMs, r.window.Milliseconds(), r.limit, member,
	).Result()
	if err != nil {
		return 0, fmt.Errorf("donation window script: %w", err)
	}
	return parseDonationWindowReply(raw)
}

func parseDonationWindowReply(raw interface{}) (time.Duration, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, fmt.Errorf("unexpected donation window reply: %T %v", raw, raw)
	}
	admitted, ok := values[0].(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected donation window admission type: %T", values[0])
	}
	retryMs, ok := values[1].(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected donation window retry type: %T", values[1])
	}
	if admitted == 1 {
		return 0, nil
	}
	if retryMs < 1 {
		retryMs = 1
	}
	return time.Duration(retryMs) * time.Millisecond, nil
}
