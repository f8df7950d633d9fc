package budget

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

// reserveLua checks the hard limits and reserves in one step.
// ARGV: tokens, cost, maxTokens, maxCost, ttlSeconds, nowUnixMilli.
var reserveLua = redis.NewScript(`
	local key = KEYS[1]
	local tokens = tonumber(ARGV[1])
	local cost = tonumber(ARGV[2])
	local maxTokens = tonumber(ARGV[3])
	local maxCost = tonumber(ARGV[4])
	local tu = tonumber(redis.call('HGET', key, 'tokens_used') or '0')
	local tr = tonumber(redis.call('HGET', key, 'tokens_reserved') or '0')
	local cu = tonumber(redis.call('HGET', key, 'cost_used') or '0')
	local cr = tonumber(redis.call('HGET', key, 'cost_reserved') or '0')
	local ok = 1
	if maxTokens > 0 and tu + tr + tokens > maxTokens then ok = 0 end
	if maxCost > 0 and cu + cr + cost > maxCost + 1e-9 then ok = 0 end
	if ok == 1 then
		tr = redis.call('HINCRBY', key, 'tokens_reserved', ARGV[1])
		cr = redis.call('HINCRBYFLOAT', key, 'cost_reserved', ARGV[2])
		redis.call('HSET', key, 'updated_at', ARGV[6])
		if tonumber(ARGV[5]) > 0 then redis.call('EXPIRE', key, ARGV[5]) end
	end
	return {ok, tostring(tu), tostring(cu), tostring(tr), tostring(cr), redis.call('HGET', key, 'updated_at') or '0'}
`)

// settleLua releases a reservation and charges the actual amount.
// ARGV: -reservedTokens, -reservedCost, actualTokens, actualCost, ttlSeconds, nowUnixMilli.
var settleLua = redis.NewScript(`
	local key = KEYS[1]
	local tr = redis.call('HINCRBY', key, 'tokens_reserved', ARGV[1])
	if tr < 0 then
		redis.call('HSET', key, 'tokens_reserved', 0)
		tr = 0
	end
	local cr = redis.call('HINCRBYFLOAT', key, 'cost_reserved', ARGV[2])
	if tonumber(cr) < 1e-12 then
		redis.call('HSET', key, 'cost_reserved', 0)
		cr = '0'
	end
	local tu = redis.call('HINCRBY', key, 'tokens_used', ARGV[3])
	local cu = redis.call('HINCRBYFLOAT', key, 'cost_used', ARGV[4])
	redis.call('HSET', key, 'updated_at', ARGV[6])
	if tonumber(ARGV[5]) > 0 then redis.call('EXPIRE', key, ARGV[5]) end
	return {1, tostring(tu), tostring(cu), tostring(tr), tostring(cr), ARGV[6]}
`)

// RedisStore shares session usage between orchestrator instances. Each
// session is one hash; the Lua scripts make reserve and settle atomic.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a RedisStore. Session hashes expire ttl after their
// last update; zero keeps them until Clear.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "aura"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (r *RedisStore) key(sessionID string) string {
	return fmt.Sprintf("%s:budget:%s", r.prefix, sessionID)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 10, 64)
}

// Reserve implements Store.
func (r *RedisStore) Reserve(ctx context.Context, sessionID string, amt Amount, lim Limits) (models.SessionUsage, bool, error) {
	res, err := reserveLua.Run(ctx, r.client, []string{r.key(sessionID)},
		amt.Tokens, formatFloat(amt.Cost), lim.MaxTokens, formatFloat(lim.MaxCost),
		int64(r.ttl/time.Second), r.now().UnixMilli()).Slice()
	if err != nil {
		return models.SessionUsage{}, false, fmt.Errorf("budget: reserve %s: %w", sessionID, err)
	}
	u, ok, err := parseScriptResult(sessionID, res)
	if err != nil {
		return models.SessionUsage{}, false, err
	}
	return u, ok, nil
}

// Settle implements Store.
func (r *RedisStore) Settle(ctx context.Context, sessionID string, reserved, actual Amount) (models.SessionUsage, error) {
	if actual.Tokens < 0 {
		actual.Tokens = 0
	}
	if actual.Cost < 0 {
		actual.Cost = 0
	}
	res, err := settleLua.Run(ctx, r.client, []string{r.key(sessionID)},
		-reserved.Tokens, formatFloat(-reserved.Cost), actual.Tokens, formatFloat(actual.Cost),
		int64(r.ttl/time.Second), r.now().UnixMilli()).Slice()
	if err != nil {
		return models.SessionUsage{}, fmt.Errorf("budget: settle %s: %w", sessionID, err)
	}
	u, _, err := parseScriptResult(sessionID, res)
	return u, err
}

// Usage implements Store.
func (r *RedisStore) Usage(ctx context.Context, sessionID string) (models.SessionUsage, error) {
	vals, err := r.client.HGetAll(ctx, r.key(sessionID)).Result()
	if err != nil {
		return models.SessionUsage{}, fmt.Errorf("budget: usage %s: %w", sessionID, err)
	}
	u := models.SessionUsage{SessionID: sessionID}
	u.TokensUsed, _ = strconv.ParseInt(vals["tokens_used"], 10, 64)
	u.TokensReserved, _ = strconv.ParseInt(vals["tokens_reserved"], 10, 64)
	u.CostUsed, _ = strconv.ParseFloat(vals["cost_used"], 64)
	u.CostReserved, _ = strconv.ParseFloat(vals["cost_reserved"], 64)
	if ms, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil && ms > 0 {
		u.UpdatedAt = time.UnixMilli(ms)
	}
	return u, nil
}

// Sessions implements Store.
func (r *RedisStore) Sessions(ctx context.Context) ([]models.SessionUsage, error) {
	prefix := r.key("")
	var ids []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("budget: scan sessions: %w", err)
	}
	sort.Strings(ids)

	out := make([]models.SessionUsage, 0, len(ids))
	for _, id := range ids {
		u, err := r.Usage(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// Clear implements Store.
func (r *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("budget: clear %s: %w", sessionID, err)
	}
	return nil
}

// parseScriptResult decodes {ok, tokensUsed, costUsed, tokensReserved, costReserved, updatedAt}.
func parseScriptResult(sessionID string, res []any) (models.SessionUsage, bool, error) {
	if len(res) != 6 {
		return models.SessionUsage{}, false, fmt.Errorf("budget: unexpected script result length %d", len(res))
	}
	ok, _ := res[0].(int64)
	str := func(i int) string {
		s, _ := res[i].(string)
		return s
	}
	u := models.SessionUsage{SessionID: sessionID}
	var err error
	if u.TokensUsed, err = parseInt(str(1)); err != nil {
		return u, false, err
	}
	if u.CostUsed, err = strconv.ParseFloat(str(2), 64); err != nil {
		return u, false, fmt.Errorf("budget: parse cost_used %q: %w", str(2), err)
	}
	if u.TokensReserved, err = parseInt(str(3)); err != nil {
		return u, false, err
	}
	if u.CostReserved, err = strconv.ParseFloat(str(4), 64); err != nil {
		return u, false, fmt.Errorf("budget: parse cost_reserved %q: %w", str(4), err)
	}
	if ms, err := strconv.ParseInt(str(5), 10, 64); err == nil && ms > 0 {
		u.UpdatedAt = time.UnixMilli(ms)
	}
	return u, ok == 1, nil
}

// parseInt accepts Lua's float rendering of whole numbers ("12" or "12.0").
func parseInt(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("budget: parse integer %q: %w", s, err)
	}
	return int64(f), nil
}
