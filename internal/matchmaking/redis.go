package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/pairchat/internal/models"
)

// Keys names the Redis structures. Queue, pair and report keys match the
// original deployment. Online is a sorted set scored by last heartbeat, so
// it uses its own key rather than the old plain set.
type Keys struct {
	Waiting  string
	Partners string
	Rooms    string
	Online   string
	Reports  string
}

var DefaultKeys = Keys{
	Waiting:  "waiting_queue",
	Partners: "partner_map",
	Rooms:    "room_map",
	Online:   "online_users_seen",
	Reports:  "reports",
}

// dissolve clears ARGV[1]'s pair and sets dropped to the old partner when
// that partner was still paired back.
const dissolve = `
local dropped = ''
local old = redis.call('HGET', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
if old and redis.call('HGET', KEYS[2], old) == ARGV[1] then
  redis.call('HDEL', KEYS[2], old)
  redis.call('HDEL', KEYS[3], old)
  dropped = old
end
`

// joinScript dissolves the caller's pair, then pops the head of the queue
// or enqueues the caller. It returns {partner, room, dropped} on a match
// and {"", position, dropped} otherwise.
var joinScript = redis.NewScript(dissolve + `
redis.call('LREM', KEYS[1], 0, ARGV[1])
local partner = redis.call('LPOP', KEYS[1])
if not partner then
  local pos = redis.call('RPUSH', KEYS[1], ARGV[1])
  return {'', pos, dropped}
end
local a, b = ARGV[1], partner
if b < a then a, b = b, a end
local room = 'room-' .. a .. '-' .. b
redis.call('HSET', KEYS[2], ARGV[1], partner, partner, ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], room, partner, room)
return {partner, room, dropped}
`)

// leaveScript clears both halves of a pair and returns the old partner.
var leaveScript = redis.NewScript(dissolve + `
return dropped
`)

// Redis is a Store shared by every relay instance using the same server.
type Redis struct {
	client redis.UniversalClient
	keys   Keys
	now    func() time.Time
}

var _ Store = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, keys Keys) *Redis {
	if keys == (Keys{}) {
		keys = DefaultKeys
	}
	return &Redis{client: client, keys: keys, now: time.Now}
}

func (r *Redis) Join(ctx context.Context, id string) (JoinResult, error) {
	res, err := joinScript.Run(ctx, r.client,
		[]string{r.keys.Waiting, r.keys.Partners, r.keys.Rooms}, id).Slice()
	if err != nil {
		return JoinResult{}, fmt.Errorf("join %s: %w", id, err)
	}
	if len(res) != 3 {
		return JoinResult{}, fmt.Errorf("join %s: unexpected script reply %v", id, res)
	}

	partner, _ := res[0].(string)
	dropped, _ := res[2].(string)
	if partner == "" {
		pos, _ := res[1].(int64)
		return JoinResult{Position: int(pos), Dropped: dropped}, nil
	}
	room, _ := res[1].(string)
	return JoinResult{Partner: partner, Room: room, Dropped: dropped}, nil
}

func (r *Redis) Partner(ctx context.Context, id string) (string, error) {
	partner, err := r.client.HGet(ctx, r.keys.Partners, id).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("partner of %s: %w", id, err)
	}
	return partner, nil
}

func (r *Redis) Leave(ctx context.Context, id string) (string, error) {
	// KEYS[1] is unused by the leave half; the shared snippet indexes from 2.
	partner, err := leaveScript.Run(ctx, r.client,
		[]string{r.keys.Waiting, r.keys.Partners, r.keys.Rooms}, id).Text()
	if err != nil {
		return "", fmt.Errorf("leave %s: %w", id, err)
	}
	return partner, nil
}

func (r *Redis) Disconnect(ctx context.Context, id string) (string, error) {
	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, r.keys.Waiting, 0, id)
	pipe.ZRem(ctx, r.keys.Online, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("disconnect %s: %w", id, err)
	}
	return r.Leave(ctx, id)
}

func (r *Redis) SetOnline(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	score := float64(r.now().Unix())
	members := make([]redis.Z, 0, len(ids))
	for _, id := range ids {
		members = append(members, redis.Z{Score: score, Member: id})
	}
	if err := r.client.ZAdd(ctx, r.keys.Online, members...).Err(); err != nil {
		return fmt.Errorf("mark %d online: %w", len(ids), err)
	}
	return nil
}

// OnlineCount prunes ids whose heartbeat is older than OnlineTTL first.
func (r *Redis) OnlineCount(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-OnlineTTL).Unix()
	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, r.keys.Online, "-inf", "("+strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, r.keys.Online)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("count online: %w", err)
	}
	return card.Val(), nil
}

func (r *Redis) SaveReport(ctx context.Context, report models.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.keys.Reports, data)
	pipe.LTrim(ctx, r.keys.Reports, 0, maxStoredReports-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (r *Redis) Reports(ctx context.Context, limit int) ([]models.Report, error) {
	limit = reportLimit(limit)
	raw, err := r.client.LRange(ctx, r.keys.Reports, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	reports := make([]models.Report, 0, len(raw))
	for _, item := range raw {
		var report models.Report
		if err := json.Unmarshal([]byte(item), &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}
