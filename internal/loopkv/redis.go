package loopkv

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/noetl/noetl/pkg/api"
)

// Redis stores loop progress in hashes, one per loop epoch. The claim and
// increment operations run as Lua scripts so they are atomic across
// coordinators
type Redis struct {
	client *redis.Client
}

var _ KV = (*Redis)(nil)

// claimScript hands out the next iteration index, honoring the collection
// size and the in-flight bound. Returns −1 when no slot is available
var claimScript = redis.NewScript(`
local size = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('HSET', KEYS[1],
		'collection_size', size,
		'completed_count', 0,
		'scheduled_count', 0,
		'event_id', ARGV[3])
end
local sched = tonumber(redis.call('HGET', KEYS[1], 'scheduled_count') or '0')
local done = tonumber(redis.call('HGET', KEYS[1], 'completed_count') or '0')
if sched >= size then
	return -1
end
if max > 0 and sched - done >= max then
	return -1
end
redis.call('HINCRBY', KEYS[1], 'scheduled_count', 1)
return sched
`)

// incrScript bumps completed_count, returning −1 for an absent key
var incrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
return redis.call('HINCRBY', KEYS[1], 'completed_count', 1)
`)

// NewRedis creates a loop store on an existing Redis client. The caller
// owns the client and is responsible for closing it
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key Key) (*Progress, error) {
	fields, err := r.client.HGetAll(ctx, key.String()).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	p := &Progress{
		Iterator: fields["iterator"],
		Mode:     api.LoopMode(fields["mode"]),
	}
	p.CollectionSize, _ = strconv.Atoi(fields["collection_size"])
	p.CompletedCount, _ = strconv.Atoi(fields["completed_count"])
	p.ScheduledCount, _ = strconv.Atoi(fields["scheduled_count"])
	if id, err := api.ParseID(fields["event_id"]); err == nil {
		p.EventID = id
	}
	return p, nil
}

func (r *Redis) Set(ctx context.Context, key Key, p *Progress) error {
	if p == nil {
		return ErrProgressNil
	}
	return r.client.HSet(ctx, key.String(),
		"collection_size", p.CollectionSize,
		"completed_count", p.CompletedCount,
		"scheduled_count", p.ScheduledCount,
		"iterator", p.Iterator,
		"mode", string(p.Mode),
		"event_id", p.EventID.String(),
	).Err()
}

func (r *Redis) ClaimNextIndex(
	ctx context.Context, key Key, collectionSize, maxInFlight int,
) (int, bool, error) {
	res, err := claimScript.Run(
		ctx, r.client, []string{key.String()},
		collectionSize, maxInFlight, key.EventID.String(),
	).Int()
	if err != nil {
		return 0, false, err
	}
	if res < 0 {
		return 0, false, nil
	}
	return res, true, nil
}

func (r *Redis) IncrementCompleted(
	ctx context.Context, key Key,
) (int, error) {
	res, err := incrScript.Run(
		ctx, r.client, []string{key.String()},
	).Int()
	if err != nil {
		return 0, err
	}
	return res, nil
}

func (r *Redis) Delete(ctx context.Context, key Key) error {
	err := r.client.Del(ctx, key.String()).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
