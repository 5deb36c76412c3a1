package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// claimScript leases one member if it is due: its score moves to the lease
// deadline (ARGV[3]) and the payload stays. Only one caller sees it due, so
// a job runs on one process at a time; a crash before ack lets it run again
// once the lease ends.
var claimScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[2]) then
  return false
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
local payload = redis.call('HGET', KEYS[2], ARGV[1])
return payload or ''
`)

// ackScript removes a leased member unless it was rescheduled meanwhile.
var ackScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

/*
Keys:
  - {prefix}:jobs          ZSET member=kind|key score=run_at, or lease deadline while running (unix ms)
  - {prefix}:jobs:payload  HASH member -> job JSON
*/
type Redis struct {
	handlers

	cli    *redis.Client
	prefix string
	tick   time.Duration
	batch  int64
	lease  time.Duration
}

type RedisOptions struct {
	Prefix string
	Tick   time.Duration
	Batch  int64
	// Lease is how long a claimed job stays hidden from other workers
	// before it is considered abandoned.
	Lease time.Duration
}

func NewRedis(cli *redis.Client, log *zap.Logger, opt RedisOptions) *Redis {
	if opt.Prefix == "" {
		opt.Prefix = "gossiphub"
	}
	if opt.Tick <= 0 {
		opt.Tick = 250 * time.Millisecond
	}
	if opt.Batch <= 0 {
		opt.Batch = 100
	}
	if opt.Lease <= 0 {
		opt.Lease = 30 * time.Second
	}
	return &Redis{
		handlers: handlers{log: log},
		cli:      cli,
		prefix:   opt.Prefix,
		tick:     opt.Tick,
		batch:    opt.Batch,
		lease:    opt.Lease,
	}
}

func (r *Redis) zsetKey() string    { return r.prefix + ":jobs" }
func (r *Redis) payloadKey() string { return r.prefix + ":jobs:payload" }

func (r *Redis) Schedule(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	m := member(job.Kind, job.Key)
	_, err = r.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.payloadKey(), m, data)
		p.ZAdd(ctx, r.zsetKey(), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: m})
		return nil
	})
	return err
}

func (r *Redis) Cancel(ctx context.Context, kind, key string) (bool, error) {
	m := member(kind, key)
	var removed *redis.IntCmd
	_, err := r.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.ZRem(ctx, r.zsetKey(), m)
		p.HDel(ctx, r.payloadKey(), m)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (r *Redis) Run(ctx context.Context) error {
	t := time.NewTicker(r.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Warn("scheduler poll failed", zap.Error(err))
			}
		}
	}
}

// RunOnce claims and executes every job that is due now.
func (r *Redis) RunOnce(ctx context.Context) error {
	now := time.Now().UnixMilli()
	due, err := r.cli.ZRangeByScore(ctx, r.zsetKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: r.batch,
	}).Result()
	if err != nil {
		return err
	}

	for _, m := range due {
		job, deadline, ok, err := r.claim(ctx, m, now)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		r.dispatch(ctx, job, func(next Job) {
			if err := r.Schedule(ctx, next); err != nil {
				r.log.Error("reschedule failed", zap.String("member", m), zap.Error(err))
			}
		})
		if err := ackScript.Run(ctx, r.cli, r.keys(), m, deadline).Err(); err != nil {
			r.log.Warn("job ack failed, it will run again after its lease", zap.String("member", m), zap.Error(err))
		}
	}
	return nil
}

func (r *Redis) keys() []string { return []string{r.zsetKey(), r.payloadKey()} }

// claim leases m if it is due at now and returns the job with its lease
// deadline. ok is false when another worker holds it or it is not due.
func (r *Redis) claim(ctx context.Context, m string, now int64) (Job, int64, bool, error) {
	deadline := now + r.lease.Milliseconds()
	payload, err := claimScript.Run(ctx, r.cli, r.keys(), m, now, deadline).Text()
	if errors.Is(err, redis.Nil) {
		return Job{}, 0, false, nil
	}
	if err != nil {
		return Job{}, 0, false, err
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		r.log.Error("dropping undecodable job", zap.String("member", m), zap.Error(err))
		_ = ackScript.Run(ctx, r.cli, r.keys(), m, deadline).Err()
		return Job{}, 0, false, nil
	}
	return job, deadline, true, nil
}
