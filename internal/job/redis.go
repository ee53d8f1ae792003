package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. Everything lives under the px: prefix so one Redis
// can be shared with other services.
const (
	keyJobPrefix       = "px:job:"
	keyJobs            = "px:jobs"
	keyQueue           = "px:queue:jobs"
	keyClaimPrefix     = "px:claim:"
	keyClaimEpoch      = "px:claim_epoch"
	keyActiveJobs      = "px:active_jobs"
	keyMergeLockPrefix = "px:lock:merge:"
	keyHeartbeatPrefix = "px:worker:heartbeat:"
	keyIdemPrefix      = "px:idem:"
)

const updateRetries = 16

// incrActiveScript admits a job only while the active counter is under
// the limit; check and increment must be one atomic step or two API
// nodes can both admit the last slot.
var incrActiveScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local max = tonumber(ARGV[1])
if max > 0 and cur >= max then
  return 0
end
redis.call('INCR', KEYS[1])
return 1
`)

// decrActiveScript floors the counter at zero so a double release can
// never go negative and admit extra jobs.
var decrActiveScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur > 0 then
  redis.call('DECR', KEYS[1])
end
return cur
`)

// compareDelScript deletes a key only while it still holds the expected
// value, the usual safe-unlock pattern.
var compareDelScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is the distributed Backend. One API process and any number of
// worker processes share job state through it.
type Redis struct {
	rdb *redis.Client
}

// NewRedis creates the backend from a redis:// URL.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{rdb: redis.NewClient(opts)}, nil
}

// NewRedisFromClient wraps an existing client (used by tests).
func NewRedisFromClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Ping verifies connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func jobKey(id string) string { return keyJobPrefix + id }

func claimKey(ref SegmentRef) string { return keyClaimPrefix + ref.String() }

func (r *Redis) CreateJob(ctx context.Context, j *Job) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	ok, err := r.rdb.SetNX(ctx, jobKey(j.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobExists, j.ID)
	}
	if err := r.rdb.SAdd(ctx, keyJobs, j.ID).Err(); err != nil {
		return fmt.Errorf("index job: %w", err)
	}
	return nil
}

func (r *Redis) GetJob(ctx context.Context, id string) (*Job, error) {
	raw, err := r.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("load job: %w", err)
	}
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

// UpdateJob runs an optimistic WATCH/MULTI loop: read, apply fn, write
// only if the key did not change underneath. Contention with a worker
// committing another segment just retries.
func (r *Redis) UpdateJob(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	var updated *Job
	key := jobKey(id)

	for attempt := 0; attempt < updateRetries; attempt++ {
		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return fmt.Errorf("%w: %s", ErrJobNotFound, id)
				}
				return err
			}
			var j Job
			if err := json.Unmarshal(raw, &j); err != nil {
				return fmt.Errorf("decode job %s: %w", id, err)
			}
			if err := fn(&j); err != nil {
				return err
			}
			j.UpdatedAt = time.Now().UTC()
			payload, err := json.Marshal(&j)
			if err != nil {
				return fmt.Errorf("encode job: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				return nil
			})
			if err != nil {
				return err
			}
			updated = &j
			return nil
		}, key)

		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update job %s: too much contention", id)
}

func (r *Redis) ListJobIDs(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, keyJobs).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return ids, nil
}

func (r *Redis) DeleteJob(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, jobKey(id)).Err(); err != nil {
		return err
	}
	if err := r.rdb.SRem(ctx, keyJobs, id).Err(); err != nil {
		return err
	}
	iter := r.rdb.Scan(ctx, 0, keyClaimPrefix+id+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *Redis) Enqueue(ctx context.Context, refs ...SegmentRef) error {
	if len(refs) == 0 {
		return nil
	}
	values := make([]interface{}, len(refs))
	for i, ref := range refs {
		values[i] = ref.String()
	}
	return r.rdb.RPush(ctx, keyQueue, values...).Err()
}

func (r *Redis) Dequeue(ctx context.Context, timeout time.Duration) (SegmentRef, bool, error) {
	res, err := r.rdb.BLPop(ctx, timeout, keyQueue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return SegmentRef{}, false, nil
		}
		return SegmentRef{}, false, err
	}
	// BLPOP returns [key, value].
	ref, err := ParseSegmentRef(res[1])
	if err != nil {
		return SegmentRef{}, false, err
	}
	return ref, true, nil
}

func (r *Redis) QueueLen(ctx context.Context) (int, error) {
	n, err := r.rdb.LLen(ctx, keyQueue).Result()
	return int(n), err
}

func (r *Redis) Claim(ctx context.Context, ref SegmentRef, workerID string, ttl time.Duration) (int64, bool, error) {
	epoch, err := r.rdb.Incr(ctx, keyClaimEpoch).Result()
	if err != nil {
		return 0, false, fmt.Errorf("claim epoch: %w", err)
	}
	value := workerID + ":" + strconv.FormatInt(epoch, 10)
	ok, err := r.rdb.SetNX(ctx, claimKey(ref), value, ttl).Result()
	if err != nil {
		return 0, false, fmt.Errorf("claim %s: %w", ref, err)
	}
	if !ok {
		return 0, false, nil
	}
	return epoch, true, nil
}

func (r *Redis) ValidateClaim(ctx context.Context, ref SegmentRef, epoch int64) (bool, error) {
	value, err := r.rdb.Get(ctx, claimKey(ref)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	_, got, found := strings.Cut(value, ":")
	if !found {
		return false, nil
	}
	current, err := strconv.ParseInt(got, 10, 64)
	if err != nil {
		return false, nil
	}
	return current == epoch, nil
}

func (r *Redis) ReleaseClaim(ctx context.Context, ref SegmentRef, epoch int64) error {
	value, err := r.rdb.Get(ctx, claimKey(ref)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if !strings.HasSuffix(value, ":"+strconv.FormatInt(epoch, 10)) {
		return nil
	}
	return compareDelScript.Run(ctx, r.rdb, []string{claimKey(ref)}, value).Err()
}

func (r *Redis) TryMergeLock(ctx context.Context, jobID string, ttl time.Duration) (func(), bool, error) {
	key := keyMergeLockPrefix + jobID
	token := strconv.FormatInt(time.Now().UnixNano(), 36)
	ok, err := r.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("merge lock %s: %w", jobID, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = compareDelScript.Run(ctx, r.rdb, []string{key}, token).Err()
	}
	return release, true, nil
}

func (r *Redis) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	return r.rdb.Set(ctx, keyHeartbeatPrefix+workerID, time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

func (r *Redis) WorkersOnline(ctx context.Context) (int, error) {
	count := 0
	iter := r.rdb.Scan(ctx, 0, keyHeartbeatPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan heartbeats: %w", err)
	}
	return count, nil
}

func (r *Redis) IncrActive(ctx context.Context, max int) (bool, error) {
	granted, err := incrActiveScript.Run(ctx, r.rdb, []string{keyActiveJobs}, max).Int()
	if err != nil {
		return false, fmt.Errorf("active counter: %w", err)
	}
	return granted == 1, nil
}

func (r *Redis) DecrActive(ctx context.Context) error {
	return decrActiveScript.Run(ctx, r.rdb, []string{keyActiveJobs}).Err()
}

func (r *Redis) Idempotency(ctx context.Context, key, jobID string, ttl time.Duration) (string, bool, error) {
	redisKey := keyIdemPrefix + key
	ok, err := r.rdb.SetNX(ctx, redisKey, jobID, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("idempotency: %w", err)
	}
	if ok {
		return jobID, true, nil
	}
	existing, err := r.rdb.Get(ctx, redisKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Key expired between SETNX and GET; treat as fresh.
			return jobID, true, r.rdb.Set(ctx, redisKey, jobID, ttl).Err()
		}
		return "", false, fmt.Errorf("idempotency: %w", err)
	}
	return existing, false, nil
}
