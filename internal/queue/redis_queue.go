package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shawnpdoherty/beaker/internal/config"
	"github.com/shawnpdoherty/beaker/internal/models"
)

// NewClient builds the Redis client shared by the queue and the rate limiter.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RecipeSetQueue holds recipe sets waiting for the scheduler, one ready list
// per priority, plus an in-flight set of recipe sets a scheduler has claimed.
type RecipeSetQueue struct {
	client        *redis.Client
	prefix        string
	inflightKey   string
	visibilityTTL time.Duration
}

func NewRecipeSetQueue(client *redis.Client, prefix string, visibility time.Duration) *RecipeSetQueue {
	if prefix == "" {
		prefix = "beaker"
	}
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	return &RecipeSetQueue{
		client:        client,
		prefix:        prefix,
		inflightKey:   prefix + ":recipesets:inflight",
		visibilityTTL: visibility,
	}
}

func (q *RecipeSetQueue) readyKey(p models.Priority) string {
	return fmt.Sprintf("%s:recipesets:ready:%s", q.prefix, strings.ToLower(p.String()))
}

func (q *RecipeSetQueue) metaKey(id string) string {
	return q.prefix + ":recipesets:meta:" + id
}

// readyKeys lists the ready lists from the highest priority down.
func (q *RecipeSetQueue) readyKeys() []string {
	levels := models.Priorities()
	keys := make([]string, 0, len(levels))
	for i := len(levels) - 1; i >= 0; i-- {
		keys = append(keys, q.readyKey(levels[i]))
	}
	return keys
}

// Enqueue makes a recipe set available to the scheduler.
func (q *RecipeSetQueue) Enqueue(ctx context.Context, recipeSetID int64, p models.Priority) error {
	id := strconv.FormatInt(recipeSetID, 10)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(id), "priority", int(p))
	pipe.RPush(ctx, q.readyKey(p), id)
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue moves a waiting recipe set to the ready list of a new priority.
// A recipe set the scheduler already claimed only has its priority noted.
func (q *RecipeSetQueue) Requeue(ctx context.Context, recipeSetID int64, p models.Priority) error {
	id := strconv.FormatInt(recipeSetID, 10)
	removed := make([]*redis.IntCmd, 0, len(models.Priorities()))
	pipe := q.client.TxPipeline()
	for _, key := range q.readyKeys() {
		removed = append(removed, pipe.LRem(ctx, key, 0, id))
	}
	pipe.HSet(ctx, q.metaKey(id), "priority", int(p))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	var waiting int64
	for _, c := range removed {
		waiting += c.Val()
	}
	if waiting == 0 {
		return nil
	}
	return q.client.RPush(ctx, q.readyKey(p), id).Err()
}

// Remove drops a recipe set from every list, e.g. once its job is cancelled.
func (q *RecipeSetQueue) Remove(ctx context.Context, recipeSetID int64) error {
	id := strconv.FormatInt(recipeSetID, 10)
	pipe := q.client.TxPipeline()
	for _, key := range q.readyKeys() {
		pipe.LRem(ctx, key, 0, id)
	}
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// DequeueWithLease pops the next recipe set, highest priority first, and
// tracks it as in flight until Ack or until the lease expires.
func (q *RecipeSetQueue) DequeueWithLease(ctx context.Context) (int64, bool, error) {
	keys := append(q.readyKeys(), q.inflightKey)
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	s, ok := res.(string)
	if !ok {
		return 0, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("bad recipe set id %q in queue: %w", s, err)
	}
	return id, true, nil
}

// Ack forgets a recipe set the scheduler has finished placing.
func (q *RecipeSetQueue) Ack(ctx context.Context, recipeSetID int64) error {
	id := strconv.FormatInt(recipeSetID, 10)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired returns recipe sets whose lease ran out to their ready list.
func (q *RecipeSetQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]int64, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	out := make([]int64, 0, len(ids))
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		p := models.DefaultPriority
		if v, err := q.client.HGet(ctx, q.metaKey(id), "priority").Int(); err == nil {
			p = models.Priority(v)
		}
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(p), id)
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadyDepth returns the total length of all ready lists.
func (q *RecipeSetQueue) ReadyDepth(ctx context.Context) (int64, error) {
	keys := q.readyKeys()
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(keys))
	for _, key := range keys {
		cmds = append(cmds, pipe.LLen(ctx, key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    return id
  end
end
return nil
`)
