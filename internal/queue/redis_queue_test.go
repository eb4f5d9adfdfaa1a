package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawnpdoherty/beaker/internal/models"
)

func newQueue(t *testing.T) (*RecipeSetQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRecipeSetQueue(client, "test", time.Minute), mr
}

func TestDequeueHighestPriorityFirst(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, 1, models.PriorityLow))
	require.NoError(t, q.Enqueue(ctx, 2, models.PriorityUrgent))
	require.NoError(t, q.Enqueue(ctx, 3, models.PriorityNormal))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)

	var order []int64
	for {
		id, ok, err := q.DequeueWithLease(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, id)
	}
	assert.Equal(t, []int64{2, 3, 1}, order)
}

func TestRequeueMovesWaitingRecipeSet(t *testing.T) {
	ctx := context.Background()
	q, mr := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, 7, models.PriorityNormal))
	require.NoError(t, q.Requeue(ctx, 7, models.PriorityLow))

	low, err := mr.List("test:recipesets:ready:low")
	require.NoError(t, err)
	assert.Equal(t, []string{"7"}, low)
	assert.Zero(t, q.client.LLen(ctx, "test:recipesets:ready:normal").Val())
}

func TestRequeueLeavesClaimedRecipeSetAlone(t *testing.T) {
	ctx := context.Background()
	q, mr := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, 7, models.PriorityNormal))
	_, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Requeue(ctx, 7, models.PriorityHigh))
	assert.Zero(t, q.client.LLen(ctx, "test:recipesets:ready:high").Val())
	assert.Equal(t, "3", mr.HGet("test:recipesets:meta:7", "priority"))
}

func TestRemoveAndExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, 1, models.PriorityHigh))
	require.NoError(t, q.Enqueue(ctx, 2, models.PriorityHigh))
	require.NoError(t, q.Remove(ctx, 1))

	id, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), id)

	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)

	id, ok, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), id)
	require.NoError(t, q.Ack(ctx, 2))

	_, ok, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
