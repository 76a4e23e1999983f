package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-dca/internal/model"
	"github.com/eidos-exchange/eidos-dca/internal/queue"
)

func setupWorkerQueue(t *testing.T) *queue.Queue {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	return queue.New(client, nil)
}

func TestWorker_ConsumesAndAcks(t *testing.T) {
	f := newExecutorFixture(t)
	q := setupWorkerQueue(t)
	ctx := context.Background()

	plan := f.seedPlan(t, nil)
	_, err := q.Enqueue(ctx, &queue.Task{
		PlanID:    plan.ID,
		OnChainID: plan.OnChainID,
		Token:     queue.IdempotencyToken(plan.ID, time.Now()),
	})
	require.NoError(t, err)

	w := New(q, f.executor, &Config{
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
		TickTimeout:  5 * time.Second,
	})
	w.Start()

	// 等待任务被消费并确认
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		updated, _ := f.planRepo.GetByID(ctx, plan.ID)
		if updated.ExecutedOperations == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	w.Stop()

	updated, _ := f.planRepo.GetByID(ctx, plan.ID)
	assert.Equal(t, 1, updated.ExecutedOperations)

	// 已 Ack，恢复扫描无任务可重投
	recovered, err := q.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)

	depth, _ := q.Depth(ctx)
	assert.Equal(t, int64(0), depth)
}

func TestWorker_StopIsIdempotentWithEmptyQueue(t *testing.T) {
	f := newExecutorFixture(t)
	q := setupWorkerQueue(t)

	w := New(q, f.executor, &Config{
		Concurrency:  3,
		PollInterval: 10 * time.Millisecond,
	})
	w.Start()
	time.Sleep(50 * time.Millisecond)

	// 空队列下 Stop 应立即返回
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Worker did not stop in time")
	}
}

func TestWorker_BusinessFailureConsumed(t *testing.T) {
	f := newExecutorFixture(t)
	q := setupWorkerQueue(t)
	ctx := context.Background()

	plan := f.seedPlan(t, nil)
	f.quotes.err = assert.AnError

	_, err := q.Enqueue(ctx, &queue.Task{
		PlanID:    plan.ID,
		OnChainID: plan.OnChainID,
		Token:     queue.IdempotencyToken(plan.ID, time.Now()),
	})
	require.NoError(t, err)

	w := New(q, f.executor, &Config{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
		TickTimeout:  5 * time.Second,
	})
	w.Start()

	// 等待账本出现失败记录
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		count, _ := f.execRepo.CountByPlanAndStatus(ctx, plan.ID, model.ExecutionStatusFailed)
		if count == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	w.Stop()

	// 业务性失败被消化: 任务确认，不留在队列里
	depth, _ := q.Depth(ctx)
	assert.Equal(t, int64(0), depth)

	recovered, _ := q.RecoverStale(ctx)
	assert.Equal(t, 0, recovered)

	// 进度没有推进
	updated, _ := f.planRepo.GetByID(ctx, plan.ID)
	assert.Equal(t, 0, updated.ExecutedOperations)
}

func TestWorkerConfig_Defaults(t *testing.T) {
	w := New(setupWorkerQueue(t), nil, &Config{})

	assert.Equal(t, 4, w.cfg.Concurrency)
	assert.Equal(t, time.Second, w.cfg.PollInterval)
	assert.Equal(t, 2*time.Minute, w.cfg.TickTimeout)
}
