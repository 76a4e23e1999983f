// Package queue 提供基于 Redis 的持久化执行任务队列
//
// 语义: 至少一次投递。pending 列表保存待消费任务，消费时原子迁移到
// processing 有序集合 (score 为可见性截止时间)；消费者确认后移除，
// 崩溃未确认的任务由恢复扫描重新入队。
//
// 幂等: 入队携带幂等令牌 plan:{id}:{bucket}，同一调度窗口内的重复
// 入队通过 SETNX 去重键静默丢弃。
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key 默认值
const (
	defaultPendingKey    = "eidos:dca:queue:pending"
	defaultProcessingKey = "eidos:dca:queue:processing"
	defaultDedupPrefix   = "eidos:dca:queue:dedup:"
)

// dequeueScript 原子地从 pending 弹出一条任务并登记到 processing
var dequeueScript = redis.NewScript(`
	local payload = redis.call('RPOP', KEYS[1])
	if not payload then
		return false
	end
	redis.call('ZADD', KEYS[2], ARGV[1], payload)
	return payload
`)

// requeueScript 原子地把 processing 中的任务移回 pending
var requeueScript = redis.NewScript(`
	local removed = redis.call('ZREM', KEYS[1], ARGV[1])
	if removed == 1 then
		redis.call('LPUSH', KEYS[2], ARGV[1])
	end
	return removed
`)

// Task 队列任务，引用计划而不携带计划数据
type Task struct {
	PlanID     uint64  `json:"plan_id"`
	OnChainID  *uint64 `json:"on_chain_id,omitempty"`
	Token      string  `json:"token"`
	EnqueuedAt int64   `json:"enqueued_at"`
}

// IdempotencyToken 生成幂等令牌。bucket 取调度桶起点，
// 同一到期窗口内的多次扫描得到相同令牌。
func IdempotencyToken(planID uint64, bucket time.Time) string {
	return fmt.Sprintf("plan:%d:%d", planID, bucket.Unix())
}

// Delivery 一次投递。raw 保存原始载荷，Ack/Nack 需要用它定位任务。
type Delivery struct {
	Task Task
	raw  string
}

// Config 队列配置
type Config struct {
	PendingKey        string
	ProcessingKey     string
	DedupPrefix       string
	DedupTTL          time.Duration // 幂等令牌保留时间
	VisibilityTimeout time.Duration // 消费中任务的可见性超时
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		PendingKey:        defaultPendingKey,
		ProcessingKey:     defaultProcessingKey,
		DedupPrefix:       defaultDedupPrefix,
		DedupTTL:          10 * time.Minute,
		VisibilityTimeout: 5 * time.Minute,
	}
}

// Queue 持久化任务队列
type Queue struct {
	rdb redis.UniversalClient
	cfg *Config
}

// New 创建队列
func New(rdb redis.UniversalClient, cfg *Config) *Queue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.PendingKey == "" {
		cfg.PendingKey = defaultPendingKey
	}
	if cfg.ProcessingKey == "" {
		cfg.ProcessingKey = defaultProcessingKey
	}
	if cfg.DedupPrefix == "" {
		cfg.DedupPrefix = defaultDedupPrefix
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	return &Queue{rdb: rdb, cfg: cfg}
}

// Enqueue 入队。返回 true 表示实际入队，false 表示被幂等令牌去重丢弃。
func (q *Queue) Enqueue(ctx context.Context, task *Task) (bool, error) {
	if task.Token == "" {
		return false, fmt.Errorf("task for plan %d has empty idempotency token", task.PlanID)
	}
	task.EnqueuedAt = time.Now().UnixMilli()

	ok, err := q.rdb.SetNX(ctx, q.cfg.DedupPrefix+task.Token, 1, q.cfg.DedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	if !ok {
		return false, nil
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return false, err
	}

	if err := q.rdb.LPush(ctx, q.cfg.PendingKey, payload).Err(); err != nil {
		// 入队失败时释放令牌，下次扫描可以重试
		q.rdb.Del(ctx, q.cfg.DedupPrefix+task.Token)
		return false, fmt.Errorf("enqueue: %w", err)
	}
	return true, nil
}

// Dequeue 非阻塞取出一条任务；队列为空返回 (nil, nil)。
// 任务被登记到 processing 集合，必须以 Ack 或 Nack 收尾。
func (q *Queue) Dequeue(ctx context.Context) (*Delivery, error) {
	deadline := time.Now().Add(q.cfg.VisibilityTimeout).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.cfg.PendingKey, q.cfg.ProcessingKey},
		deadline,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("dequeue: unexpected payload type %T", res)
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// 损坏的载荷直接丢弃，避免毒丸阻塞队列
		q.rdb.ZRem(ctx, q.cfg.ProcessingKey, raw)
		return nil, fmt.Errorf("dequeue: corrupt payload: %w", err)
	}

	return &Delivery{Task: task, raw: raw}, nil
}

// Ack 确认任务处理完毕
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	return q.rdb.ZRem(ctx, q.cfg.ProcessingKey, d.raw).Err()
}

// Nack 处理失败，立即放回 pending 重投
func (q *Queue) Nack(ctx context.Context, d *Delivery) error {
	return requeueScript.Run(ctx, q.rdb,
		[]string{q.cfg.ProcessingKey, q.cfg.PendingKey},
		d.raw,
	).Err()
}

// Release 释放幂等令牌。
// tick 业务性失败被消费 (Ack) 后调用，否则同一调度桶的重试入队会被
// 去重键挡住，直到保留时间过期才能重扫。
func (q *Queue) Release(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return q.rdb.Del(ctx, q.cfg.DedupPrefix+token).Err()
}

// RecoverStale 把超过可见性截止时间仍未确认的任务移回 pending。
// 消费者崩溃后的任务由此路径重投。
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	nowMs := time.Now().UnixMilli()
	members, err := q.rdb.ZRangeByScore(ctx, q.cfg.ProcessingKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", nowMs),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("recover scan: %w", err)
	}

	recovered := 0
	for _, raw := range members {
		res, err := requeueScript.Run(ctx, q.rdb,
			[]string{q.cfg.ProcessingKey, q.cfg.PendingKey},
			raw,
		).Int()
		if err != nil {
			return recovered, fmt.Errorf("recover requeue: %w", err)
		}
		recovered += res
	}
	return recovered, nil
}

// Depth 返回 pending 队列长度
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.cfg.PendingKey).Result()
}
