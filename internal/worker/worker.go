package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-dca/internal/queue"
	"github.com/eidos-exchange/eidos-dca/pkg/logger"
)

// Config 工作者配置
type Config struct {
	// Concurrency 并发消费者数
	Concurrency int
	// PollInterval 队列为空时的轮询间隔
	PollInterval time.Duration
	// TickTimeout 单次 tick 的超时时间
	TickTimeout time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Concurrency:  4,
		PollInterval: 1 * time.Second,
		TickTimeout:  2 * time.Minute,
	}
}

// Worker 队列消费者池
// N 个 goroutine 从共享队列拉取任务交给执行器。
// 业务性失败由执行器消化后正常 Ack (重扫重试)；
// 存储层故障 Nack 交给队列重投。
type Worker struct {
	queue    *queue.Queue
	executor *Executor
	cfg      *Config
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New 创建工作者池
func New(q *queue.Queue, executor *Executor, cfg *Config) *Worker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		queue:    q,
		executor: executor,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动消费循环
func (w *Worker) Start() {
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.consumeLoop(i)
	}
	logger.Info("worker pool started", zap.Int("concurrency", w.cfg.Concurrency))
}

// Stop 停止消费并等待在途 tick 结束
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
	logger.Info("worker pool stopped")
}

// consumeLoop 单个消费者循环
func (w *Worker) consumeLoop(id int) {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		delivery, err := w.queue.Dequeue(w.ctx)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed",
				zap.Int("consumer", id),
				zap.Error(err))
			w.sleep(w.cfg.PollInterval)
			continue
		}
		if delivery == nil {
			w.sleep(w.cfg.PollInterval)
			continue
		}

		w.handle(delivery)
	}
}

// handle 处理一条投递
func (w *Worker) handle(d *queue.Delivery) {
	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.TickTimeout)
	defer cancel()

	err := w.executor.ProcessTask(ctx, &d.Task)
	if err != nil {
		logger.Error("tick processing failed, requeueing",
			zap.Uint64("plan_id", d.Task.PlanID),
			zap.Error(err))
		// Nack 用后台 ctx: 即使关停中也要把任务放回去
		if nackErr := w.queue.Nack(context.Background(), d); nackErr != nil {
			logger.Error("failed to nack task",
				zap.Uint64("plan_id", d.Task.PlanID),
				zap.Error(nackErr))
		}
		return
	}

	if ackErr := w.queue.Ack(context.Background(), d); ackErr != nil {
		// Ack 失败任务会在可见性超时后重投，执行器的短路逻辑兜底
		logger.Warn("failed to ack task",
			zap.Uint64("plan_id", d.Task.PlanID),
			zap.Error(ackErr))
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.ctx.Done():
	case <-time.After(d):
	}
}
