// Package worker 定投执行工作者
// 消费队列任务，驱动单次执行 tick 走完全流程:
// 账本落库 → 询价 → 链上提交 → 进度更新 → 账本终态
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-dca/internal/blockchain"
	"github.com/eidos-exchange/eidos-dca/internal/metrics"
	"github.com/eidos-exchange/eidos-dca/internal/model"
	"github.com/eidos-exchange/eidos-dca/internal/queue"
	"github.com/eidos-exchange/eidos-dca/internal/repository"
	"github.com/eidos-exchange/eidos-dca/pkg/logger"
)

// QuoteProvider 兑换询价提供者接口
type QuoteProvider interface {
	// Quote 获取结算载荷
	Quote(ctx context.Context, req *QuoteRequest) (*model.SettlementPayload, error)
}

// QuoteRequest 询价请求
type QuoteRequest struct {
	TokenFrom string
	TokenTo   string
	Amount    string // 源代币最小单位
	Wallet    string
}

// TransactionSubmitter 交易提交者接口
// 失败必须带 *blockchain.SubmitError 类型信息，Worker 据此区分
// 普通失败 (重扫重试) 和链上计划已失效 (转对账)。
type TransactionSubmitter interface {
	// Submit 提交交易并等待一次确认，返回交易哈希
	Submit(ctx context.Context, payload *model.SettlementPayload) (string, error)
}

// PlanReader 链上计划状态读取接口
type PlanReader interface {
	// ReadPlan 读取链上权威状态
	ReadPlan(ctx context.Context, onChainID uint64) (*OnChainPlan, error)
}

// OnChainPlan 链上计划状态
type OnChainPlan struct {
	ExecutedOperations int
	TotalOperations    int
	Active             bool
}

// TokenReleaser 幂等令牌释放接口
// 业务性失败的 tick 被消费后必须释放令牌，否则下一轮扫描的重试入队
// 会被去重键挡住，直到保留时间过期。
type TokenReleaser interface {
	Release(ctx context.Context, token string) error
}

// EventPublisher 执行事件发布接口
type EventPublisher interface {
	// PlanExecuted 发布单次执行成功事件
	PlanExecuted(ctx context.Context, plan *model.Plan, txHash string) error
	// PlanCompleted 发布计划完成事件
	PlanCompleted(ctx context.Context, plan *model.Plan) error
}

// Executor 单次执行 tick 的状态机
type Executor struct {
	planRepo   *repository.PlanRepository
	execRepo   *repository.ExecutionRepository
	quotes     QuoteProvider
	submitter  TransactionSubmitter
	reconciler *Reconciler
	events     EventPublisher
	tokens     TokenReleaser
}

// NewExecutor 创建执行器
func NewExecutor(
	planRepo *repository.PlanRepository,
	execRepo *repository.ExecutionRepository,
	quotes QuoteProvider,
	submitter TransactionSubmitter,
	reconciler *Reconciler,
	events EventPublisher,
	tokens TokenReleaser,
) *Executor {
	if events == nil {
		events = &NopEventPublisher{}
	}
	return &Executor{
		planRepo:   planRepo,
		execRepo:   execRepo,
		quotes:     quotes,
		submitter:  submitter,
		reconciler: reconciler,
		events:     events,
		tokens:     tokens,
	}
}

// ProcessTask 处理一条队列任务，执行一次 tick。
//
// 返回 nil 表示任务可以确认 (包括 tick 业务性失败——由重扫自然重试)；
// 返回 error 表示存储层故障，任务应 Nack 交给队列重投。
func (e *Executor) ProcessTask(ctx context.Context, task *queue.Task) error {
	start := time.Now()

	// 1. 加载计划；重投的已完成计划在这里短路
	plan, err := e.planRepo.GetByID(ctx, task.PlanID)
	if err != nil {
		metrics.RecordTickError("store")
		return fmt.Errorf("load plan %d: %w", task.PlanID, err)
	}
	if plan == nil {
		logger.Warn("task references unknown plan, dropping",
			zap.Uint64("plan_id", task.PlanID))
		metrics.RecordTick("skipped")
		return nil
	}
	if plan.Completed() {
		return e.shortCircuitCompleted(ctx, plan)
	}
	if plan.Status != model.PlanStatusActive || !plan.IsActive {
		logger.Info("plan no longer active, dropping task",
			zap.Uint64("plan_id", plan.ID),
			zap.String("status", string(plan.Status)))
		metrics.RecordTick("skipped")
		return nil
	}

	// 2. 先落一条 pending 账本，任何外部调用之前保证可审计
	entry := &model.Execution{
		PlanID:        plan.ID,
		WalletAddress: plan.WalletAddress,
		TokenFrom:     plan.TokenFrom,
		TokenTo:       plan.TokenTo,
		Amount:        plan.AmountPerOperation,
	}
	if err := e.execRepo.Record(ctx, entry); err != nil {
		metrics.RecordTickError("store")
		return fmt.Errorf("record execution for plan %d: %w", plan.ID, err)
	}

	// 3. 没有链上 ID 的历史计划无法结算，终态暂停，需人工介入
	if plan.OnChainID == nil {
		logger.Warn("plan has no on-chain id, pausing",
			zap.Uint64("plan_id", plan.ID))
		if err := e.planRepo.SetStatus(ctx, plan.ID, model.PlanStatusPaused, false); err != nil {
			metrics.RecordTickError("store")
			return fmt.Errorf("pause plan %d: %w", plan.ID, err)
		}
		e.finalizeFailed(ctx, entry.ID, "plan has no on-chain id")
		metrics.RecordTick("paused")
		return nil
	}

	// 4. 询价获取结算载荷
	payload, err := e.quotes.Quote(ctx, &QuoteRequest{
		TokenFrom: plan.TokenFrom,
		TokenTo:   plan.TokenTo,
		Amount:    plan.AmountPerOperation.String(),
		Wallet:    plan.WalletAddress,
	})
	if err != nil {
		logger.Error("quote failed",
			zap.Uint64("plan_id", plan.ID),
			zap.Error(err))
		e.finalizeFailed(ctx, entry.ID, "quote failed: "+err.Error())
		e.releaseToken(ctx, task.Token)
		metrics.RecordTickError("quote")
		metrics.RecordTick("failed")
		return nil
	}

	// 5. 提交交易并等待确认
	txHash, err := e.submitter.Submit(ctx, payload)
	if err != nil {
		if blockchain.IsPlanInactive(err) {
			// 链上认为计划已失效，进入对账分支而不是普通重试。
			// 对账推迟决策时计划保持活跃，令牌同样要释放才能重扫。
			e.releaseToken(ctx, task.Token)
			return e.reconciler.Reconcile(ctx, plan, entry.ID)
		}
		logger.Error("submit failed",
			zap.Uint64("plan_id", plan.ID),
			zap.Error(err))
		e.finalizeFailed(ctx, entry.ID, "submit failed: "+err.Error())
		e.releaseToken(ctx, task.Token)
		metrics.RecordTickError("submit")
		metrics.RecordTick("failed")
		return nil
	}

	// 6. 确认成功后原子推进进度 (乐观锁，冲突重试一次)
	updated, err := e.applyProgress(ctx, plan)
	if err != nil {
		metrics.RecordTickError("store")
		return fmt.Errorf("apply progress for plan %d: %w", plan.ID, err)
	}
	if updated == nil {
		// 重载后发现已完成，短路处理
		e.finalizeFailed(ctx, entry.ID, "plan already completed by concurrent consumer")
		metrics.RecordTick("skipped")
		return nil
	}

	// 7. 账本记成功
	if err := e.execRepo.FinalizeSuccess(ctx, entry.ID, txHash); err != nil {
		if !errors.Is(err, repository.ErrExecutionFinalized) {
			metrics.RecordTickError("ledger")
			return fmt.Errorf("finalize execution %d: %w", entry.ID, err)
		}
	}

	if err := e.events.PlanExecuted(ctx, updated, txHash); err != nil {
		logger.Warn("failed to publish plan executed event",
			zap.Uint64("plan_id", plan.ID),
			zap.Error(err))
	}
	if updated.Status == model.PlanStatusCompleted {
		metrics.PlansCompleted.Inc()
		if err := e.events.PlanCompleted(ctx, updated); err != nil {
			logger.Warn("failed to publish plan completed event",
				zap.Uint64("plan_id", plan.ID),
				zap.Error(err))
		}
	}

	metrics.RecordTick("success")
	metrics.TickLatency.Observe(time.Since(start).Seconds())

	logger.Info("tick executed",
		zap.Uint64("plan_id", plan.ID),
		zap.Int("executed", updated.ExecutedOperations),
		zap.Int("total", updated.TotalOperations),
		zap.String("tx_hash", txHash),
		zap.Duration("duration", time.Since(start)))

	return nil
}

// applyProgress 推进执行进度。
//
// 基于加载时的版本号做乐观锁更新；冲突时重载一次再试。
// 返回更新后的计划快照；若重载发现计划已完成则返回 (nil, nil)。
func (e *Executor) applyProgress(ctx context.Context, plan *model.Plan) (*model.Plan, error) {
	for attempt := 0; attempt < 2; attempt++ {
		patch, next := buildProgressPatch(plan)

		err := e.planRepo.ApplyProgress(ctx, plan.ID, plan.Version, patch)
		if err == nil {
			updated := *plan
			updated.ExecutedOperations = patch.ExecutedOperations
			updated.Status = patch.Status
			updated.IsActive = patch.IsActive
			updated.LastExecution = patch.LastExecution
			updated.NextExecution = next
			updated.Version = plan.Version + 1
			return &updated, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, err
		}

		metrics.VersionConflicts.Inc()
		logger.Warn("plan version conflict, reloading",
			zap.Uint64("plan_id", plan.ID),
			zap.Int64("version", plan.Version))

		reloaded, err := e.planRepo.GetByID(ctx, plan.ID)
		if err != nil {
			return nil, err
		}
		if reloaded == nil || reloaded.Completed() {
			return nil, nil
		}
		plan = reloaded
	}
	return nil, fmt.Errorf("plan %d: %w after retry", plan.ID, repository.ErrVersionConflict)
}

// buildProgressPatch 计算一次成功执行后的进度补丁
func buildProgressPatch(plan *model.Plan) (*model.ProgressPatch, *int64) {
	nowMs := time.Now().UnixMilli()
	executed := plan.ExecutedOperations + 1

	patch := &model.ProgressPatch{
		ExecutedOperations: executed,
		LastExecution:      &nowMs,
	}
	if executed >= plan.TotalOperations {
		patch.Status = model.PlanStatusCompleted
		patch.IsActive = false
		patch.NextExecution = nil
	} else {
		patch.Status = model.PlanStatusActive
		patch.IsActive = true
		next := nowMs + plan.IntervalSeconds*1000
		patch.NextExecution = &next
	}
	return patch, patch.NextExecution
}

// shortCircuitCompleted 处理已完成计划的重投任务。
// 进度不再变化，只确保状态字段满足完成不变式。
func (e *Executor) shortCircuitCompleted(ctx context.Context, plan *model.Plan) error {
	if plan.Status != model.PlanStatusCompleted || plan.IsActive {
		if err := e.planRepo.SetStatus(ctx, plan.ID, model.PlanStatusCompleted, false); err != nil {
			metrics.RecordTickError("store")
			return fmt.Errorf("complete plan %d: %w", plan.ID, err)
		}
		if err := e.events.PlanCompleted(ctx, plan); err != nil {
			logger.Warn("failed to publish plan completed event",
				zap.Uint64("plan_id", plan.ID),
				zap.Error(err))
		}
	}
	logger.Info("plan already completed, dropping task",
		zap.Uint64("plan_id", plan.ID))
	metrics.RecordTick("skipped")
	return nil
}

// finalizeFailed 账本记失败。账本写失败只记日志，不影响 tick 结论。
func (e *Executor) finalizeFailed(ctx context.Context, entryID uint64, reason string) {
	if err := e.execRepo.FinalizeFailed(ctx, entryID, reason); err != nil {
		if !errors.Is(err, repository.ErrExecutionFinalized) {
			logger.Error("failed to finalize execution record",
				zap.Uint64("execution_id", entryID),
				zap.Error(err))
			metrics.RecordTickError("ledger")
		}
	}
}

// releaseToken 释放幂等令牌，下一轮扫描可以重试同一调度桶。
// 释放失败只记日志，令牌最终随保留时间过期。
func (e *Executor) releaseToken(ctx context.Context, token string) {
	if e.tokens == nil || token == "" {
		return
	}
	if err := e.tokens.Release(ctx, token); err != nil {
		logger.Warn("failed to release idempotency token",
			zap.String("token", token),
			zap.Error(err))
	}
}

// NopEventPublisher 空事件发布器 (Kafka 未配置时使用)
type NopEventPublisher struct{}

func (p *NopEventPublisher) PlanExecuted(ctx context.Context, plan *model.Plan, txHash string) error {
	return nil
}

func (p *NopEventPublisher) PlanCompleted(ctx context.Context, plan *model.Plan) error {
	return nil
}

// MockTransactionSubmitter 模拟交易提交者 (链客户端未配置时使用)
type MockTransactionSubmitter struct{}

// Submit 返回伪造的交易哈希
func (s *MockTransactionSubmitter) Submit(ctx context.Context, payload *model.SettlementPayload) (string, error) {
	return fmt.Sprintf("0xmock%d", time.Now().UnixNano()), nil
}
