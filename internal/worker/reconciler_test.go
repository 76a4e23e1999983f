package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-dca/internal/model"
	"github.com/eidos-exchange/eidos-dca/internal/repository"
)

// reconcilerFixture 组装依赖打桩的对账器
type reconcilerFixture struct {
	planRepo   *repository.PlanRepository
	execRepo   *repository.ExecutionRepository
	reader     *stubReader
	reconciler *Reconciler
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	db := setupWorkerTestDB(t)
	planRepo := repository.NewPlanRepository(db)
	execRepo := repository.NewExecutionRepository(db)
	reader := &stubReader{}
	return &reconcilerFixture{
		planRepo:   planRepo,
		execRepo:   execRepo,
		reader:     reader,
		reconciler: NewReconciler(planRepo, execRepo, reader),
	}
}

// seedPlanWithEntry 落库计划和一条 pending 账本记录
func (f *reconcilerFixture) seedPlanWithEntry(t *testing.T, executed int) (*model.Plan, uint64) {
	ctx := context.Background()
	now := time.Now().UnixMilli()
	onChainID := uint64(100)
	plan := &model.Plan{
		OnChainID:          &onChainID,
		WalletAddress:      "0xabc",
		TokenFrom:          "0xusdc",
		TokenTo:            "0xweth",
		TotalAmount:        decimal.NewFromInt(1000000),
		AmountPerOperation: decimal.NewFromInt(100000),
		IntervalSeconds:    3600,
		TotalOperations:    10,
		ExecutedOperations: executed,
		NextExecution:      &now,
		Status:             model.PlanStatusActive,
		IsActive:           true,
	}
	require.NoError(t, f.planRepo.Create(ctx, plan))

	entry := &model.Execution{
		PlanID:        plan.ID,
		WalletAddress: plan.WalletAddress,
		TokenFrom:     plan.TokenFrom,
		TokenTo:       plan.TokenTo,
		Amount:        plan.AmountPerOperation,
	}
	require.NoError(t, f.execRepo.Record(ctx, entry))
	return plan, entry.ID
}

func TestReconciler_CompletedOnChain(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	// 本地落后: 本地 7 期，链上已执行完 10 期
	plan, entryID := f.seedPlanWithEntry(t, 7)
	f.reader.plan = &OnChainPlan{ExecutedOperations: 10, TotalOperations: 10, Active: false}

	err := f.reconciler.Reconcile(ctx, plan, entryID)
	require.NoError(t, err)

	// 本地对齐为完成，进度取链上值
	updated, _ := f.planRepo.GetByID(ctx, plan.ID)
	assert.Equal(t, model.PlanStatusCompleted, updated.Status)
	assert.False(t, updated.IsActive)
	assert.Equal(t, 10, updated.ExecutedOperations)
	assert.Nil(t, updated.NextExecution)

	// 本次 tick 的账本记录标记为失败
	entry, _ := f.execRepo.GetByID(ctx, entryID)
	assert.Equal(t, model.ExecutionStatusFailed, entry.Status)
	require.NotNil(t, entry.ErrorMessage)
	assert.Equal(t, "already completed on-chain", *entry.ErrorMessage)
}

func TestReconciler_PausedOnChain(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	plan, entryID := f.seedPlanWithEntry(t, 4)
	// 链上未完成，只是失效 (如外部暂停)
	f.reader.plan = &OnChainPlan{ExecutedOperations: 4, TotalOperations: 10, Active: false}

	err := f.reconciler.Reconcile(ctx, plan, entryID)
	require.NoError(t, err)

	// 本地暂停，进度不动
	updated, _ := f.planRepo.GetByID(ctx, plan.ID)
	assert.Equal(t, model.PlanStatusPaused, updated.Status)
	assert.False(t, updated.IsActive)
	assert.Equal(t, 4, updated.ExecutedOperations)
	// 暂停可恢复，next_execution 保留
	assert.NotNil(t, updated.NextExecution)

	entry, _ := f.execRepo.GetByID(ctx, entryID)
	assert.Equal(t, model.ExecutionStatusFailed, entry.Status)
	assert.Equal(t, "plan inactive on-chain", *entry.ErrorMessage)
}

func TestReconciler_ReadFailureDefersDecision(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	plan, entryID := f.seedPlanWithEntry(t, 4)
	f.reader.err = errors.New("rpc timeout")

	// 读链失败不下结论，留给下一轮重扫
	err := f.reconciler.Reconcile(ctx, plan, entryID)
	require.NoError(t, err)

	updated, _ := f.planRepo.GetByID(ctx, plan.ID)
	assert.Equal(t, model.PlanStatusActive, updated.Status)
	assert.True(t, updated.IsActive)
	assert.Equal(t, 4, updated.ExecutedOperations)

	entry, _ := f.execRepo.GetByID(ctx, entryID)
	assert.Equal(t, model.ExecutionStatusFailed, entry.Status)
	assert.Contains(t, *entry.ErrorMessage, "reconciliation aborted")
}

func TestReconciler_NoOnChainID(t *testing.T) {
	f := newReconcilerFixture(t)

	plan := &model.Plan{ID: 1}
	err := f.reconciler.Reconcile(context.Background(), plan, 1)
	assert.Error(t, err)
}
