package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/eidos-exchange/eidos-dca/internal/model"
)

// newTestExecution 创建待落库的执行记录
func newTestExecution(planID uint64) *model.Execution {
	return &model.Execution{
		PlanID:        planID,
		WalletAddress: "0xabc",
		TokenFrom:     "0xusdc",
		TokenTo:       "0xweth",
		Amount:        decimal.NewFromInt(100000),
	}
}

func TestExecutionRepository_Record(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExecutionRepository(db)
	ctx := context.Background()

	exec := newTestExecution(1)
	// Record 无条件写 pending，调用方传入的状态被覆盖
	exec.Status = model.ExecutionStatusSuccess

	if err := repo.Record(ctx, exec); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if exec.ID == 0 {
		t.Error("Expected ID to be set after record")
	}

	if exec.Status != model.ExecutionStatusPending {
		t.Errorf("Expected pending status, got %s", exec.Status)
	}

	if exec.ExecutedAt == 0 {
		t.Error("Expected executed_at to be set")
	}
}

func TestExecutionRepository_FinalizeSuccess(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExecutionRepository(db)
	ctx := context.Background()

	exec := newTestExecution(1)
	repo.Record(ctx, exec)

	if err := repo.FinalizeSuccess(ctx, exec.ID, "0xdeadbeef"); err != nil {
		t.Fatalf("FinalizeSuccess failed: %v", err)
	}

	updated, _ := repo.GetByID(ctx, exec.ID)
	if updated.Status != model.ExecutionStatusSuccess {
		t.Errorf("Expected success, got %s", updated.Status)
	}

	if updated.TxHash == nil || *updated.TxHash != "0xdeadbeef" {
		t.Error("Expected tx_hash to be recorded")
	}
}

func TestExecutionRepository_FinalizeFailed(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExecutionRepository(db)
	ctx := context.Background()

	exec := newTestExecution(1)
	repo.Record(ctx, exec)

	if err := repo.FinalizeFailed(ctx, exec.ID, "quote failed: upstream timeout"); err != nil {
		t.Fatalf("FinalizeFailed failed: %v", err)
	}

	updated, _ := repo.GetByID(ctx, exec.ID)
	if updated.Status != model.ExecutionStatusFailed {
		t.Errorf("Expected failed, got %s", updated.Status)
	}

	if updated.ErrorMessage == nil || *updated.ErrorMessage != "quote failed: upstream timeout" {
		t.Error("Expected error_message to be recorded")
	}
}

func TestExecutionRepository_FinalizeOnce(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExecutionRepository(db)
	ctx := context.Background()

	exec := newTestExecution(1)
	repo.Record(ctx, exec)

	if err := repo.FinalizeSuccess(ctx, exec.ID, "0xfirst"); err != nil {
		t.Fatalf("FinalizeSuccess failed: %v", err)
	}

	// 终态记录不可再次迁移
	err := repo.FinalizeFailed(ctx, exec.ID, "late failure")
	if !errors.Is(err, ErrExecutionFinalized) {
		t.Fatalf("Expected ErrExecutionFinalized, got %v", err)
	}

	updated, _ := repo.GetByID(ctx, exec.ID)
	if updated.Status != model.ExecutionStatusSuccess {
		t.Errorf("Second finalize should not apply, status = %s", updated.Status)
	}

	if updated.TxHash == nil || *updated.TxHash != "0xfirst" {
		t.Error("Original tx_hash should be preserved")
	}
}

func TestExecutionRepository_ListByPlan(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExecutionRepository(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		repo.Record(ctx, newTestExecution(1))
	}
	repo.Record(ctx, newTestExecution(2))

	execs, err := repo.ListByPlan(ctx, 1, 10)
	if err != nil {
		t.Fatalf("ListByPlan failed: %v", err)
	}

	if len(execs) != 5 {
		t.Errorf("Expected 5 executions, got %d", len(execs))
	}

	// 限制条数
	limited, _ := repo.ListByPlan(ctx, 1, 2)
	if len(limited) != 2 {
		t.Errorf("Expected 2 executions with limit, got %d", len(limited))
	}
}

func TestExecutionRepository_CountByPlanAndStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExecutionRepository(db)
	ctx := context.Background()

	e1 := newTestExecution(1)
	repo.Record(ctx, e1)
	repo.FinalizeSuccess(ctx, e1.ID, "0x1")

	e2 := newTestExecution(1)
	repo.Record(ctx, e2)
	repo.FinalizeFailed(ctx, e2.ID, "boom")

	e3 := newTestExecution(1)
	repo.Record(ctx, e3)
	repo.FinalizeSuccess(ctx, e3.ID, "0x3")

	count, err := repo.CountByPlanAndStatus(ctx, 1, model.ExecutionStatusSuccess)
	if err != nil {
		t.Fatalf("CountByPlanAndStatus failed: %v", err)
	}

	if count != 2 {
		t.Errorf("Expected 2 success executions, got %d", count)
	}
}
