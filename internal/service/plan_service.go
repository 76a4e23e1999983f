// Package service 计划管理服务
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-dca/internal/config"
	"github.com/eidos-exchange/eidos-dca/internal/model"
	"github.com/eidos-exchange/eidos-dca/internal/repository"
	"github.com/eidos-exchange/eidos-dca/pkg/logger"
)

var (
	ErrInvalidPlanParams = errors.New("invalid plan parameters")
)

// PlanService 计划管理服务
type PlanService struct {
	planRepo *repository.PlanRepository
	execRepo *repository.ExecutionRepository
}

// NewPlanService 创建计划服务
func NewPlanService(planRepo *repository.PlanRepository, execRepo *repository.ExecutionRepository) *PlanService {
	return &PlanService{
		planRepo: planRepo,
		execRepo: execRepo,
	}
}

// CreatePlanParams 创建计划参数，金额为源代币最小单位
type CreatePlanParams struct {
	OnChainID       *uint64
	WalletAddress   string
	TokenFrom       string
	TokenTo         string
	TotalAmount     decimal.Decimal
	TotalOperations int
	IntervalSeconds int64
}

// CreatePlan 创建定投计划
//
// 链上创建成功 (PlanCreated 事件带回 on-chain id) 之后调用。
// 单期金额为总预算整除期数，首期立即到期。
func (s *PlanService) CreatePlan(ctx context.Context, params *CreatePlanParams) (*model.Plan, error) {
	if params.WalletAddress == "" || params.TokenFrom == "" || params.TokenTo == "" {
		return nil, fmt.Errorf("%w: missing wallet or token", ErrInvalidPlanParams)
	}
	if params.TotalOperations <= 0 {
		return nil, fmt.Errorf("%w: total operations must be positive", ErrInvalidPlanParams)
	}
	if params.IntervalSeconds <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidPlanParams)
	}
	if !params.TotalAmount.IsPositive() {
		return nil, fmt.Errorf("%w: total amount must be positive", ErrInvalidPlanParams)
	}

	amountPerOp := params.TotalAmount.
		Div(decimal.NewFromInt(int64(params.TotalOperations))).
		Floor()
	if !amountPerOp.IsPositive() {
		return nil, fmt.Errorf("%w: amount per operation rounds to zero", ErrInvalidPlanParams)
	}

	nowMs := time.Now().UnixMilli()
	plan := &model.Plan{
		OnChainID:          params.OnChainID,
		WalletAddress:      params.WalletAddress,
		TokenFrom:          params.TokenFrom,
		TokenTo:            params.TokenTo,
		TotalAmount:        params.TotalAmount,
		AmountPerOperation: amountPerOp,
		IntervalSeconds:    params.IntervalSeconds,
		TotalOperations:    params.TotalOperations,
		ExecutedOperations: 0,
		NextExecution:      &nowMs,
		Status:             model.PlanStatusActive,
		IsActive:           true,
	}

	if err := s.planRepo.Create(ctx, plan); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}

	logger.Info("plan created",
		zap.Uint64("plan_id", plan.ID),
		zap.String("wallet", plan.WalletAddress),
		zap.String("amount_per_op", amountPerOp.String()),
		zap.Int("total_operations", plan.TotalOperations))

	return plan, nil
}

// InitDefaultPlan 空库启动时播种默认计划
//
// 幂等: 钱包名下已有计划则跳过。
func (s *PlanService) InitDefaultPlan(ctx context.Context, cfg *config.BootstrapConfig) error {
	if !cfg.Enabled {
		return nil
	}

	existing, err := s.planRepo.ListByWallet(ctx, cfg.WalletAddress)
	if err != nil {
		return fmt.Errorf("check existing plans: %w", err)
	}
	if len(existing) > 0 {
		logger.Info("bootstrap skipped, wallet already has plans",
			zap.String("wallet", cfg.WalletAddress),
			zap.Int("count", len(existing)))
		return nil
	}

	budget, err := decimal.NewFromString(cfg.TotalBudget)
	if err != nil {
		return fmt.Errorf("parse bootstrap budget: %w", err)
	}

	plan, err := s.CreatePlan(ctx, &CreatePlanParams{
		WalletAddress:   cfg.WalletAddress,
		TokenFrom:       cfg.TokenFrom,
		TokenTo:         cfg.TokenTo,
		TotalAmount:     budget,
		TotalOperations: cfg.TotalOperations,
		IntervalSeconds: cfg.IntervalSeconds,
	})
	if err != nil {
		return fmt.Errorf("bootstrap plan: %w", err)
	}

	logger.Info("bootstrap plan seeded", zap.Uint64("plan_id", plan.ID))
	return nil
}

// GetPlan 查询计划
func (s *PlanService) GetPlan(ctx context.Context, id uint64) (*model.Plan, error) {
	return s.planRepo.GetByID(ctx, id)
}

// ListPlansByWallet 查询钱包名下的计划
func (s *PlanService) ListPlansByWallet(ctx context.Context, wallet string) ([]*model.Plan, error) {
	return s.planRepo.ListByWallet(ctx, wallet)
}

// ListExecutions 查询计划的执行历史
func (s *PlanService) ListExecutions(ctx context.Context, planID uint64, limit int) ([]*model.Execution, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.execRepo.ListByPlan(ctx, planID, limit)
}
