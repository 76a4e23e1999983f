package service

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos-dca/internal/config"
	"github.com/eidos-exchange/eidos-dca/internal/model"
	"github.com/eidos-exchange/eidos-dca/internal/repository"
)

// setupService 组装基于内存数据库的计划服务
func setupService(t *testing.T) (*PlanService, *repository.PlanRepository) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&model.Plan{}, &model.Execution{}); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	planRepo := repository.NewPlanRepository(db)
	execRepo := repository.NewExecutionRepository(db)
	return NewPlanService(planRepo, execRepo), planRepo
}

func validParams() *CreatePlanParams {
	return &CreatePlanParams{
		WalletAddress:   "0xabc",
		TokenFrom:       "0xusdc",
		TokenTo:         "0xweth",
		TotalAmount:     decimal.NewFromInt(1000000),
		TotalOperations: 10,
		IntervalSeconds: 3600,
	}
}

func TestPlanService_CreatePlan(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	plan, err := svc.CreatePlan(ctx, validParams())
	require.NoError(t, err)

	assert.NotZero(t, plan.ID)
	assert.Equal(t, model.PlanStatusActive, plan.Status)
	assert.True(t, plan.IsActive)
	assert.Equal(t, 0, plan.ExecutedOperations)

	// 单期金额为总预算整除期数
	assert.True(t, plan.AmountPerOperation.Equal(decimal.NewFromInt(100000)))

	// 首期立即到期
	require.NotNil(t, plan.NextExecution)
}

func TestPlanService_CreatePlan_AmountFloor(t *testing.T) {
	svc, _ := setupService(t)

	// 1000 / 3 = 333.33... 向下取整到最小单位
	params := validParams()
	params.TotalAmount = decimal.NewFromInt(1000)
	params.TotalOperations = 3

	plan, err := svc.CreatePlan(context.Background(), params)
	require.NoError(t, err)
	assert.True(t, plan.AmountPerOperation.Equal(decimal.NewFromInt(333)))
}

func TestPlanService_CreatePlan_Validation(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreatePlanParams)
	}{
		{"missing wallet", func(p *CreatePlanParams) { p.WalletAddress = "" }},
		{"missing token", func(p *CreatePlanParams) { p.TokenFrom = "" }},
		{"zero operations", func(p *CreatePlanParams) { p.TotalOperations = 0 }},
		{"negative interval", func(p *CreatePlanParams) { p.IntervalSeconds = -1 }},
		{"zero amount", func(p *CreatePlanParams) { p.TotalAmount = decimal.Zero }},
		// 预算小于期数，单期金额取整后为零
		{"amount rounds to zero", func(p *CreatePlanParams) {
			p.TotalAmount = decimal.NewFromInt(5)
			p.TotalOperations = 10
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := validParams()
			tc.mutate(params)

			_, err := svc.CreatePlan(ctx, params)
			assert.True(t, errors.Is(err, ErrInvalidPlanParams), "expected ErrInvalidPlanParams, got %v", err)
		})
	}
}

func TestPlanService_InitDefaultPlan(t *testing.T) {
	svc, planRepo := setupService(t)
	ctx := context.Background()

	cfg := &config.BootstrapConfig{
		Enabled:         true,
		WalletAddress:   "0xabc",
		TokenFrom:       "0xusdc",
		TokenTo:         "0xweth",
		TotalBudget:     "1000000",
		TotalOperations: 10,
		IntervalSeconds: 3600,
	}

	require.NoError(t, svc.InitDefaultPlan(ctx, cfg))

	plans, _ := planRepo.ListByWallet(ctx, "0xabc")
	require.Len(t, plans, 1)

	// 重复引导是幂等的
	require.NoError(t, svc.InitDefaultPlan(ctx, cfg))
	plans, _ = planRepo.ListByWallet(ctx, "0xabc")
	assert.Len(t, plans, 1)
}

func TestPlanService_InitDefaultPlan_Disabled(t *testing.T) {
	svc, planRepo := setupService(t)
	ctx := context.Background()

	require.NoError(t, svc.InitDefaultPlan(ctx, &config.BootstrapConfig{Enabled: false}))

	plans, _ := planRepo.ListByWallet(ctx, "")
	assert.Empty(t, plans)
}

func TestPlanService_InitDefaultPlan_BadBudget(t *testing.T) {
	svc, _ := setupService(t)

	err := svc.InitDefaultPlan(context.Background(), &config.BootstrapConfig{
		Enabled:       true,
		WalletAddress: "0xabc",
		TotalBudget:   "not-a-number",
	})
	assert.Error(t, err)
}

func TestPlanService_ListExecutions_LimitClamp(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	// limit 超界时回落到默认值，不应报错
	execs, err := svc.ListExecutions(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, execs)

	execs, err = svc.ListExecutions(ctx, 1, 10000)
	require.NoError(t, err)
	assert.Empty(t, execs)
}
