package client

import (
	"context"
	"math/big"

	"github.com/eidos-exchange/eidos-dca/internal/contract"
	"github.com/eidos-exchange/eidos-dca/internal/worker"
)

// ChainPlanReader 链上计划状态读取器
// 实现 worker.PlanReader 接口，对账时读取 PlanManager 合约的权威状态
type ChainPlanReader struct {
	planManager *contract.PlanManagerContract
}

// NewChainPlanReader 创建链上计划读取器
func NewChainPlanReader(planManager *contract.PlanManagerContract) *ChainPlanReader {
	return &ChainPlanReader{planManager: planManager}
}

// ReadPlan 读取链上计划状态
func (r *ChainPlanReader) ReadPlan(ctx context.Context, onChainID uint64) (*worker.OnChainPlan, error) {
	state, err := r.planManager.GetPlan(ctx, new(big.Int).SetUint64(onChainID))
	if err != nil {
		return nil, err
	}

	return &worker.OnChainPlan{
		ExecutedOperations: int(state.ExecutedOps.Int64()),
		TotalOperations:    int(state.TotalOps.Int64()),
		Active:             state.Active,
	}, nil
}

// MockPlanReader 模拟链上读取器 (链客户端未配置时使用)
type MockPlanReader struct{}

// ReadPlan 返回固定的活跃状态
func (r *MockPlanReader) ReadPlan(ctx context.Context, onChainID uint64) (*worker.OnChainPlan, error) {
	return &worker.OnChainPlan{Active: true}, nil
}
