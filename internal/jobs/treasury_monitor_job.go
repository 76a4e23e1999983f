package jobs

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-dca/internal/metrics"
	"github.com/eidos-exchange/eidos-dca/internal/scheduler"
	"github.com/eidos-exchange/eidos-dca/pkg/logger"
)

// TreasuryConfig 金库监控配置，金额为结算资产最小单位
type TreasuryConfig struct {
	// Asset 监控的结算资产符号
	Asset string
	// LowBalanceThreshold 储备低水位线，低于此值触发补充
	LowBalanceThreshold decimal.Decimal
	// RefillAmount 每次补充的数量
	RefillAmount decimal.Decimal
	// BatchConvertThreshold 待转换余额达到此值触发批量转换
	BatchConvertThreshold decimal.Decimal
}

// InventoryProvider 金库库存提供者接口
type InventoryProvider interface {
	// ReserveBalance 查询当前储备余额
	ReserveBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	// PendingDemand 查询累积的待转换余额
	PendingDemand(ctx context.Context, asset string) (decimal.Decimal, error)
	// BatchConvert 批量转换待转换余额为储备库存
	BatchConvert(ctx context.Context, asset string, amount decimal.Decimal) error
	// Refill 向储备补充库存
	Refill(ctx context.Context, asset string, amount decimal.Decimal) error
}

// TreasuryMonitorJob 金库监控任务
// 每个结算资产一个独立实例。先检查待转换余额是否触发批量转换，
// 再检查储备余额是否触发补充。两个动作在本次调用内都是终态的，
// 提交失败只记录日志，等下一个周期重新评估。
type TreasuryMonitorJob struct {
	scheduler.BaseJob
	provider InventoryProvider
	config   TreasuryConfig
}

// NewTreasuryMonitorJob 创建金库监控任务
func NewTreasuryMonitorJob(provider InventoryProvider, config TreasuryConfig) *TreasuryMonitorJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameTreasuryMonitor]

	return &TreasuryMonitorJob{
		BaseJob: scheduler.NewBaseJob(
			scheduler.JobNameTreasuryMonitor+":"+config.Asset,
			cfg.Timeout,
			cfg.LockTTL,
			cfg.UseWatchdog,
		),
		provider: provider,
		config:   config,
	}
}

// Execute 执行一次库存检查
func (j *TreasuryMonitorJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	result := &scheduler.JobResult{
		Details: make(map[string]interface{}),
	}

	// 1. 待转换余额达到阈值则批量转换
	demand, err := j.provider.PendingDemand(ctx, j.config.Asset)
	if err != nil {
		logger.Error("failed to read pending demand",
			zap.String("asset", j.config.Asset),
			zap.Error(err))
		result.ErrorCount++
	} else {
		result.Details["pending_demand"] = demand.String()

		if demand.GreaterThanOrEqual(j.config.BatchConvertThreshold) {
			logger.Info("pending demand reached batch convert threshold",
				zap.String("asset", j.config.Asset),
				zap.String("demand", demand.String()),
				zap.String("threshold", j.config.BatchConvertThreshold.String()))

			if err := j.provider.BatchConvert(ctx, j.config.Asset, demand); err != nil {
				logger.Error("batch convert failed",
					zap.String("asset", j.config.Asset),
					zap.Error(err))
				result.ErrorCount++
			} else {
				result.AffectedCount++
				result.Details["batch_converted"] = demand.String()
				metrics.TreasuryBatchConverts.WithLabelValues(j.config.Asset).Inc()
			}
		}
	}

	// 2. 储备余额低于水位线则补充
	balance, err := j.provider.ReserveBalance(ctx, j.config.Asset)
	if err != nil {
		logger.Error("failed to read reserve balance",
			zap.String("asset", j.config.Asset),
			zap.Error(err))
		result.ErrorCount++
		return result, nil
	}

	result.ProcessedCount++
	result.Details["reserve_balance"] = balance.String()
	bal, _ := balance.Float64()
	metrics.TreasuryReserveBalance.WithLabelValues(j.config.Asset).Set(bal)

	if balance.LessThan(j.config.LowBalanceThreshold) {
		logger.Warn("reserve balance below low watermark",
			zap.String("asset", j.config.Asset),
			zap.String("balance", balance.String()),
			zap.String("threshold", j.config.LowBalanceThreshold.String()))

		if err := j.provider.Refill(ctx, j.config.Asset, j.config.RefillAmount); err != nil {
			logger.Error("reserve refill failed",
				zap.String("asset", j.config.Asset),
				zap.Error(err))
			result.ErrorCount++
			return result, nil
		}

		result.AffectedCount++
		result.Details["refilled"] = j.config.RefillAmount.String()
		metrics.TreasuryRefills.WithLabelValues(j.config.Asset).Inc()
	}

	return result, nil
}

// MockInventoryProvider 模拟库存提供者（链上客户端未配置时使用）
type MockInventoryProvider struct{}

func (p *MockInventoryProvider) ReserveBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (p *MockInventoryProvider) PendingDemand(ctx context.Context, asset string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (p *MockInventoryProvider) BatchConvert(ctx context.Context, asset string, amount decimal.Decimal) error {
	return nil
}

func (p *MockInventoryProvider) Refill(ctx context.Context, asset string, amount decimal.Decimal) error {
	return nil
}
