package client

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-dca/internal/contract"
	"github.com/eidos-exchange/eidos-dca/internal/model"
	"github.com/eidos-exchange/eidos-dca/internal/worker"
	"github.com/eidos-exchange/eidos-dca/pkg/logger"
)

// TreasuryAsset 单个结算资产的金库配置
type TreasuryAsset struct {
	// TokenAddress 结算资产合约地址
	TokenAddress string
	// SourceTokenAddress 待转换的源资产合约地址 (用户入金沉淀)
	SourceTokenAddress string
	// ReserveAddress 储备钱包地址
	ReserveAddress string
	// PendingAddress 待转换余额沉淀地址
	PendingAddress string
}

// ChainInventoryProvider 链上金库库存提供者
// 实现 jobs.InventoryProvider 接口。余额读 ERC-20 合约，
// 批量转换走聚合器兑换，补充走 ERC-20 转账，都经热钱包提交。
type ChainInventoryProvider struct {
	caller    contract.ContractCaller
	submitter worker.TransactionSubmitter
	quotes    worker.QuoteProvider
	hotWallet string

	assets map[string]*treasuryAssetContracts
}

type treasuryAssetContracts struct {
	cfg         *TreasuryAsset
	token       *contract.ERC20Contract
	sourceToken *contract.ERC20Contract
}

// NewChainInventoryProvider 创建链上库存提供者
func NewChainInventoryProvider(
	caller contract.ContractCaller,
	submitter worker.TransactionSubmitter,
	quotes worker.QuoteProvider,
	hotWallet string,
	assets map[string]*TreasuryAsset,
) (*ChainInventoryProvider, error) {
	p := &ChainInventoryProvider{
		caller:    caller,
		submitter: submitter,
		quotes:    quotes,
		hotWallet: hotWallet,
		assets:    make(map[string]*treasuryAssetContracts, len(assets)),
	}

	for name, cfg := range assets {
		token, err := contract.NewERC20Contract(common.HexToAddress(cfg.TokenAddress), caller)
		if err != nil {
			return nil, fmt.Errorf("asset %s token contract: %w", name, err)
		}
		sourceToken, err := contract.NewERC20Contract(common.HexToAddress(cfg.SourceTokenAddress), caller)
		if err != nil {
			return nil, fmt.Errorf("asset %s source token contract: %w", name, err)
		}
		p.assets[name] = &treasuryAssetContracts{
			cfg:         cfg,
			token:       token,
			sourceToken: sourceToken,
		}
	}
	return p, nil
}

func (p *ChainInventoryProvider) asset(name string) (*treasuryAssetContracts, error) {
	a, ok := p.assets[name]
	if !ok {
		return nil, fmt.Errorf("unknown treasury asset %s", name)
	}
	return a, nil
}

// ReserveBalance 查询储备余额
func (p *ChainInventoryProvider) ReserveBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	a, err := p.asset(asset)
	if err != nil {
		return decimal.Zero, err
	}
	balance, err := a.token.BalanceOf(ctx, common.HexToAddress(a.cfg.ReserveAddress))
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(balance, 0), nil
}

// PendingDemand 查询待转换余额
func (p *ChainInventoryProvider) PendingDemand(ctx context.Context, asset string) (decimal.Decimal, error) {
	a, err := p.asset(asset)
	if err != nil {
		return decimal.Zero, err
	}
	balance, err := a.sourceToken.BalanceOf(ctx, common.HexToAddress(a.cfg.PendingAddress))
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(balance, 0), nil
}

// BatchConvert 把待转换余额兑换成储备库存
func (p *ChainInventoryProvider) BatchConvert(ctx context.Context, asset string, amount decimal.Decimal) error {
	a, err := p.asset(asset)
	if err != nil {
		return err
	}

	payload, err := p.quotes.Quote(ctx, &worker.QuoteRequest{
		TokenFrom: a.cfg.SourceTokenAddress,
		TokenTo:   a.cfg.TokenAddress,
		Amount:    amount.String(),
		Wallet:    p.hotWallet,
	})
	if err != nil {
		return fmt.Errorf("batch convert quote: %w", err)
	}

	txHash, err := p.submitter.Submit(ctx, payload)
	if err != nil {
		return fmt.Errorf("batch convert submit: %w", err)
	}

	logger.Info("batch convert submitted",
		zap.String("asset", asset),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", txHash))
	return nil
}

// Refill 从热钱包向储备地址补充库存
func (p *ChainInventoryProvider) Refill(ctx context.Context, asset string, amount decimal.Decimal) error {
	a, err := p.asset(asset)
	if err != nil {
		return err
	}

	callData, err := a.token.PackTransfer(common.HexToAddress(a.cfg.ReserveAddress), amount.BigInt())
	if err != nil {
		return fmt.Errorf("pack refill transfer: %w", err)
	}

	txHash, err := p.submitter.Submit(ctx, &model.SettlementPayload{
		To:       a.cfg.TokenAddress,
		CallData: callData,
		Value:    decimal.Zero,
	})
	if err != nil {
		return fmt.Errorf("refill submit: %w", err)
	}

	logger.Info("reserve refill submitted",
		zap.String("asset", asset),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", txHash))
	return nil
}
