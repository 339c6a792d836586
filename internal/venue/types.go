package venue

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Position 描述交易所侧的一个区间头寸。
type Position struct {
	PoolID      string          `json:"pool_id"`
	LowerTick   int             `json:"lower_tick"`
	UpperTick   int             `json:"upper_tick"`
	LowerPrice  float64         `json:"lower_price"`
	UpperPrice  float64         `json:"upper_price"`
	Liquidity   decimal.Decimal `json:"liquidity"`
	FeesOwedUSD decimal.Decimal `json:"fees_owed_usd"`
}

// Snapshot 是一次只读的交易所观测：价格、流动性与待领取费用。
// 查询是幂等的，调用方可以在每个轮询周期重新获取。
type Snapshot struct {
	PoolID     string          `json:"pool_id"`
	MidPrice   float64         `json:"mid_price"`
	Volatility float64         `json:"volatility"`
	Liquidity  decimal.Decimal `json:"liquidity"`
	Position   *Position       `json:"position,omitempty"`
}

// Pool 描述一个可选池子的静态元数据。
type Pool struct {
	ID           string         `json:"id"`
	Symbol       string         `json:"symbol"`
	Token0       common.Address `json:"token0"`
	Token1       common.Address `json:"token1"`
	Decimals0    int            `json:"decimals0"`
	Decimals1    int            `json:"decimals1"`
	TickSpacing  int            `json:"tick_spacing"`
	FeeTierBps   int            `json:"fee_tier_bps"`
	ChainName    string         `json:"chain_name"`
	PoolContract common.Address `json:"pool_contract"`
}

// DecimalsDiff 返回两种资产的小数位之差，供决策引擎换算 tick。
func (p Pool) DecimalsDiff() int {
	return p.Decimals0 - p.Decimals1
}

// Balance 描述钱包中一种代币的余额。
type Balance struct {
	TokenAddress common.Address  `json:"token_address"`
	Symbol       string          `json:"symbol"`
	Amount       decimal.Decimal `json:"amount"`
	Decimals     int             `json:"decimals"`
	USDValue     decimal.Decimal `json:"usd_value"`
}

// MarketSpec 描述一个永续合约市场的下单规格。
type MarketSpec struct {
	Symbol       string `json:"symbol"`
	AssetID      int    `json:"asset_id"`
	SizeDecimals int    `json:"size_decimals"`
	MaxLeverage  int    `json:"max_leverage"`
	OnlyIsolated bool   `json:"only_isolated"`
}

// VaultSummary 汇总金库的资产状况，用于按比例计算仓位。
type VaultSummary struct {
	AccountValueUSD decimal.Decimal `json:"account_value_usd"`
	WithdrawableUSD decimal.Decimal `json:"withdrawable_usd"`
	VaultAddress    common.Address  `json:"vault_address"`
}

// TxRequest 是一笔待提交的链上交易，由交易构建器产出，本身不包含签名。
type TxRequest struct {
	To    common.Address `json:"to"`
	Data  []byte         `json:"data"`
	Value *big.Int       `json:"value"`
}

// SnapshotProvider 提供交易所状态的只读查询。
type SnapshotProvider interface {
	GetSnapshot(ctx context.Context, poolID string) (Snapshot, error)
	ListPools(ctx context.Context) ([]Pool, error)
}

// BalanceReader 提供钱包余额的只读查询。
type BalanceReader interface {
	ListBalances(ctx context.Context, address common.Address) ([]Balance, error)
}

// MarketReader 提供永续市场的规格与标记价查询。
type MarketReader interface {
	MarketSpec(ctx context.Context, symbol string) (MarketSpec, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	VaultSummary(ctx context.Context, vault common.Address) (VaultSummary, error)
}

// TxBuilder 把动作种类与参数编码为一组链上交易，不负责提交。
type TxBuilder interface {
	BuildTransaction(ctx context.Context, kind string, params map[string]any) ([]TxRequest, error)
}
