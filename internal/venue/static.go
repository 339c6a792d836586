package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenCLMM-Chain/internal/errors"
)

// StaticVenue 以内存数据实现全部交易所查询接口，用于测试与本地联调。
// 所有读写都在锁内完成，可并发使用。
type StaticVenue struct {
	mu        sync.RWMutex
	pools     map[string]Pool
	snapshots map[string]Snapshot
	balances  map[common.Address][]Balance
	markets   map[string]MarketSpec
	marks     map[string]float64
	vaults    map[common.Address]VaultSummary
}

// NewStaticVenue 创建一个空的内存交易所。
func NewStaticVenue() *StaticVenue {
	return &StaticVenue{
		pools:     make(map[string]Pool),
		snapshots: make(map[string]Snapshot),
		balances:  make(map[common.Address][]Balance),
		markets:   make(map[string]MarketSpec),
		marks:     make(map[string]float64),
		vaults:    make(map[common.Address]VaultSummary),
	}
}

// AddPool 注册一个池子并初始化快照。
func (v *StaticVenue) AddPool(pool Pool, snapshot Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pools[pool.ID] = pool
	snapshot.PoolID = pool.ID
	v.snapshots[pool.ID] = snapshot
}

// SetMidPrice 更新池子快照的中间价。
func (v *StaticVenue) SetMidPrice(poolID string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	snap := v.snapshots[poolID]
	snap.PoolID = poolID
	snap.MidPrice = price
	v.snapshots[poolID] = snap
}

// SetPosition 更新池子快照中的头寸（nil 表示无头寸）。
func (v *StaticVenue) SetPosition(poolID string, position *Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	snap := v.snapshots[poolID]
	snap.PoolID = poolID
	snap.Position = position
	v.snapshots[poolID] = snap
}

// SetBalances 覆盖某个地址的余额列表。
func (v *StaticVenue) SetBalances(address common.Address, balances []Balance) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[address] = append([]Balance(nil), balances...)
}

// AddMarket 注册一个永续市场。
func (v *StaticVenue) AddMarket(spec MarketSpec, markPrice float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.markets[strings.ToUpper(spec.Symbol)] = spec
	v.marks[strings.ToUpper(spec.Symbol)] = markPrice
}

// SetVault 配置金库汇总信息。
func (v *StaticVenue) SetVault(summary VaultSummary) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vaults[summary.VaultAddress] = summary
}

// GetSnapshot 实现 SnapshotProvider。
func (v *StaticVenue) GetSnapshot(_ context.Context, poolID string) (Snapshot, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	snap, ok := v.snapshots[poolID]
	if !ok {
		return Snapshot{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("池子 %s 不存在", poolID))
	}
	return snap, nil
}

// ListPools 实现 SnapshotProvider。
func (v *StaticVenue) ListPools(_ context.Context) ([]Pool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	pools := make([]Pool, 0, len(v.pools))
	for _, pool := range v.pools {
		pools = append(pools, pool)
	}
	return pools, nil
}

// ListBalances 实现 BalanceReader。
func (v *StaticVenue) ListBalances(_ context.Context, address common.Address) ([]Balance, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]Balance(nil), v.balances[address]...), nil
}

// MarketSpec 实现 MarketReader。
func (v *StaticVenue) MarketSpec(_ context.Context, symbol string) (MarketSpec, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	spec, ok := v.markets[strings.ToUpper(symbol)]
	if !ok {
		return MarketSpec{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("市场 %s 不存在", symbol))
	}
	return spec, nil
}

// MarkPrice 实现 MarketReader。
func (v *StaticVenue) MarkPrice(_ context.Context, symbol string) (float64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	price, ok := v.marks[strings.ToUpper(symbol)]
	if !ok {
		return 0, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("市场 %s 没有标记价", symbol))
	}
	return price, nil
}

// VaultSummary 实现 MarketReader。
func (v *StaticVenue) VaultSummary(_ context.Context, vault common.Address) (VaultSummary, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	summary, ok := v.vaults[vault]
	if !ok {
		return VaultSummary{}, xerrors.New(xerrors.CodeNotFound, "金库未配置")
	}
	return summary, nil
}

// BuildTransaction 实现 TxBuilder：把动作与参数确定性地编码为一笔调用。
// 静态实现只用于模拟与测试，calldata 为动作签名哈希加参数 JSON。
func (v *StaticVenue) BuildTransaction(_ context.Context, kind string, params map[string]any) ([]TxRequest, error) {
	if strings.TrimSpace(kind) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "动作种类不能为空")
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码交易参数失败")
	}
	selector := crypto.Keccak256([]byte(kind))[:4]
	return []TxRequest{{
		To:   common.BytesToAddress(crypto.Keccak256([]byte("static-venue"))[:20]),
		Data: append(selector, encoded...),
	}}, nil
}

var (
	_ SnapshotProvider = (*StaticVenue)(nil)
	_ BalanceReader    = (*StaticVenue)(nil)
	_ MarketReader     = (*StaticVenue)(nil)
	_ TxBuilder        = (*StaticVenue)(nil)
)
