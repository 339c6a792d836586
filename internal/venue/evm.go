package venue

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	xerrors "OpenCLMM-Chain/internal/errors"
)

// contractCaller 抽象出只读合约调用，便于在测试中注入假后端。
// *ethclient.Client 与 SimulatedBackend 均满足该接口。
type contractCaller interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var (
	// balanceOf(address)
	selectorBalanceOf = [4]byte{0x70, 0xa0, 0x82, 0x31}
	// slot0()
	selectorSlot0 = [4]byte{0x38, 0x50, 0xc7, 0xbd}
)

// EVMReader 通过链上只读调用实现池子快照与余额查询。
// 头寸信息由协调层从检查点恢复，链上只提供价格与余额。
type EVMReader struct {
	caller contractCaller

	mu    sync.RWMutex
	pools map[string]Pool
}

// NewEVMReader 创建一个基于链上调用的读取器。
func NewEVMReader(caller contractCaller, pools []Pool) *EVMReader {
	registry := make(map[string]Pool, len(pools))
	for _, pool := range pools {
		registry[pool.ID] = pool
	}
	return &EVMReader{caller: caller, pools: registry}
}

// RegisterPool 在运行期追加一个池子。
func (r *EVMReader) RegisterPool(pool Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[pool.ID] = pool
}

// ListPools 实现 SnapshotProvider。
func (r *EVMReader) ListPools(_ context.Context) ([]Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pools := make([]Pool, 0, len(r.pools))
	for _, pool := range r.pools {
		pools = append(pools, pool)
	}
	return pools, nil
}

// GetSnapshot 实现 SnapshotProvider：读取池子合约的 slot0 并换算中间价。
func (r *EVMReader) GetSnapshot(ctx context.Context, poolID string) (Snapshot, error) {
	r.mu.RLock()
	pool, ok := r.pools[poolID]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("池子 %s 不存在", poolID))
	}

	data := selectorSlot0[:]
	out, err := r.caller.CallContract(ctx, gethcore.CallMsg{To: &pool.PoolContract, Data: data}, nil)
	if err != nil {
		return Snapshot{}, xerrors.Wrap(xerrors.CodeVenueFailure, err, fmt.Sprintf("读取池子 %s 的 slot0 失败", poolID))
	}
	if len(out) < 32 {
		return Snapshot{}, xerrors.New(xerrors.CodeVenueFailure, fmt.Sprintf("池子 %s 返回的 slot0 数据不完整", poolID))
	}

	sqrtPriceX96 := new(big.Int).SetBytes(out[:32])
	mid := priceFromSqrtX96(sqrtPriceX96, pool.DecimalsDiff())
	if mid <= 0 || math.IsInf(mid, 0) || math.IsNaN(mid) {
		return Snapshot{}, xerrors.New(xerrors.CodeVenueFailure, fmt.Sprintf("池子 %s 的价格无效", poolID))
	}

	return Snapshot{PoolID: poolID, MidPrice: mid}, nil
}

// ListBalances 实现 BalanceReader：对每个池子涉及的代币发起 balanceOf 调用。
func (r *EVMReader) ListBalances(ctx context.Context, address common.Address) ([]Balance, error) {
	r.mu.RLock()
	tokens := make(map[common.Address]int)
	symbols := make(map[common.Address]string)
	for _, pool := range r.pools {
		tokens[pool.Token0] = pool.Decimals0
		tokens[pool.Token1] = pool.Decimals1
		symbols[pool.Token0] = pool.Symbol
		symbols[pool.Token1] = pool.Symbol
	}
	r.mu.RUnlock()

	balances := make([]Balance, 0, len(tokens))
	for token, decimals := range tokens {
		raw, err := r.erc20BalanceOf(ctx, token, address)
		if err != nil {
			return nil, err
		}
		balances = append(balances, Balance{
			TokenAddress: token,
			Symbol:       symbols[token],
			Amount:       decimal.NewFromBigInt(raw, -int32(decimals)),
			Decimals:     decimals,
		})
	}
	return balances, nil
}

func (r *EVMReader) erc20BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data := make([]byte, 0, 36)
	data = append(data, selectorBalanceOf[:]...)
	data = append(data, common.LeftPadBytes(holder.Bytes(), 32)...)

	out, err := r.caller.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeVenueFailure, err, fmt.Sprintf("查询代币 %s 余额失败", token.Hex()))
	}
	if len(out) < 32 {
		return nil, xerrors.New(xerrors.CodeVenueFailure, fmt.Sprintf("代币 %s 返回的余额数据不完整", token.Hex()))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// priceFromSqrtX96 把 sqrtPriceX96 换算为带小数位修正的价格。
func priceFromSqrtX96(sqrtPriceX96 *big.Int, decimalsDiff int) float64 {
	ratio := new(big.Float).SetInt(sqrtPriceX96)
	ratio.Quo(ratio, new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 96)))
	price, _ := new(big.Float).Mul(ratio, ratio).Float64()
	return price * math.Pow10(decimalsDiff)
}

var (
	_ SnapshotProvider = (*EVMReader)(nil)
	_ BalanceReader    = (*EVMReader)(nil)
)
