package venue

import (
	"bytes"
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestManagerBuilderEncodesKnownKind(t *testing.T) {
	manager := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	builder, err := NewManagerBuilder(manager)
	if err != nil {
		t.Fatalf("创建构建器失败: %v", err)
	}

	requests, err := builder.BuildTransaction(context.Background(), "enter-range", map[string]any{
		"pool_id":    "eth-usdc-3000",
		"lower_tick": -600,
		"upper_tick": 600,
	})
	if err != nil {
		t.Fatalf("构建交易失败: %v", err)
	}
	if len(requests) != 1 {
		t.Fatalf("应产出一笔交易，实际 %d", len(requests))
	}
	if requests[0].To != manager {
		t.Fatalf("交易目标应为管理合约: %s", requests[0].To.Hex())
	}

	selector := crypto.Keccak256([]byte("enterRange(bytes)"))[:4]
	if !bytes.Equal(requests[0].Data[:4], selector) {
		t.Fatalf("函数选择器不匹配")
	}
	if (len(requests[0].Data)-4)%32 != 0 {
		t.Fatalf("calldata 未按 32 字节对齐: %d", len(requests[0].Data))
	}
}

func TestManagerBuilderRejectsUnknownKind(t *testing.T) {
	builder, err := NewManagerBuilder(common.HexToAddress("0x00000000000000000000000000000000000000aa"))
	if err != nil {
		t.Fatalf("创建构建器失败: %v", err)
	}
	if _, err := builder.BuildTransaction(context.Background(), "mystery", nil); err == nil {
		t.Fatalf("未知动作应报错")
	}
}

func TestManagerBuilderRejectsZeroAddress(t *testing.T) {
	if _, err := NewManagerBuilder(common.Address{}); err == nil {
		t.Fatalf("零地址应报错")
	}
}
