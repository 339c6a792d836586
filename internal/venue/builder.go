package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenCLMM-Chain/internal/errors"
)

// managerSignatures 把动作种类映射到管理合约的函数签名。
// 所有动作都走同一个入口合约，参数以 ABI bytes 形式传入。
var managerSignatures = map[string]string{
	"enter-range":   "enterRange(bytes)",
	"adjust-range":  "adjustRange(bytes)",
	"exit-range":    "exitRange(bytes)",
	"compound-fees": "compoundFees(bytes)",
	"perps-long":    "openLong(bytes)",
	"perps-short":   "openShort(bytes)",
	"perps-close":   "closePosition(bytes)",
	"supply":        "supplyOperator(bytes)",
	"withdraw":      "withdrawOperator(bytes)",
}

// ManagerBuilder 把执行计划编码为对管理合约的调用。
// 合约入口按动作种类区分，参数统一编码为一个 bytes 负载。
type ManagerBuilder struct {
	manager common.Address
}

// NewManagerBuilder 创建面向管理合约的交易构建器。
func NewManagerBuilder(manager common.Address) (*ManagerBuilder, error) {
	if manager == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "管理合约地址未配置")
	}
	return &ManagerBuilder{manager: manager}, nil
}

// BuildTransaction 实现 TxBuilder。
func (b *ManagerBuilder) BuildTransaction(_ context.Context, kind string, params map[string]any) ([]TxRequest, error) {
	signature, ok := managerSignatures[strings.TrimSpace(kind)]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("管理合约不支持的动作: %s", kind))
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码交易参数失败")
	}

	selector := crypto.Keccak256([]byte(signature))[:4]
	data := append(append([]byte{}, selector...), encodeBytesArg(payload)...)
	return []TxRequest{{To: b.manager, Data: data}}, nil
}

// encodeBytesArg 按 ABI 规则编码单个动态 bytes 参数：
// 偏移量、长度，然后是按 32 字节对齐的内容。
func encodeBytesArg(payload []byte) []byte {
	out := make([]byte, 0, 64+len(payload)+31)
	out = append(out, common.LeftPadBytes([]byte{0x20}, 32)...)
	out = append(out, common.LeftPadBytes(big.NewInt(int64(len(payload))).Bytes(), 32)...)
	out = append(out, payload...)
	if rem := len(payload) % 32; rem != 0 {
		out = append(out, make([]byte, 32-rem)...)
	}
	return out
}

var _ TxBuilder = (*ManagerBuilder)(nil)
