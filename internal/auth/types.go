package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Common errors returned by the delegation subsystem.
var (
	ErrBundleNotFound = errors.New("delegation bundle not found")
	ErrBundleExpired  = errors.New("delegation bundle expired")
	ErrBundleRevoked  = errors.New("delegation bundle revoked")
	ErrScopeDenied    = errors.New("action not covered by delegation scope")
	ErrWrongOperator  = errors.New("bundle operator does not match thread operator")
)

// Mode 表示执行层使用的签名来源。
type Mode string

const (
	// ModeDirect 使用本地私钥直接签名。
	ModeDirect Mode = "direct"
	// ModeDelegated 使用操作员授予的委托凭证打包提交。
	ModeDelegated Mode = "delegated"
)

// IsValidMode 判断给定的签名模式是否合法。
func IsValidMode(m Mode) bool {
	return m == ModeDirect || m == ModeDelegated
}

// DelegationBundle 是操作员钱包授予协调器的一份限定范围的执行授权。
// 授权绑定具体操作员、动作范围与到期时间，过期或吊销后立即失效。
type DelegationBundle struct {
	ID        string         `json:"id"`
	Operator  common.Address `json:"operator"`
	Delegate  common.Address `json:"delegate"`
	ChainName string         `json:"chain_name"`
	Scopes    []string       `json:"scopes"`
	Signature []byte         `json:"signature"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Revoked   bool           `json:"revoked"`

	scopeSet map[string]struct{}
}

// NewBundle 创建一份新的委托授权并分配 ID。
func NewBundle(operator, delegate common.Address, chainName string, scopes []string, ttl time.Duration) *DelegationBundle {
	now := time.Now().UTC()
	bundle := &DelegationBundle{
		ID:        uuid.NewString(),
		Operator:  operator,
		Delegate:  delegate,
		ChainName: chainName,
		Scopes:    dedupeStrings(scopes),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	bundle.normalise()
	return bundle
}

// normalise 准备用于范围检查的查找集合。
func (b *DelegationBundle) normalise() {
	if b == nil {
		return
	}
	if b.scopeSet == nil {
		b.scopeSet = make(map[string]struct{}, len(b.Scopes))
		for _, scope := range b.Scopes {
			b.scopeSet[strings.ToLower(strings.TrimSpace(scope))] = struct{}{}
		}
	}
}

// HasScope 判断授权是否覆盖给定的动作种类。
func (b *DelegationBundle) HasScope(action string) bool {
	if b == nil {
		return false
	}
	b.normalise()
	if _, ok := b.scopeSet["*"]; ok {
		return true
	}
	_, ok := b.scopeSet[strings.ToLower(strings.TrimSpace(action))]
	return ok
}

// Expired 判断授权在给定时间点是否已过期。
func (b *DelegationBundle) Expired(now time.Time) bool {
	if b == nil {
		return true
	}
	return !b.ExpiresAt.IsZero() && now.After(b.ExpiresAt)
}

// Authorize 校验授权可以代表 operator 执行 action，失败时返回具体原因。
func (b *DelegationBundle) Authorize(operator common.Address, action string, now time.Time) error {
	if b == nil {
		return ErrBundleNotFound
	}
	if b.Revoked {
		return ErrBundleRevoked
	}
	if b.Expired(now) {
		return fmt.Errorf("%w: 截止 %s", ErrBundleExpired, b.ExpiresAt.Format(time.RFC3339))
	}
	if b.Operator != operator {
		return ErrWrongOperator
	}
	if !b.HasScope(action) {
		return fmt.Errorf("%w: %s", ErrScopeDenied, action)
	}
	return nil
}

// Clone 返回授权的浅拷贝，避免调用方修改存储内的数据。
func (b *DelegationBundle) Clone() *DelegationBundle {
	if b == nil {
		return nil
	}
	clone := &DelegationBundle{
		ID:        b.ID,
		Operator:  b.Operator,
		Delegate:  b.Delegate,
		ChainName: b.ChainName,
		Scopes:    append([]string(nil), b.Scopes...),
		Signature: append([]byte(nil), b.Signature...),
		CreatedAt: b.CreatedAt,
		ExpiresAt: b.ExpiresAt,
		Revoked:   b.Revoked,
	}
	clone.normalise()
	return clone
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	return result
}
