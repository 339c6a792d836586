package venue

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Catalog 描述 configs/venues.yaml 的结构：可选池子与永续市场的静态元数据。
type Catalog struct {
	Pools   []CatalogPool   `yaml:"pools"`
	Markets []CatalogMarket `yaml:"markets"`
}

// CatalogPool 是配置文件中一个池子的条目。
type CatalogPool struct {
	ID           string  `yaml:"id"`
	Symbol       string  `yaml:"symbol"`
	Token0       string  `yaml:"token0"`
	Token1       string  `yaml:"token1"`
	Decimals0    int     `yaml:"decimals0"`
	Decimals1    int     `yaml:"decimals1"`
	TickSpacing  int     `yaml:"tick_spacing"`
	FeeTierBps   int     `yaml:"fee_tier_bps"`
	Chain        string  `yaml:"chain"`
	PoolContract string  `yaml:"pool_contract"`
	MidPrice     float64 `yaml:"mid_price"`
}

// CatalogMarket 是配置文件中一个永续市场的条目。MarkPrice 仅静态模式使用。
type CatalogMarket struct {
	Symbol       string  `yaml:"symbol"`
	AssetID      int     `yaml:"asset_id"`
	SizeDecimals int     `yaml:"size_decimals"`
	MaxLeverage  int     `yaml:"max_leverage"`
	OnlyIsolated bool    `yaml:"only_isolated"`
	MarkPrice    float64 `yaml:"mark_price"`
	VaultAddress string  `yaml:"vault_address"`
	VaultUSD     float64 `yaml:"vault_usd"`
}

// LoadCatalog 解析池子与市场目录文件。路径为空时返回空目录。
func LoadCatalog(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Catalog{}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("读取交易所目录失败: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(content, &catalog); err != nil {
		return Catalog{}, fmt.Errorf("解析交易所目录失败: %w", err)
	}
	for i, pool := range catalog.Pools {
		if strings.TrimSpace(pool.ID) == "" {
			return Catalog{}, fmt.Errorf("第 %d 个池子缺少 id", i+1)
		}
		if pool.TickSpacing <= 0 {
			return Catalog{}, fmt.Errorf("池子 %s 的 tick_spacing 必须为正", pool.ID)
		}
	}
	return catalog, nil
}

// PoolList 把目录条目转换为池子元数据。
func (c Catalog) PoolList() []Pool {
	pools := make([]Pool, 0, len(c.Pools))
	for _, entry := range c.Pools {
		pools = append(pools, Pool{
			ID:           entry.ID,
			Symbol:       entry.Symbol,
			Token0:       common.HexToAddress(entry.Token0),
			Token1:       common.HexToAddress(entry.Token1),
			Decimals0:    entry.Decimals0,
			Decimals1:    entry.Decimals1,
			TickSpacing:  entry.TickSpacing,
			FeeTierBps:   entry.FeeTierBps,
			ChainName:    entry.Chain,
			PoolContract: common.HexToAddress(entry.PoolContract),
		})
	}
	return pools
}

// Populate 把目录中的池子与市场灌入内存交易所，供模拟模式与本地联调使用。
func (c Catalog) Populate(v *StaticVenue) {
	for i, pool := range c.PoolList() {
		v.AddPool(pool, Snapshot{MidPrice: c.Pools[i].MidPrice})
	}
	for _, market := range c.Markets {
		v.AddMarket(MarketSpec{
			Symbol:       market.Symbol,
			AssetID:      market.AssetID,
			SizeDecimals: market.SizeDecimals,
			MaxLeverage:  market.MaxLeverage,
			OnlyIsolated: market.OnlyIsolated,
		}, market.MarkPrice)
		if market.VaultAddress != "" {
			v.SetVault(VaultSummary{
				VaultAddress:    common.HexToAddress(market.VaultAddress),
				AccountValueUSD: decimal.NewFromFloat(market.VaultUSD),
				WithdrawableUSD: decimal.NewFromFloat(market.VaultUSD),
			})
		}
	}
}
