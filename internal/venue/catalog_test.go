package venue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const catalogYAML = `pools:
  - id: eth-usdc-3000
    symbol: ETH/USDC
    token0: "0x0000000000000000000000000000000000000001"
    token1: "0x0000000000000000000000000000000000000002"
    decimals0: 18
    decimals1: 6
    tick_spacing: 60
    fee_tier_bps: 30
    chain: ethereum-sepolia
    pool_contract: "0x0000000000000000000000000000000000000003"
    mid_price: 2000
markets:
  - symbol: ETH
    asset_id: 1
    size_decimals: 4
    max_leverage: 20
    mark_price: 2000
    vault_address: "0x0000000000000000000000000000000000000009"
    vault_usd: 50000
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "venues.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入目录文件失败: %v", err)
	}
	return path
}

func TestLoadCatalogAndPopulate(t *testing.T) {
	catalog, err := LoadCatalog(writeCatalog(t, catalogYAML))
	if err != nil {
		t.Fatalf("加载目录失败: %v", err)
	}
	if len(catalog.Pools) != 1 || len(catalog.Markets) != 1 {
		t.Fatalf("目录条目数不符: %+v", catalog)
	}

	pools := catalog.PoolList()
	if pools[0].DecimalsDiff() != 12 {
		t.Fatalf("小数位差应为 12，实际 %d", pools[0].DecimalsDiff())
	}

	static := NewStaticVenue()
	catalog.Populate(static)

	snap, err := static.GetSnapshot(context.Background(), "eth-usdc-3000")
	if err != nil {
		t.Fatalf("读取快照失败: %v", err)
	}
	if snap.MidPrice != 2000 {
		t.Fatalf("中间价应为 2000，实际 %v", snap.MidPrice)
	}
	if _, err := static.MarkPrice(context.Background(), "ETH"); err != nil {
		t.Fatalf("标记价应已配置: %v", err)
	}
}

func TestLoadCatalogEmptyPathReturnsEmpty(t *testing.T) {
	catalog, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("空路径不应报错: %v", err)
	}
	if len(catalog.Pools) != 0 {
		t.Fatalf("空路径应返回空目录")
	}
}

func TestLoadCatalogRejectsBadTickSpacing(t *testing.T) {
	bad := `pools:
  - id: broken
    symbol: A/B
    tick_spacing: 0
`
	if _, err := LoadCatalog(writeCatalog(t, bad)); err == nil {
		t.Fatalf("tick_spacing 为 0 时应报错")
	}
}
