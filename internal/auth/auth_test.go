package auth

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testOperator = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testDelegate = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestBundleAuthorize(t *testing.T) {
	bundle := NewBundle(testOperator, testDelegate, "sepolia", []string{"enter-range", "Exit-Range"}, time.Hour)
	now := time.Now()

	if err := bundle.Authorize(testOperator, "enter-range", now); err != nil {
		t.Fatalf("expected in-scope action to pass: %v", err)
	}
	// 范围匹配不区分大小写。
	if err := bundle.Authorize(testOperator, "exit-range", now); err != nil {
		t.Fatalf("expected case-insensitive scope match: %v", err)
	}
	if err := bundle.Authorize(testOperator, "compound-fees", now); err == nil {
		t.Fatal("expected out-of-scope action to fail")
	}
	if err := bundle.Authorize(testDelegate, "enter-range", now); err == nil {
		t.Fatal("expected wrong operator to fail")
	}
	if err := bundle.Authorize(testOperator, "enter-range", now.Add(2*time.Hour)); err == nil {
		t.Fatal("expected expired bundle to fail")
	}
}

func TestBundleWildcardScope(t *testing.T) {
	bundle := NewBundle(testOperator, testDelegate, "sepolia", []string{"*"}, time.Hour)
	if !bundle.HasScope("adjust-range") {
		t.Fatal("expected wildcard scope to cover everything")
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	bundle := NewBundle(testOperator, testDelegate, "sepolia", []string{"enter-range"}, time.Hour)
	if err := store.Put(ctx, bundle); err != nil {
		t.Fatalf("put: %v", err)
	}

	loaded, err := store.Get(ctx, bundle.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Operator != testOperator || len(loaded.Scopes) != 1 {
		t.Fatalf("unexpected bundle: %+v", loaded)
	}

	// 存储返回副本，修改不应影响内部状态。
	loaded.Revoked = true
	again, err := store.Get(ctx, bundle.ID)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Revoked {
		t.Fatal("expected store to hand out copies")
	}

	if err := store.Revoke(ctx, bundle.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err := store.Get(ctx, bundle.ID)
	if err != nil {
		t.Fatalf("get revoked: %v", err)
	}
	if err := revoked.Authorize(testOperator, "enter-range", time.Now()); err == nil {
		t.Fatal("expected revoked bundle to fail authorization")
	}

	if _, err := store.Get(ctx, "missing"); err == nil {
		t.Fatal("expected error for unknown bundle")
	}
}

func TestMemoryStorePruneExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	fresh := NewBundle(testOperator, testDelegate, "sepolia", []string{"*"}, time.Hour)
	stale := NewBundle(testOperator, testDelegate, "sepolia", []string{"*"}, -time.Minute)
	if err := store.Put(ctx, fresh); err != nil {
		t.Fatalf("put fresh: %v", err)
	}
	if err := store.Put(ctx, stale); err != nil {
		t.Fatalf("put stale: %v", err)
	}

	if removed := store.PruneExpired(time.Now()); removed != 1 {
		t.Fatalf("expected 1 pruned bundle, got %d", removed)
	}
	remaining, err := store.ListByOperator(ctx, testOperator)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != fresh.ID {
		t.Fatalf("unexpected remaining bundles: %+v", remaining)
	}
}
