package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"OpenCLMM-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestSimulatedClientSubmitAndReceipt(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	chainID := big.NewInt(1337)
	signer := web3.NewSignerFromKey(key, chainID)

	alloc := core.GenesisAlloc{
		signer.Address(): {Balance: big.NewInt(1_000_000_000_000_000_000)},
	}
	backend := backends.NewSimulatedBackend(alloc, 8_000_000)
	client := NewSimulatedClient("simulated", chainID, backend)
	t.Cleanup(client.Close)

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x"+chainID.Text(16) {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}

	nonce, err := client.PendingNonceAt(ctx, signer.Address())
	if err != nil {
		t.Fatalf("pending nonce: %v", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		t.Fatalf("suggest gas price: %v", err)
	}

	recipient := common.HexToAddress("0xdead")
	tx, err := signer.SignTx(nonce, recipient, big.NewInt(1_000), 21_000, gasPrice, nil)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}

	hashes, err := client.SendBatchTransactions(ctx, []*coretypes.Transaction{tx})
	if err != nil {
		t.Fatalf("send batch: %v", err)
	}
	if len(hashes) != 1 || hashes[0] != tx.Hash() {
		t.Fatalf("unexpected hashes: %v", hashes)
	}

	receipt, err := client.TransactionReceipt(ctx, tx.Hash())
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("expected successful receipt, got status %d", receipt.Status)
	}

	balance, err := client.BalanceAt(ctx, recipient)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected recipient balance 1000, got %s", balance)
	}
}

func TestSendBatchTransactionsRequiresPayload(t *testing.T) {
	t.Parallel()

	client := NewSimulatedClient("simulated", big.NewInt(1337), backends.NewSimulatedBackend(core.GenesisAlloc{}, 8_000_000))
	t.Cleanup(client.Close)

	if _, err := client.SendBatchTransactions(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty batch")
	}
}
