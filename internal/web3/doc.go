// Package web3 houses blockchain connectivity utilities: RPC clients,
// transaction signing, and multi-chain configuration helpers. It lets the
// execution layer talk to EVM networks through a uniform interface covering
// read-only contract calls, nonce and gas queries, batched submission of
// signed transactions, and receipt polling.
package web3
