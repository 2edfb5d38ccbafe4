package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client is the narrow chain RPC capability consumed by the transaction
// engine. Implementations must return ethereum.NotFound from
// TransactionReceipt while a transaction is unmined.
type Client interface {
	// PendingNonceAt returns the next usable nonce including pool contents.
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)

	// NonceAt returns the mined transaction count at the latest block.
	NonceAt(ctx context.Context, account common.Address) (uint64, error)

	// CodeAt returns the contract code at the latest block.
	CodeAt(ctx context.Context, account common.Address) ([]byte, error)

	// SendRawTransaction broadcasts an RLP-encoded signed transaction.
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)

	// TransactionReceipt returns the receipt of a mined transaction.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	// SuggestGasTipCap returns the suggested EIP-1559 priority fee.
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)

	// LatestHeader returns the latest block header.
	LatestHeader(ctx context.Context) (*types.Header, error)

	// EstimateGas estimates the gas needed to execute the call.
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}
