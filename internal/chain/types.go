package chain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// ErrReceiptNotFound is returned when the chain has no receipt for a hash,
// typically because the transaction is still pending or was dropped.
var ErrReceiptNotFound = errors.New("transaction receipt not found")

// Transfer is one ERC-20 Transfer event decoded from a receipt log.
// Value is expressed in the token's smallest unit.
type Transfer struct {
	Token string
	From  string
	To    string
	Value decimal.Decimal
}

// Receipt summarizes an on-chain transaction receipt for reconciliation.
// TransferTotal is the sum of all decoded Transfer event values.
type Receipt struct {
	TxHash        string
	Status        uint64
	GasUsed       uint64
	BlockNumber   uint64
	Transfers     []Transfer
	TransferTotal decimal.Decimal
}

// ReceiptLookup fetches transaction receipts from a chain endpoint.
type ReceiptLookup interface {
	GetReceipt(ctx context.Context, txHash string) (*Receipt, error)
}

// Client defines the common interface that any chain implementation must
// provide so higher layers can interact with different networks uniformly.
type Client interface {
	ReceiptLookup
	SendBatchTransactions(ctx context.Context, txs []*coretypes.Transaction) ([]common.Hash, error)
	Close()
}
