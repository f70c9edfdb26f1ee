package chain

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"OpenDEX-Chain/internal/batch"
)

// SignedTxSource resolves a batch item into a signed raw transaction
// ready for broadcast.
type SignedTxSource interface {
	SignedTx(ctx context.Context, item *batch.Item) (*coretypes.Transaction, error)
}

// BatchSubmitter executes batches by broadcasting their items as one
// RPC batch call and collecting receipts for gas accounting.
type BatchSubmitter struct {
	client      Client
	source      SignedTxSource
	receiptWait time.Duration
	pollEvery   time.Duration
}

// SubmitterOption configures a BatchSubmitter.
type SubmitterOption func(*BatchSubmitter)

// WithReceiptWait bounds how long the submitter waits for receipts after
// broadcast. Gas usage of transactions still pending after the wait is
// simply not counted.
func WithReceiptWait(wait time.Duration) SubmitterOption {
	return func(s *BatchSubmitter) {
		if wait > 0 {
			s.receiptWait = wait
		}
	}
}

// NewBatchSubmitter creates a submitter over the given chain client.
func NewBatchSubmitter(client Client, source SignedTxSource, opts ...SubmitterOption) (*BatchSubmitter, error) {
	if client == nil {
		return nil, errors.New("chain client must not be nil")
	}
	if source == nil {
		return nil, errors.New("signed transaction source must not be nil")
	}
	s := &BatchSubmitter{
		client:      client,
		source:      source,
		receiptWait: 30 * time.Second,
		pollEvery:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ExecuteBatch implements the batch executor contract. Items whose signed
// transaction cannot be produced are marked failed without aborting the
// rest; a broadcast error fails the whole batch.
func (s *BatchSubmitter) ExecuteBatch(ctx context.Context, b *batch.Batch) (*batch.ExecutionResult, error) {
	if b == nil {
		return nil, errors.New("batch must not be nil")
	}

	result := &batch.ExecutionResult{}
	var txs []*coretypes.Transaction
	var sendable []*batch.Item

	now := time.Now().Unix()
	for _, item := range b.Items {
		tx, err := s.source.SignedTx(ctx, item)
		if err != nil {
			item.Success = false
			item.LastError = err.Error()
			item.ExecutedAt = now
			result.FailureCount++
			result.Items = append(result.Items, item)
			continue
		}
		txs = append(txs, tx)
		sendable = append(sendable, item)
	}

	if len(txs) == 0 {
		return result, nil
	}

	hashes, err := s.client.SendBatchTransactions(ctx, txs)
	if err != nil {
		return nil, err
	}

	executedAt := time.Now().Unix()
	for _, item := range sendable {
		item.Success = true
		item.LastError = ""
		item.ExecutedAt = executedAt
		result.SuccessCount++
		result.Items = append(result.Items, item)
	}
	result.TxHash = hashes[0].Hex()
	result.GasUsed = s.collectGasUsed(ctx, hashes)
	return result, nil
}

// collectGasUsed polls receipts for the broadcast hashes until they are
// mined or the wait budget runs out.
func (s *BatchSubmitter) collectGasUsed(ctx context.Context, hashes []common.Hash) uint64 {
	deadline := time.Now().Add(s.receiptWait)
	pending := make(map[common.Hash]struct{}, len(hashes))
	for _, hash := range hashes {
		pending[hash] = struct{}{}
	}

	var gasUsed uint64
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for len(pending) > 0 && time.Now().Before(deadline) {
		for hash := range pending {
			receipt, err := s.client.GetReceipt(ctx, hash.Hex())
			if err != nil {
				continue
			}
			gasUsed += receipt.GasUsed
			delete(pending, hash)
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return gasUsed
		case <-ticker.C:
		}
	}
	return gasUsed
}

var _ batch.Executor = (*BatchSubmitter)(nil)
