package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"OpenDEX-Chain/internal/chain"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
)

// transferTopic is the topic0 of the canonical ERC-20 Transfer event.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name        string
	RPCURL      string
	BatchRPCURL string
	Notes       string
}

// Client implements the chain.Client interface for EVM compatible chains.
type Client struct {
	name        string
	notes       string
	rpcClient   *gethrpc.Client
	batchClient *gethrpc.Client
	eth         *ethclient.Client
	mu          sync.Mutex
}

// receiptReader mirrors the subset of ethclient used for receipt lookups,
// so tests can substitute a fake backend.
type receiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	eth := ethclient.NewClient(rpcClient)

	batchClient := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			return nil, fmt.Errorf("连接批量交易节点失败: %w", err)
		}
	}

	return &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		rpcClient:   rpcClient,
		batchClient: batchClient,
		eth:         eth,
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.batchClient != nil && c.batchClient != c.rpcClient {
		c.batchClient.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
	c.batchClient = nil
}

// GetReceipt fetches a transaction receipt and decodes every ERC-20
// Transfer event found in its logs.
func (c *Client) GetReceipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	hash := strings.TrimSpace(txHash)
	if hash == "" {
		return nil, errors.New("交易哈希不能为空")
	}
	return fetchReceipt(ctx, c.eth, hash)
}

func fetchReceipt(ctx context.Context, reader receiptReader, txHash string) (*chain.Receipt, error) {
	receipt, err := reader.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("%s: %w", txHash, chain.ErrReceiptNotFound)
		}
		return nil, fmt.Errorf("查询交易回执失败: %w", err)
	}

	result := &chain.Receipt{
		TxHash:  txHash,
		Status:  receipt.Status,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}

	total := decimal.Zero
	for _, log := range receipt.Logs {
		transfer, ok := decodeTransfer(log)
		if !ok {
			continue
		}
		result.Transfers = append(result.Transfers, transfer)
		total = total.Add(transfer.Value)
	}
	result.TransferTotal = total
	return result, nil
}

// decodeTransfer decodes a log as an ERC-20 Transfer event.
// The event carries from/to as indexed topics and the value in the data
// section; anything else is ignored.
func decodeTransfer(log *coretypes.Log) (chain.Transfer, bool) {
	if log == nil || len(log.Topics) != 3 || log.Topics[0] != transferTopic {
		return chain.Transfer{}, false
	}
	if len(log.Data) != 32 {
		return chain.Transfer{}, false
	}
	value := new(big.Int).SetBytes(log.Data)
	return chain.Transfer{
		Token: log.Address.Hex(),
		From:  common.BytesToAddress(log.Topics[1].Bytes()).Hex(),
		To:    common.BytesToAddress(log.Topics[2].Bytes()).Hex(),
		Value: decimal.NewFromBigInt(value, 0),
	}, true
}

// SendBatchTransactions broadcasts multiple signed transactions in a single
// RPC batch call.
func (c *Client) SendBatchTransactions(ctx context.Context, txs []*coretypes.Transaction) ([]common.Hash, error) {
	if len(txs) == 0 {
		return nil, errors.New("没有可发送的交易")
	}
	if c == nil || c.batchClient == nil {
		return nil, errors.New("当前客户端未配置批量 RPC")
	}

	hashes := make([]common.Hash, len(txs))
	elems := make([]gethrpc.BatchElem, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("序列化交易失败: %w", err)
		}
		hexPayload := "0x" + hex.EncodeToString(raw)
		elems[i] = gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{hexPayload},
			Result: &hashes[i],
		}
	}

	if err := c.batchClient.BatchCallContext(ctx, elems); err != nil {
		return nil, fmt.Errorf("批量发送交易失败: %w", err)
	}
	for i := range elems {
		if elems[i].Error != nil {
			return nil, fmt.Errorf("交易 %d 发送失败: %w", i, elems[i].Error)
		}
	}
	return hashes, nil
}

var _ chain.Client = (*Client)(nil)
