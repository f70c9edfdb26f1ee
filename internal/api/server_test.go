package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"OpenDEX-Chain/internal/batch"
	"OpenDEX-Chain/internal/chain"
	"OpenDEX-Chain/internal/reconcile"
	"OpenDEX-Chain/internal/txn"
)

type stubLookup struct {
	receipts map[string]*chain.Receipt
}

func (s *stubLookup) GetReceipt(_ context.Context, txHash string) (*chain.Receipt, error) {
	receipt, ok := s.receipts[txHash]
	if !ok {
		return nil, chain.ErrReceiptNotFound
	}
	return receipt, nil
}

type stubBatchExecutor struct{}

func (stubBatchExecutor) ExecuteBatch(_ context.Context, b *batch.Batch) (*batch.ExecutionResult, error) {
	result := &batch.ExecutionResult{TxHash: "0xbatch", GasUsed: 21000}
	for _, item := range b.Items {
		item.Success = true
		result.SuccessCount++
		result.Items = append(result.Items, item)
	}
	return result, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	ledger := txn.NewMemoryStore()
	simulated := txn.NewSimulatedExecutor()
	coordinator, err := txn.NewCoordinator(ledger, simulated, txn.WithCompensationExecutor(simulated))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	batches, err := batch.NewService(batch.NewMemoryStore(), batch.WithExecutor(stubBatchExecutor{}))
	if err != nil {
		t.Fatalf("new batch service: %v", err)
	}
	t.Cleanup(func() { _ = batches.Close() })

	reconciler, err := reconcile.NewService(reconcile.NewMemoryStore(), ledger, &stubLookup{})
	if err != nil {
		t.Fatalf("new reconcile service: %v", err)
	}

	return NewServer(":0", coordinator, batches, reconciler)
}

func doRequest(t *testing.T, handler http.HandlerFunc, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func swapPayload(initiator, key string) createTransactionPayload {
	return createTransactionPayload{
		Type:           "swap",
		Initiator:      initiator,
		IdempotencyKey: key,
		Legs: []legPayload{
			{Type: string(txn.LegTypeDebit), Target: "vault", AmountIn: "100", TokenIn: "USDC", RequiresCompensation: true},
			{Type: string(txn.LegTypeSwap), Target: "pool", AmountIn: "100", AmountOut: "99.5", TokenIn: "USDC", TokenOut: "DAI", RequiresCompensation: true},
		},
	}
}

func TestTransactionLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t)

	rec := doRequest(t, server.handleTransactions, http.MethodPost, "/api/v1/transactions", swapPayload("alice", "key-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created txn.Transaction
	decodeBody(t, rec, &created)
	if created.ID == "" || created.Status != txn.StatusPending {
		t.Fatalf("unexpected transaction: %+v", created)
	}

	rec = doRequest(t, server.handleTransactionDetail, http.MethodGet, "/api/v1/transactions/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doRequest(t, server.handleTransactionDetail, http.MethodGet, "/api/v1/transactions/"+created.ID+"/legs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for legs, got %d", rec.Code)
	}
	var legs []*txn.Leg
	decodeBody(t, rec, &legs)
	if len(legs) != 2 {
		t.Fatalf("expected 2 legs, got %d", len(legs))
	}

	rec = doRequest(t, server.handleTransactionDetail, http.MethodPost, "/api/v1/transactions/"+created.ID+"/execute", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for execute, got %d: %s", rec.Code, rec.Body.String())
	}
	var report txn.ExecutionReport
	decodeBody(t, rec, &report)
	if report.Status != txn.StatusCompleted || len(report.LegsCompleted) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}

	rec = doRequest(t, server.handleTransactionDetail, http.MethodGet, "/api/v1/transactions/"+created.ID+"/audit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for audit, got %d", rec.Code)
	}
	var entries []*txn.AuditEntry
	decodeBody(t, rec, &entries)
	if len(entries) == 0 {
		t.Fatal("expected audit entries after execution")
	}

	// 已完成的交易不能再取消。
	rec = doRequest(t, server.handleTransactionDetail, http.MethodPost, "/api/v1/transactions/"+created.ID+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var conflict errorBody
	decodeBody(t, rec, &conflict)
	if conflict.Code != string(txn.CodeTxnStateConflict) {
		t.Fatalf("unexpected error code: %s", conflict.Code)
	}
}

func TestCreateTransactionRejectsMalformedBody(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	server.handleTransactions(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetTransactionNotFound(t *testing.T) {
	server := newTestServer(t)

	rec := doRequest(t, server.handleTransactionDetail, http.MethodGet, "/api/v1/transactions/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body errorBody
	decodeBody(t, rec, &body)
	if body.Code != string(txn.CodeTxnNotFound) || body.Error == "" {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestListTransactionsWithQueryFilters(t *testing.T) {
	server := newTestServer(t)

	for i, initiator := range []string{"alice", "bob", "alice"} {
		payload := swapPayload(initiator, fmt.Sprintf("key-%d", i))
		rec := doRequest(t, server.handleTransactions, http.MethodPost, "/api/v1/transactions", payload)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create %d: %d", i, rec.Code)
		}
	}

	rec := doRequest(t, server.handleTransactions, http.MethodGet, "/api/v1/transactions?initiator=alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var transactions []*txn.Transaction
	decodeBody(t, rec, &transactions)
	if len(transactions) != 2 {
		t.Fatalf("expected 2 transactions for alice, got %d", len(transactions))
	}

	rec = doRequest(t, server.handleTransactions, http.MethodGet, "/api/v1/transactions?status=pending&limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	transactions = nil
	decodeBody(t, rec, &transactions)
	if len(transactions) != 1 {
		t.Fatalf("expected limit applied, got %d", len(transactions))
	}
}

func TestBatchEndpoints(t *testing.T) {
	server := newTestServer(t)

	rec := doRequest(t, server.handleBatches, http.MethodPost, "/api/v1/batches", addBatchItemPayload{
		TransactionID: "txn-1",
		Type:          string(batch.TypeTransaction),
		Strategy:      string(batch.StrategyGasOptimization),
		MaxSize:       10,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var accepted map[string]string
	decodeBody(t, rec, &accepted)
	batchID := accepted["batch_id"]
	if batchID == "" {
		t.Fatal("expected batch_id in response")
	}

	rec = doRequest(t, server.handleBatches, http.MethodGet, "/api/v1/batches?strategy="+string(batch.StrategyGasOptimization), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var pending []*batch.Batch
	decodeBody(t, rec, &pending)
	if len(pending) != 1 || pending[0].ID != batchID {
		t.Fatalf("unexpected pending batches: %+v", pending)
	}

	rec = doRequest(t, server.handleBatchDetail, http.MethodPost, "/api/v1/batches/"+batchID+"/execute", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for execute, got %d: %s", rec.Code, rec.Body.String())
	}
	var executed batch.Batch
	decodeBody(t, rec, &executed)
	if executed.Status != batch.StatusCompleted {
		t.Fatalf("expected completed batch, got %s", executed.Status)
	}

	// 已完成的批次取消应返回冲突。
	rec = doRequest(t, server.handleBatchDetail, http.MethodPost, "/api/v1/batches/"+batchID+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	rec = doRequest(t, server.handleBatchDetail, http.MethodGet, "/api/v1/batches/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown batch, got %d", rec.Code)
	}

	rec = doRequest(t, server.handleBatches, http.MethodPost, "/api/v1/batches", addBatchItemPayload{
		Type:     string(batch.TypeTransaction),
		Strategy: string(batch.StrategySizeLimit),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for item without ids, got %d", rec.Code)
	}
}

func TestReconciliationEndpoints(t *testing.T) {
	server := newTestServer(t)

	rec := doRequest(t, server.handleTransactions, http.MethodPost, "/api/v1/transactions", swapPayload("alice", "key-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}
	var created txn.Transaction
	decodeBody(t, rec, &created)

	// 没有链上哈希时记录保持 pending。
	rec = doRequest(t, server.handleReconciliations, http.MethodPost, "/api/v1/reconciliations", reconcilePayload{
		TransactionID: created.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var record reconcile.Record
	decodeBody(t, rec, &record)
	if record.Status != reconcile.StatusPending {
		t.Fatalf("expected pending record, got %s", record.Status)
	}

	rec = doRequest(t, server.handleReconciliations, http.MethodGet, "/api/v1/reconciliations?transaction_id="+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var records []*reconcile.Record
	decodeBody(t, rec, &records)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	rec = doRequest(t, server.handleReconciliations, http.MethodPost, "/api/v1/reconciliations", reconcilePayload{
		TransactionIDs: []string{created.ID, "missing"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for batch reconcile, got %d", rec.Code)
	}
	var result reconcile.BatchResult
	decodeBody(t, rec, &result)
	if result.Total != 2 || result.Errors != 1 {
		t.Fatalf("unexpected batch result: %+v", result)
	}

	rec = doRequest(t, server.handleReconciliations, http.MethodGet, "/api/v1/reconciliations", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without transaction_id, got %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	server := newTestServer(t)

	rec := doRequest(t, server.handleTransactions, http.MethodPost, "/api/v1/transactions", swapPayload("alice", "key-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}

	rec = doRequest(t, server.handleStats, http.MethodGet, "/api/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats txn.TransactionStats
	decodeBody(t, rec, &stats)
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
