package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"OpenDEX-Chain/internal/chain"
	"OpenDEX-Chain/internal/observability/alerting"
	"OpenDEX-Chain/internal/txn"
)

type fakeLookup struct {
	receipts map[string]*chain.Receipt
	err      error
}

func (f *fakeLookup) GetReceipt(_ context.Context, txHash string) (*chain.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, chain.ErrReceiptNotFound
	}
	return receipt, nil
}

type capturingDispatcher struct {
	events []alerting.Event
}

func (d *capturingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.events = append(d.events, event)
	return nil
}

func seedLedger(t *testing.T, amountOut string) (*txn.MemoryStore, string) {
	t.Helper()
	store := txn.NewMemoryStore()
	ctx := context.Background()

	transaction := &txn.Transaction{
		ID:        "txn-1",
		Type:      "swap",
		Initiator: "user-1",
		Status:    txn.StatusPending,
		Legs: []*txn.Leg{
			{
				ID:            "leg-0",
				TransactionID: "txn-1",
				Type:          txn.LegTypeSwap,
				Status:        txn.LegStatusCompleted,
				Sequence:      0,
				AmountOut:     decimal.RequireFromString(amountOut),
			},
			{
				ID:            "leg-1",
				TransactionID: "txn-1",
				Type:          txn.LegTypeCredit,
				Status:        txn.LegStatusPending,
				Sequence:      1,
				AmountOut:     decimal.NewFromInt(999),
			},
		},
	}
	if err := store.CreateTransaction(ctx, transaction); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	if err := store.SetStatus(ctx, "txn-1", txn.StatusCompleted, ""); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	return store, "txn-1"
}

func newTestService(t *testing.T, ledger Ledger, lookup chain.ReceiptLookup, opts ...ServiceOption) *Service {
	t.Helper()
	service, err := NewService(NewMemoryStore(), ledger, lookup, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func TestReconcileMatched(t *testing.T) {
	ledger, txnID := seedLedger(t, "99.5")
	lookup := &fakeLookup{receipts: map[string]*chain.Receipt{
		"0xhash": {TxHash: "0xhash", Status: 1, TransferTotal: decimal.RequireFromString("99.5")},
	}}
	service := newTestService(t, ledger, lookup)

	record, err := service.ReconcileTransaction(context.Background(), txnID, "0xhash")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if record.Status != StatusMatched {
		t.Fatalf("expected matched, got %s", record.Status)
	}
	if !record.OffChainAmount.Equal(decimal.RequireFromString("99.5")) {
		t.Fatalf("unexpected off-chain amount: %s", record.OffChainAmount)
	}
	if record.Discrepancy.Valid {
		t.Fatalf("matched record must not carry discrepancy: %+v", record.Discrepancy)
	}
	if record.ReconciledAt == 0 {
		t.Fatal("expected reconciled timestamp")
	}
}

func TestReconcileDiscrepancySignedDelta(t *testing.T) {
	ledger, txnID := seedLedger(t, "100")
	lookup := &fakeLookup{receipts: map[string]*chain.Receipt{
		"0xhash": {TxHash: "0xhash", Status: 1, TransferTotal: decimal.NewFromInt(90)},
	}}
	alerter := &capturingDispatcher{}
	service := newTestService(t, ledger, lookup, WithAlertDispatcher(alerter))

	record, err := service.ReconcileTransaction(context.Background(), txnID, "0xhash")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if record.Status != StatusDiscrepancy {
		t.Fatalf("expected discrepancy, got %s", record.Status)
	}
	// 链下 100 − 链上 90
	if !record.Discrepancy.Valid || !record.Discrepancy.Decimal.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected discrepancy: %+v", record.Discrepancy)
	}
	if len(alerter.events) != 1 || alerter.events[0].Code != CodeDiscrepancy {
		t.Fatalf("expected one discrepancy alert, got %+v", alerter.events)
	}

	// 链上多于链下时差额为负。
	lookup.receipts["0xhash"] = &chain.Receipt{TxHash: "0xhash", Status: 1, TransferTotal: decimal.NewFromInt(110)}
	record, err = service.ReconcileTransaction(context.Background(), txnID, "0xhash")
	if err != nil {
		t.Fatalf("reconcile again: %v", err)
	}
	if !record.Discrepancy.Decimal.Equal(decimal.NewFromInt(-10)) {
		t.Fatalf("expected signed delta -10, got %s", record.Discrepancy.Decimal)
	}
}

func TestReconcileLookupFailureIsData(t *testing.T) {
	ledger, txnID := seedLedger(t, "100")
	lookup := &fakeLookup{err: errors.New("rpc timeout")}
	service := newTestService(t, ledger, lookup)

	record, err := service.ReconcileTransaction(context.Background(), txnID, "0xhash")
	if err != nil {
		t.Fatalf("lookup failure must not surface as error, got %v", err)
	}
	if record.Status != StatusError {
		t.Fatalf("expected error status, got %s", record.Status)
	}
	if record.LastError == "" {
		t.Fatal("expected lookup error recorded on the record")
	}
}

func TestReconcileWithoutHashStaysPending(t *testing.T) {
	ledger, txnID := seedLedger(t, "100")
	lookup := &fakeLookup{}
	service := newTestService(t, ledger, lookup)

	record, err := service.ReconcileTransaction(context.Background(), txnID, "")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if record.Status != StatusPending {
		t.Fatalf("expected pending without hash, got %s", record.Status)
	}

	records, err := service.Records(context.Background(), txnID)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one stored record, got %d", len(records))
	}
}

func TestReconcileOnlyCountsCompletedLegs(t *testing.T) {
	// 第二条腿是 PENDING，不应计入链下总额。
	ledger, txnID := seedLedger(t, "50")
	lookup := &fakeLookup{receipts: map[string]*chain.Receipt{
		"0xhash": {TxHash: "0xhash", Status: 1, TransferTotal: decimal.NewFromInt(50)},
	}}
	service := newTestService(t, ledger, lookup)

	record, err := service.ReconcileTransaction(context.Background(), txnID, "0xhash")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if record.Status != StatusMatched {
		t.Fatalf("expected matched with only completed legs counted, got %s", record.Status)
	}
}

func TestBatchReconcileAggregates(t *testing.T) {
	ledger, txnID := seedLedger(t, "100")
	lookup := &fakeLookup{receipts: map[string]*chain.Receipt{}}
	service := newTestService(t, ledger, lookup)

	// txnID 没有链上哈希 → pending；missing 交易不存在 → error。
	result, err := service.BatchReconcile(context.Background(), []string{txnID, "missing"})
	if err != nil {
		t.Fatalf("batch reconcile: %v", err)
	}
	if result.Total != 2 || result.Pending != 1 || result.Errors != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Records) != 2 {
		t.Fatalf("expected per-transaction records, got %d", len(result.Records))
	}
	if result.Records[1].Status != StatusError || result.Records[1].LastError == "" {
		t.Fatalf("unexpected error record: %+v", result.Records[1])
	}
}

func TestDiscrepanciesListing(t *testing.T) {
	ledger, txnID := seedLedger(t, "100")
	lookup := &fakeLookup{receipts: map[string]*chain.Receipt{
		"0xhash": {TxHash: "0xhash", Status: 1, TransferTotal: decimal.NewFromInt(90)},
	}}
	service := newTestService(t, ledger, lookup)

	if _, err := service.ReconcileTransaction(context.Background(), txnID, "0xhash"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	discrepancies, err := service.Discrepancies(context.Background(), 10)
	if err != nil {
		t.Fatalf("discrepancies: %v", err)
	}
	if len(discrepancies) != 1 {
		t.Fatalf("expected one discrepancy record, got %d", len(discrepancies))
	}
}
