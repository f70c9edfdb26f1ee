package txn

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	xerrors "OpenDEX-Chain/internal/errors"
)

type fakeExecutor struct {
	failOn map[int]error
	calls  []int
}

func (f *fakeExecutor) Execute(_ context.Context, leg *Leg) (*LegResult, error) {
	f.calls = append(f.calls, leg.Sequence)
	if err := f.failOn[leg.Sequence]; err != nil {
		return nil, err
	}
	return &LegResult{
		TxHash:    fmt.Sprintf("0xabc%d", leg.Sequence),
		GasUsed:   1000,
		AmountOut: leg.AmountOut,
	}, nil
}

type fakeCompensator struct {
	failOn map[int]error
	order  []int
}

func (f *fakeCompensator) Compensate(_ context.Context, leg *Leg) (*CompensationResult, error) {
	f.order = append(f.order, leg.Sequence)
	if err := f.failOn[leg.Sequence]; err != nil {
		return nil, err
	}
	return &CompensationResult{TxHash: fmt.Sprintf("0xcomp%d", leg.Sequence), GasUsed: 500}, nil
}

func newSwapRequest(key string) CreateRequest {
	return CreateRequest{
		Type:           "swap",
		Initiator:      "user-1",
		IdempotencyKey: key,
		Legs: []LegSpec{
			{Type: LegTypeDebit, AmountIn: decimal.NewFromInt(100), TokenIn: "USDC", RequiresCompensation: true},
			{Type: LegTypeSwap, AmountIn: decimal.NewFromInt(100), AmountOut: decimal.RequireFromString("99.5"), TokenIn: "USDC", TokenOut: "DAI", RequiresCompensation: true},
			{Type: LegTypeCredit, AmountOut: decimal.RequireFromString("99.5"), TokenOut: "DAI"},
		},
	}
}

func newTestCoordinator(t *testing.T, store Store, executor LegExecutor, compensator CompensationExecutor) *Coordinator {
	t.Helper()
	coordinator, err := NewCoordinator(store, executor, WithCompensationExecutor(compensator))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return coordinator
}

func TestCreateIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	coordinator := newTestCoordinator(t, store, &fakeExecutor{}, nil)
	ctx := context.Background()

	first, err := coordinator.Create(ctx, newSwapRequest("key-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := coordinator.Create(ctx, newSwapRequest("key-1"))
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same transaction, got %s and %s", first.ID, second.ID)
	}
	if len(second.Legs) != 3 {
		t.Fatalf("expected legs on idempotent replay, got %d", len(second.Legs))
	}

	entries, err := coordinator.AuditTrail(ctx, AuditFilter{TransactionID: first.ID, EventType: EventCreated})
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one created audit entry, got %d", len(entries))
	}
}

// lostRaceStore 在首次 CreateTransaction 落库前抢先写入同键交易，
// 模拟另一并发调用赢得了幂等键唯一约束的裁决。
type lostRaceStore struct {
	*MemoryStore
	winner *Transaction
	seeded bool
}

func (s *lostRaceStore) CreateTransaction(ctx context.Context, transaction *Transaction) error {
	if !s.seeded {
		s.seeded = true
		if err := s.MemoryStore.CreateTransaction(ctx, s.winner); err != nil {
			return err
		}
	}
	return s.MemoryStore.CreateTransaction(ctx, transaction)
}

func TestCreateLostRaceReturnsWinner(t *testing.T) {
	winner := &Transaction{
		ID:             "winner",
		Type:           "swap",
		Initiator:      "user-2",
		Status:         StatusPending,
		IdempotencyKey: "key-race",
		Legs: []*Leg{
			{ID: "winner-leg0", TransactionID: "winner", Type: LegTypeSwap, Status: LegStatusPending, Sequence: 0, AmountIn: decimal.NewFromInt(5)},
		},
	}
	store := &lostRaceStore{MemoryStore: NewMemoryStore(), winner: winner}
	coordinator := newTestCoordinator(t, store, &fakeExecutor{}, nil)
	ctx := context.Background()

	got, err := coordinator.Create(ctx, newSwapRequest("key-race"))
	if err != nil {
		t.Fatalf("lost race must recover to the winner, got %v", err)
	}
	if got.ID != "winner" {
		t.Fatalf("expected winner transaction, got %s", got.ID)
	}
	if len(got.Legs) != 1 || got.Legs[0].ID != "winner-leg0" {
		t.Fatalf("expected the winner's leg set, got %+v", got.Legs)
	}

	// 落败方不得留下自己的交易、腿或审计记录。
	found, err := store.GetTransactionByKey(ctx, "key-race")
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if found.ID != "winner" {
		t.Fatalf("ledger must hold only the winner, got %s", found.ID)
	}
	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("expected a single transaction for the key, got %d", stats.Total)
	}
	entries, err := coordinator.AuditTrail(ctx, AuditFilter{EventType: EventCreated})
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("loser must not emit created audit entries, got %d", len(entries))
	}
}

func TestCreateValidation(t *testing.T) {
	store := NewMemoryStore()
	coordinator := newTestCoordinator(t, store, &fakeExecutor{}, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"missing type", CreateRequest{Initiator: "u", Legs: []LegSpec{{Type: LegTypeSwap}}}},
		{"missing initiator", CreateRequest{Type: "swap", Legs: []LegSpec{{Type: LegTypeSwap}}}},
		{"no legs", CreateRequest{Type: "swap", Initiator: "u"}},
		{"bad leg type", CreateRequest{Type: "swap", Initiator: "u", Legs: []LegSpec{{Type: "teleport"}}}},
		{"negative amount", CreateRequest{Type: "swap", Initiator: "u", Legs: []LegSpec{{Type: LegTypeSwap, AmountIn: decimal.NewFromInt(-1)}}}},
	}
	for _, tc := range cases {
		_, err := coordinator.Create(ctx, tc.req)
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		if xerrors.CodeOf(err) != CodeTxnValidation {
			t.Fatalf("%s: unexpected error code %s", tc.name, xerrors.CodeOf(err))
		}
	}
}

func TestExecuteCompletesAllLegsInOrder(t *testing.T) {
	store := NewMemoryStore()
	executor := &fakeExecutor{}
	coordinator := newTestCoordinator(t, store, executor, nil)
	ctx := context.Background()

	created, err := coordinator.Create(ctx, newSwapRequest(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	report, err := coordinator.Execute(ctx, created.ID, true)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", report.Status)
	}
	if len(report.LegsCompleted) != 3 || len(report.LegsFailed) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.GasUsed != 3000 {
		t.Fatalf("expected 3000 gas, got %d", report.GasUsed)
	}
	if fmt.Sprint(executor.calls) != "[0 1 2]" {
		t.Fatalf("legs executed out of order: %v", executor.calls)
	}

	stored, err := coordinator.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusCompleted || stored.CompletedAt == 0 {
		t.Fatalf("unexpected stored transaction: %+v", stored)
	}
}

func TestExecuteAtomicCompensatesInReverseOrder(t *testing.T) {
	store := NewMemoryStore()
	executor := &fakeExecutor{failOn: map[int]error{2: errors.New("slippage exceeded")}}
	compensator := &fakeCompensator{}
	coordinator := newTestCoordinator(t, store, executor, compensator)
	ctx := context.Background()

	req := newSwapRequest("")
	created, err := coordinator.Create(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	report, err := coordinator.Execute(ctx, created.ID, true)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.Status != StatusCompensated {
		t.Fatalf("expected compensated, got %s", report.Status)
	}
	if len(report.LegsCompleted) != 2 || len(report.LegsFailed) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	// 两条已完成的腿都要求补偿，按完成顺序的逆序进行。
	if fmt.Sprint(compensator.order) != "[1 0]" {
		t.Fatalf("unexpected compensation order: %v", compensator.order)
	}

	legs, err := coordinator.Legs(ctx, created.ID)
	if err != nil {
		t.Fatalf("legs: %v", err)
	}
	if legs[0].Status != LegStatusCompensated || legs[1].Status != LegStatusCompensated {
		t.Fatalf("expected compensated legs, got %s and %s", legs[0].Status, legs[1].Status)
	}
	if legs[2].Status != LegStatusFailed || legs[2].LastError == "" {
		t.Fatalf("unexpected failed leg: %+v", legs[2])
	}
}

func TestExecuteAtomicStopsAfterFirstFailure(t *testing.T) {
	store := NewMemoryStore()
	executor := &fakeExecutor{failOn: map[int]error{1: errors.New("pool drained")}}
	coordinator := newTestCoordinator(t, store, executor, &fakeCompensator{})
	ctx := context.Background()

	created, err := coordinator.Create(ctx, newSwapRequest(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := coordinator.Execute(ctx, created.ID, true); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if fmt.Sprint(executor.calls) != "[0 1]" {
		t.Fatalf("expected execution to stop at failing leg, got %v", executor.calls)
	}

	legs, err := coordinator.Legs(ctx, created.ID)
	if err != nil {
		t.Fatalf("legs: %v", err)
	}
	if legs[2].Status != LegStatusPending {
		t.Fatalf("leg after failure should stay pending, got %s", legs[2].Status)
	}
}

func TestExecuteNonAtomicContinuesPastFailure(t *testing.T) {
	store := NewMemoryStore()
	executor := &fakeExecutor{failOn: map[int]error{1: errors.New("pool drained")}}
	compensator := &fakeCompensator{}
	coordinator := newTestCoordinator(t, store, executor, compensator)
	ctx := context.Background()

	created, err := coordinator.Create(ctx, newSwapRequest(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	report, err := coordinator.Execute(ctx, created.ID, false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.Status != StatusPartiallyFailed {
		t.Fatalf("expected partially_failed, got %s", report.Status)
	}
	if len(report.LegsCompleted) != 2 || len(report.LegsFailed) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(compensator.order) != 0 {
		t.Fatalf("non-atomic execution must not compensate, got %v", compensator.order)
	}
	if fmt.Sprint(executor.calls) != "[0 1 2]" {
		t.Fatalf("expected all legs attempted, got %v", executor.calls)
	}
}

func TestCompensationFailureDoesNotAbortOthers(t *testing.T) {
	store := NewMemoryStore()
	executor := &fakeExecutor{failOn: map[int]error{2: errors.New("slippage exceeded")}}
	compensator := &fakeCompensator{failOn: map[int]error{1: errors.New("vault locked")}}
	coordinator := newTestCoordinator(t, store, executor, compensator)
	ctx := context.Background()

	created, err := coordinator.Create(ctx, newSwapRequest(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	report, err := coordinator.Execute(ctx, created.ID, true)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.Status != StatusCompensated {
		t.Fatalf("expected compensated final status, got %s", report.Status)
	}
	if len(report.LegsCompensated) != 1 {
		t.Fatalf("expected one compensated leg, got %d", len(report.LegsCompensated))
	}
	if fmt.Sprint(compensator.order) != "[1 0]" {
		t.Fatalf("remaining legs must still be compensated, got %v", compensator.order)
	}

	legs, err := coordinator.Legs(ctx, created.ID)
	if err != nil {
		t.Fatalf("legs: %v", err)
	}
	if legs[1].Status != LegStatusCompleted || legs[1].LastError == "" {
		t.Fatalf("failed compensation should keep leg completed with error, got %+v", legs[1])
	}
	if legs[0].Status != LegStatusCompensated {
		t.Fatalf("expected leg 0 compensated, got %s", legs[0].Status)
	}

	entries, err := coordinator.AuditTrail(ctx, AuditFilter{TransactionID: created.ID, EventType: EventCompensationFailed})
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one compensation_failed entry, got %d", len(entries))
	}
}

func TestExecuteTwiceConflicts(t *testing.T) {
	store := NewMemoryStore()
	coordinator := newTestCoordinator(t, store, &fakeExecutor{}, nil)
	ctx := context.Background()

	created, err := coordinator.Create(ctx, newSwapRequest(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := coordinator.Execute(ctx, created.ID, true); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := coordinator.Execute(ctx, created.ID, true); !errors.Is(err, ErrTxnStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestCancelOnlyBeforeExecution(t *testing.T) {
	store := NewMemoryStore()
	coordinator := newTestCoordinator(t, store, &fakeExecutor{}, nil)
	ctx := context.Background()

	created, err := coordinator.Create(ctx, newSwapRequest(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := coordinator.Cancel(ctx, created.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	stored, err := coordinator.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", stored.Status)
	}
	legs, err := coordinator.Legs(ctx, created.ID)
	if err != nil {
		t.Fatalf("legs: %v", err)
	}
	for _, leg := range legs {
		if leg.Status != LegStatusCancelled {
			t.Fatalf("expected cancelled leg, got %s", leg.Status)
		}
	}

	if _, err := coordinator.Execute(ctx, created.ID, true); !errors.Is(err, ErrTxnStateConflict) {
		t.Fatalf("expected state conflict executing cancelled transaction, got %v", err)
	}

	other, err := coordinator.Create(ctx, newSwapRequest(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := coordinator.Execute(ctx, other.ID, true); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := coordinator.Cancel(ctx, other.ID); !errors.Is(err, ErrTxnStateConflict) {
		t.Fatalf("expected state conflict cancelling completed transaction, got %v", err)
	}
}

func TestRollbackStrategyRejected(t *testing.T) {
	_, err := NewCoordinator(NewMemoryStore(), &fakeExecutor{},
		WithCompensationStrategy(CompensationRollback))
	if err == nil {
		t.Fatal("expected configuration error for rollback strategy")
	}
}
