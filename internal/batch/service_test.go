package batch

import (
	"context"
	"errors"
	"sync"
	"testing"

	xerrors "OpenDEX-Chain/internal/errors"
	"OpenDEX-Chain/internal/txn"
)

type scriptedExecutor struct {
	gasUsed   uint64
	failItems int
	err       error
	calls     int
}

func (e *scriptedExecutor) ExecuteBatch(_ context.Context, b *Batch) (*ExecutionResult, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	result := &ExecutionResult{TxHash: "0xbatch", GasUsed: e.gasUsed}
	for i, item := range b.Items {
		if i < e.failItems {
			item.Success = false
			item.LastError = "execution reverted"
			result.FailureCount++
		} else {
			item.Success = true
			result.SuccessCount++
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

type recordingProducer struct {
	mu        sync.Mutex
	published []string
}

func (p *recordingProducer) Publish(_ context.Context, batchID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, batchID)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) batches() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

type memoryAuditSink struct {
	entries []*txn.AuditEntry
}

func (s *memoryAuditSink) AppendAudit(_ context.Context, entry *txn.AuditEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memoryAuditSink) events(batchID string) []string {
	var result []string
	for _, entry := range s.entries {
		if entry.BatchID == batchID {
			result = append(result, entry.EventType)
		}
	}
	return result
}

func newTestService(t *testing.T, store Store, opts ...ServiceOption) *Service {
	t.Helper()
	service, err := NewService(store, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = service.Close() })
	return service
}

func addTransaction(t *testing.T, service *Service, txnID string, strategy Strategy, maxSize int) string {
	t.Helper()
	batchID, err := service.Add(context.Background(), AddRequest{
		TransactionID: txnID,
		Type:          TypeTransaction,
		Strategy:      strategy,
		MaxSize:       maxSize,
	})
	if err != nil {
		t.Fatalf("add %s: %v", txnID, err)
	}
	return batchID
}

func TestAddSealsFullSizeLimitBatch(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	audit := &memoryAuditSink{}
	service := newTestService(t, store,
		WithProducer(producer),
		WithAuditSink(audit),
	)

	first := addTransaction(t, service, "txn-1", StrategySizeLimit, 2)
	second := addTransaction(t, service, "txn-2", StrategySizeLimit, 2)
	if first != second {
		t.Fatalf("expected same collecting batch, got %s and %s", first, second)
	}
	// 批次到达上限后封口，第三笔进入新批次。
	third := addTransaction(t, service, "txn-3", StrategySizeLimit, 2)
	if third == first {
		t.Fatalf("expected rollover to a new batch")
	}

	if len(producer.published) != 1 || producer.published[0] != first {
		t.Fatalf("expected sealed batch published once, got %v", producer.published)
	}

	sealed, err := service.Get(context.Background(), first)
	if err != nil {
		t.Fatalf("get sealed: %v", err)
	}
	if sealed.Status != StatusReady || len(sealed.Items) != 2 {
		t.Fatalf("unexpected sealed batch: status=%s items=%d", sealed.Status, len(sealed.Items))
	}

	open, err := service.Get(context.Background(), third)
	if err != nil {
		t.Fatalf("get open: %v", err)
	}
	if open.Status != StatusCollecting || len(open.Items) != 1 {
		t.Fatalf("unexpected open batch: status=%s items=%d", open.Status, len(open.Items))
	}
	if open.Items[0].Sequence != 0 {
		t.Fatalf("sequence must restart in new batch, got %d", open.Items[0].Sequence)
	}
}

func TestExecuteBatchComputesGasSaved(t *testing.T) {
	store := NewMemoryStore()
	executor := &scriptedExecutor{gasUsed: 40000}
	audit := &memoryAuditSink{}
	service := newTestService(t, store,
		WithExecutor(executor),
		WithProducer(&recordingProducer{}),
		WithAuditSink(audit),
		WithBaseGasPerTx(21000),
	)

	batchID := addTransaction(t, service, "txn-1", StrategyGasOptimization, 10)
	addTransaction(t, service, "txn-2", StrategyGasOptimization, 10)
	addTransaction(t, service, "txn-3", StrategyGasOptimization, 10)

	executed, err := service.ExecuteBatch(context.Background(), batchID)
	if err != nil {
		t.Fatalf("execute batch: %v", err)
	}
	if executed.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", executed.Status)
	}
	if executed.GasUsed != 40000 {
		t.Fatalf("unexpected gas used: %d", executed.GasUsed)
	}
	// 3 × 21000 − 40000
	if executed.GasSaved != 23000 {
		t.Fatalf("unexpected gas saved: %d", executed.GasSaved)
	}
	if executed.SuccessCount != 3 || executed.FailureCount != 0 {
		t.Fatalf("unexpected counts: %+v", executed)
	}
	for _, item := range executed.Items {
		if !item.Success {
			t.Fatalf("expected successful item, got %+v", item)
		}
	}

	events := audit.events(batchID)
	var sawCompleted bool
	for _, event := range events {
		if event == EventBatchCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatalf("expected batch_completed audit event, got %v", events)
	}
}

func TestGasSavedNeverNegative(t *testing.T) {
	if saved := gasSaved(2, 21000, 100000); saved != 0 {
		t.Fatalf("expected zero savings, got %d", saved)
	}
	if saved := gasSaved(0, 21000, 0); saved != 0 {
		t.Fatalf("expected zero savings for empty batch, got %d", saved)
	}
}

func TestExecuteBatchPartialFailure(t *testing.T) {
	store := NewMemoryStore()
	executor := &scriptedExecutor{gasUsed: 30000, failItems: 1}
	audit := &memoryAuditSink{}
	service := newTestService(t, store,
		WithExecutor(executor),
		WithProducer(&recordingProducer{}),
		WithAuditSink(audit),
	)

	batchID := addTransaction(t, service, "txn-1", StrategyGasOptimization, 10)
	addTransaction(t, service, "txn-2", StrategyGasOptimization, 10)

	executed, err := service.ExecuteBatch(context.Background(), batchID)
	if err != nil {
		t.Fatalf("execute batch: %v", err)
	}
	if executed.Status != StatusFailed {
		t.Fatalf("expected failed status with item failures, got %s", executed.Status)
	}
	if executed.SuccessCount != 1 || executed.FailureCount != 1 {
		t.Fatalf("unexpected counts: success=%d failure=%d", executed.SuccessCount, executed.FailureCount)
	}
	if executed.Items[0].LastError == "" {
		t.Fatalf("expected item error recorded, got %+v", executed.Items[0])
	}
}

func TestExecuteBatchExecutorError(t *testing.T) {
	store := NewMemoryStore()
	executor := &scriptedExecutor{err: errors.New("rpc unavailable")}
	service := newTestService(t, store,
		WithExecutor(executor),
		WithProducer(&recordingProducer{}),
	)

	batchID := addTransaction(t, service, "txn-1", StrategyGasOptimization, 10)

	executed, err := service.ExecuteBatch(context.Background(), batchID)
	if err == nil {
		t.Fatal("expected execution error")
	}
	if xerrors.CodeOf(err) != CodeBatchExecution {
		t.Fatalf("unexpected error code: %s", xerrors.CodeOf(err))
	}
	if executed == nil || executed.Status != StatusFailed || executed.LastError == "" {
		t.Fatalf("unexpected batch state: %+v", executed)
	}

	// 已失败的批次不能再次执行。
	if _, err := service.ExecuteBatch(context.Background(), batchID); !errors.Is(err, ErrBatchStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestAutoExecuteReady(t *testing.T) {
	store := NewMemoryStore()
	executor := &scriptedExecutor{gasUsed: 10000}
	producer := &recordingProducer{}
	service := newTestService(t, store,
		WithExecutor(executor),
		WithProducer(producer),
	)

	// 封口一个 SIZE_LIMIT 批次使其进入 READY。
	readyID := addTransaction(t, service, "txn-1", StrategySizeLimit, 1)

	// 构造一个时间窗口已过期的 COLLECTING 批次。
	expiredID := addTransaction(t, service, "txn-2", StrategyTimeWindow, 10)
	store.mu.Lock()
	store.batches[expiredID].Deadline = 1
	store.mu.Unlock()

	// 未到期的批次不应被执行。
	freshID := addTransaction(t, service, "txn-3", StrategyGasOptimization, 10)

	executed, err := service.AutoExecuteReady(context.Background())
	if err != nil {
		t.Fatalf("auto execute: %v", err)
	}
	if executed != 2 {
		t.Fatalf("expected 2 executed batches, got %d", executed)
	}

	for _, id := range []string{readyID, expiredID} {
		b, err := service.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if b.Status != StatusCompleted {
			t.Fatalf("expected %s completed, got %s", id, b.Status)
		}
	}
	fresh, err := service.Get(context.Background(), freshID)
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if fresh.Status != StatusCollecting {
		t.Fatalf("fresh batch must stay collecting, got %s", fresh.Status)
	}
}

func TestAddValidation(t *testing.T) {
	service := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	cases := []struct {
		name string
		req  AddRequest
	}{
		{"both ids", AddRequest{TransactionID: "t", LegID: "l", Type: TypeTransaction, Strategy: StrategySizeLimit}},
		{"no ids", AddRequest{Type: TypeTransaction, Strategy: StrategySizeLimit}},
		{"bad type", AddRequest{TransactionID: "t", Type: "bundle", Strategy: StrategySizeLimit}},
		{"bad strategy", AddRequest{TransactionID: "t", Type: TypeTransaction, Strategy: "whenever"}},
	}
	for _, tc := range cases {
		if _, err := service.Add(ctx, tc.req); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

// sealRacingStore 在首次追加前把目标批次封口，
// 模拟另一并发调用在快照与追加之间完成了填满加封口。
type sealRacingStore struct {
	*MemoryStore
	raced bool
}

func (s *sealRacingStore) AppendItem(ctx context.Context, batchID string, item *Item) error {
	if !s.raced {
		s.raced = true
		if err := s.MemoryStore.MarkReady(ctx, batchID); err != nil {
			return err
		}
	}
	return s.MemoryStore.AppendItem(ctx, batchID, item)
}

func TestAddRollsOverWhenSealRaceLoses(t *testing.T) {
	store := &sealRacingStore{MemoryStore: NewMemoryStore()}
	producer := &recordingProducer{}
	service := newTestService(t, store, WithProducer(producer))

	batchID, err := service.Add(context.Background(), AddRequest{
		TransactionID: "txn-1",
		Type:          TypeTransaction,
		Strategy:      StrategySizeLimit,
		MaxSize:       2,
	})
	if err != nil {
		t.Fatalf("add must roll over instead of erroring, got %v", err)
	}

	landed, err := service.Get(context.Background(), batchID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if landed.Status != StatusCollecting || len(landed.Items) != 1 {
		t.Fatalf("expected fresh collecting batch with 1 item, got status=%s items=%d", landed.Status, len(landed.Items))
	}

	// 被抢先封口的批次保持空仓且不吸收落败方的条目。
	pending, err := service.PendingBatches(context.Background(), "")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected sealed batch plus fresh batch, got %d", len(pending))
	}
	for _, b := range pending {
		if b.ID == batchID {
			continue
		}
		if b.Status != StatusReady || len(b.Items) != 0 {
			t.Fatalf("sealed batch must stay untouched, got status=%s items=%d", b.Status, len(b.Items))
		}
	}
}

func TestAddRollsOverFullBatchForAnyStrategy(t *testing.T) {
	store := NewMemoryStore()
	service := newTestService(t, store, WithProducer(&recordingProducer{}))

	first := addTransaction(t, service, "txn-1", StrategyGasOptimization, 2)
	addTransaction(t, service, "txn-2", StrategyGasOptimization, 2)
	// 满仓的 GAS_OPTIMIZATION 批次同样滚动，而不是拒绝新条目。
	third := addTransaction(t, service, "txn-3", StrategyGasOptimization, 2)
	if third == first {
		t.Fatalf("expected rollover to a new batch")
	}

	full, err := service.Get(context.Background(), first)
	if err != nil {
		t.Fatalf("get full: %v", err)
	}
	if len(full.Items) != 2 {
		t.Fatalf("full batch must hold max_size items, got %d", len(full.Items))
	}
	fresh, err := service.Get(context.Background(), third)
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if fresh.Status != StatusCollecting || len(fresh.Items) != 1 {
		t.Fatalf("unexpected fresh batch: status=%s items=%d", fresh.Status, len(fresh.Items))
	}
}

func TestConcurrentAddsNeverOverfillBatch(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	service := newTestService(t, store, WithProducer(producer))

	const adds = 6
	var wg sync.WaitGroup
	errs := make([]error, adds)
	ids := make([]string, adds)
	for i := 0; i < adds; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = service.Add(context.Background(), AddRequest{
				TransactionID: "txn-" + string(rune('a'+i)),
				Type:          TypeTransaction,
				Strategy:      StrategySizeLimit,
				MaxSize:       2,
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	seen := make(map[string]bool)
	total := 0
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		b, err := service.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if len(b.Items) > b.MaxSize {
			t.Fatalf("batch %s exceeds max_size: %d items", id, len(b.Items))
		}
		used := make(map[int]bool)
		for _, item := range b.Items {
			if item.Sequence < 0 || item.Sequence >= len(b.Items) || used[item.Sequence] {
				t.Fatalf("batch %s has invalid sequence assignment: %+v", id, b.Items)
			}
			used[item.Sequence] = true
		}
		total += len(b.Items)
	}
	if total != adds {
		t.Fatalf("expected %d items across batches, got %d", adds, total)
	}
}

func TestCancelStopsBatch(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	service := newTestService(t, store, WithProducer(producer))

	batchID := addTransaction(t, service, "txn-1", StrategyTimeWindow, 10)

	if err := service.Cancel(context.Background(), batchID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	b, err := service.Get(context.Background(), batchID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", b.Status)
	}
	if err := service.Cancel(context.Background(), batchID); !errors.Is(err, ErrBatchStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}
