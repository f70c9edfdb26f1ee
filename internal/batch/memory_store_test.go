package batch

import (
	"context"
	"errors"
	"testing"
)

func TestAppendItemEnforcesMaxSize(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	b := &Batch{
		ID:       "b1",
		Type:     TypeTransaction,
		Strategy: StrategySizeLimit,
		Status:   StatusCollecting,
		MaxSize:  2,
	}
	if err := store.CreateBatch(ctx, b); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	first := &Item{ID: "i1", TransactionID: "txn-1"}
	if err := store.AppendItem(ctx, "b1", first); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Sequence != 0 {
		t.Fatalf("expected sequence 0, got %d", first.Sequence)
	}
	second := &Item{ID: "i2", TransactionID: "txn-2"}
	if err := store.AppendItem(ctx, "b1", second); err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", second.Sequence)
	}

	// 条目数已达上限，追加必须在存储层被拒绝。
	third := &Item{ID: "i3", TransactionID: "txn-3"}
	if err := store.AppendItem(ctx, "b1", third); !errors.Is(err, ErrBatchStateConflict) {
		t.Fatalf("expected state conflict on full batch, got %v", err)
	}

	stored, err := store.GetBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if len(stored.Items) != 2 {
		t.Fatalf("full batch must hold exactly max_size items, got %d", len(stored.Items))
	}
	for i, item := range stored.Items {
		if item.Sequence != i {
			t.Fatalf("expected unique ascending sequences, got %d at position %d", item.Sequence, i)
		}
	}
}

func TestAppendItemRejectsSealedBatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	b := &Batch{ID: "b1", Type: TypeTransaction, Strategy: StrategyTimeWindow, Status: StatusCollecting, MaxSize: 10}
	if err := store.CreateBatch(ctx, b); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if err := store.MarkReady(ctx, "b1"); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	if err := store.AppendItem(ctx, "b1", &Item{ID: "i1", TransactionID: "txn-1"}); !errors.Is(err, ErrBatchStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}
