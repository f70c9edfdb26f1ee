package opendex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/transactions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var submission TransactionSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if len(submission.Legs) != 2 {
			t.Fatalf("expected 2 legs, got %d", len(submission.Legs))
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Transaction{
			ID:     "txn-1",
			Type:   submission.Type,
			Status: "pending",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	created, err := client.CreateTransaction(context.Background(), TransactionSubmission{
		Type:      "swap",
		Initiator: "user-1",
		Legs: []LegSpec{
			{Type: "debit", AmountIn: "100"},
			{Type: "credit", AmountOut: "99.5", RequiresCompensation: true},
		},
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	if created.ID != "txn-1" || created.Status != "pending" {
		t.Fatalf("unexpected transaction: %+v", created)
	}
}

func TestExecuteTransactionPassesAtomicFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/transactions/txn-1/execute" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("atomic"); got != "false" {
			t.Fatalf("expected atomic=false, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(ExecutionReport{
			TransactionID: "txn-1",
			Status:        "completed",
			LegsCompleted: []string{"leg-1", "leg-2"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	report, err := client.ExecuteTransaction(context.Background(), "txn-1", false)
	if err != nil {
		t.Fatalf("execute transaction: %v", err)
	}
	if len(report.LegsCompleted) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestSubmitToBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/batches" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"batch_id": "batch-7"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	batchID, err := client.SubmitToBatch(context.Background(), BatchSubmission{
		TransactionID: "txn-1",
		Strategy:      "size_limit",
		MaxSize:       5,
	})
	if err != nil {
		t.Fatalf("submit to batch: %v", err)
	}
	if batchID != "batch-7" {
		t.Fatalf("unexpected batch id: %s", batchID)
	}
}

func TestGetTransactionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "transaction not found",
			"code":  "TXN_NOT_FOUND",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.GetTransaction(context.Background(), "txn-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "TXN_NOT_FOUND" || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestCancelTransactionNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/transactions/txn-1/cancel" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	if err := client.CancelTransaction(context.Background(), "txn-1"); err != nil {
		t.Fatalf("cancel transaction: %v", err)
	}
}
