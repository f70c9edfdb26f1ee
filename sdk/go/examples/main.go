package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenDEX-Chain/sdk/go/opendex"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(opendex.Transaction{
				ID:        "txn-demo",
				Type:      "swap",
				Initiator: "demo",
				Status:    "pending",
				CreatedAt: time.Now().Unix(),
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/transactions/txn-demo/execute", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(opendex.ExecutionReport{
			TransactionID: "txn-demo",
			Status:        "completed",
			Atomic:        true,
			LegsCompleted: []string{"leg-1", "leg-2"},
			GasUsed:       42000,
		})
	})
	mux.HandleFunc("/api/v1/reconciliations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(opendex.ReconciliationRecord{
			ID:             "rec-demo",
			TransactionID:  "txn-demo",
			OffChainAmount: "99.5",
			OnChainAmount:  "99.5",
			Status:         "matched",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := opendex.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, err := client.CreateTransaction(ctx, opendex.TransactionSubmission{
		Type:      "swap",
		Initiator: "demo",
		Legs: []opendex.LegSpec{
			{Type: "debit", AmountIn: "100", TokenIn: "USDC"},
			{Type: "credit", AmountOut: "99.5", TokenOut: "DAI", RequiresCompensation: true},
		},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created transaction %s (status=%s)\n", created.ID, created.Status)

	report, err := client.ExecuteTransaction(ctx, created.ID, true)
	if err != nil {
		panic(err)
	}
	fmt.Printf("executed transaction %s legs_completed=%d gas_used=%d\n", report.TransactionID, len(report.LegsCompleted), report.GasUsed)

	record, err := client.Reconcile(ctx, created.ID, "")
	if err != nil {
		panic(err)
	}
	fmt.Printf("reconciled transaction %s status=%s\n", record.TransactionID, record.Status)
}
