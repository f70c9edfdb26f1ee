package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"OpenDEX-Chain/internal/batch"
	xerrors "OpenDEX-Chain/internal/errors"
	"OpenDEX-Chain/internal/observability/metrics"
	"OpenDEX-Chain/internal/reconcile"
	"OpenDEX-Chain/internal/txn"
)

// Server 负责暴露 REST 接口，供外部驱动交易编排。
type Server struct {
	addr        string
	coordinator *txn.Coordinator
	batches     *batch.Service
	reconciler  *reconcile.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, coordinator *txn.Coordinator, batches *batch.Service, reconciler *reconcile.Service) *Server {
	return &Server{
		addr:        addr,
		coordinator: coordinator,
		batches:     batches,
		reconciler:  reconciler,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/transactions", metrics.WrapHandler("transactions", http.HandlerFunc(s.handleTransactions)))
	mux.Handle("/api/v1/transactions/", metrics.WrapHandler("transaction_detail", http.HandlerFunc(s.handleTransactionDetail)))
	mux.Handle("/api/v1/batches", metrics.WrapHandler("batches", http.HandlerFunc(s.handleBatches)))
	mux.Handle("/api/v1/batches/", metrics.WrapHandler("batch_detail", http.HandlerFunc(s.handleBatchDetail)))
	mux.Handle("/api/v1/reconciliations", metrics.WrapHandler("reconciliations", http.HandlerFunc(s.handleReconciliations)))
	mux.Handle("/api/v1/stats", metrics.WrapHandler("stats", http.HandlerFunc(s.handleStats)))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ---- 交易 ----

type legPayload struct {
	Type                 string `json:"type"`
	Target               string `json:"target"`
	CallData             string `json:"call_data"`
	AmountIn             string `json:"amount_in"`
	AmountOut            string `json:"amount_out"`
	TokenIn              string `json:"token_in"`
	TokenOut             string `json:"token_out"`
	RequiresCompensation bool   `json:"requires_compensation"`
}

type createTransactionPayload struct {
	Type           string         `json:"type"`
	Initiator      string         `json:"initiator"`
	IdempotencyKey string         `json:"idempotency_key"`
	Deadline       int64          `json:"deadline"`
	Metadata       map[string]any `json:"metadata"`
	Legs           []legPayload   `json:"legs"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTransaction(w, r)
	case http.MethodGet:
		s.handleListTransactions(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	if s.coordinator == nil {
		http.Error(w, "协调器未初始化", http.StatusServiceUnavailable)
		return
	}

	var payload createTransactionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	req := txn.CreateRequest{
		Type:           payload.Type,
		Initiator:      payload.Initiator,
		IdempotencyKey: payload.IdempotencyKey,
		Deadline:       payload.Deadline,
		Metadata:       payload.Metadata,
	}
	for _, leg := range payload.Legs {
		spec, err := legSpecFromPayload(leg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Legs = append(req.Legs, spec)
	}

	transaction, err := s.coordinator.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, transaction)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	if s.coordinator == nil {
		http.Error(w, "协调器未初始化", http.StatusServiceUnavailable)
		return
	}

	var opts []txn.ListOption
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, txn.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, txn.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]txn.Status, 0, 4)
		for _, value := range strings.Split(raw, ",") {
			statuses = append(statuses, txn.Status(strings.TrimSpace(value)))
		}
		opts = append(opts, txn.WithStatuses(statuses...))
	}
	if raw := query.Get("initiator"); raw != "" {
		opts = append(opts, txn.WithInitiator(raw))
	}

	transactions, err := s.coordinator.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactions)
}

// handleTransactionDetail 处理 /api/v1/transactions/{id}[/{action}] 路径。
func (s *Server) handleTransactionDetail(w http.ResponseWriter, r *http.Request) {
	if s.coordinator == nil {
		http.Error(w, "协调器未初始化", http.StatusServiceUnavailable)
		return
	}

	id, action := splitDetailPath(r.URL.Path, "/api/v1/transactions/")
	if id == "" {
		http.Error(w, "缺少交易 ID", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		transaction, err := s.coordinator.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, transaction)
	case action == "legs" && r.Method == http.MethodGet:
		legs, err := s.coordinator.Legs(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, legs)
	case action == "audit" && r.Method == http.MethodGet:
		entries, err := s.coordinator.AuditTrail(r.Context(), txn.AuditFilter{TransactionID: id})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	case action == "execute" && r.Method == http.MethodPost:
		atomic := true
		if raw := r.URL.Query().Get("atomic"); raw != "" {
			if parsed, err := strconv.ParseBool(raw); err == nil {
				atomic = parsed
			}
		}
		report, err := s.coordinator.Execute(r.Context(), id, atomic)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	case action == "cancel" && r.Method == http.MethodPost:
		if err := s.coordinator.Cancel(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "不支持的操作", http.StatusMethodNotAllowed)
	}
}

// ---- 批次 ----

type addBatchItemPayload struct {
	TransactionID     string         `json:"transaction_id"`
	LegID             string         `json:"leg_id"`
	Type              string         `json:"type"`
	Strategy          string         `json:"strategy"`
	TimeWindowSeconds int64          `json:"time_window_seconds"`
	MaxSize           int            `json:"max_size"`
	Metadata          map[string]any `json:"metadata"`
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		http.Error(w, "批次服务未初始化", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var payload addBatchItemPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		batchID, err := s.batches.Add(r.Context(), batch.AddRequest{
			TransactionID:     payload.TransactionID,
			LegID:             payload.LegID,
			Type:              batch.Type(payload.Type),
			Strategy:          batch.Strategy(payload.Strategy),
			TimeWindowSeconds: payload.TimeWindowSeconds,
			MaxSize:           payload.MaxSize,
			Metadata:          payload.Metadata,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": batchID})
	case http.MethodGet:
		strategy := batch.Strategy(r.URL.Query().Get("strategy"))
		pending, err := s.batches.PendingBatches(r.Context(), strategy)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pending)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleBatchDetail 处理 /api/v1/batches/{id}[/{action}] 路径。
func (s *Server) handleBatchDetail(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		http.Error(w, "批次服务未初始化", http.StatusServiceUnavailable)
		return
	}

	id, action := splitDetailPath(r.URL.Path, "/api/v1/batches/")
	if id == "" {
		http.Error(w, "缺少批次 ID", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		b, err := s.batches.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	case action == "execute" && r.Method == http.MethodPost:
		b, err := s.batches.ExecuteBatch(r.Context(), id)
		if err != nil && b == nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	case action == "cancel" && r.Method == http.MethodPost:
		if err := s.batches.Cancel(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "不支持的操作", http.StatusMethodNotAllowed)
	}
}

// ---- 对账 ----

type reconcilePayload struct {
	TransactionID  string   `json:"transaction_id"`
	TransactionIDs []string `json:"transaction_ids"`
	TxHash         string   `json:"tx_hash"`
}

func (s *Server) handleReconciliations(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		http.Error(w, "对账服务未初始化", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var payload reconcilePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		if len(payload.TransactionIDs) > 0 {
			result, err := s.reconciler.BatchReconcile(r.Context(), payload.TransactionIDs)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
			return
		}
		if payload.TransactionID == "" {
			http.Error(w, "缺少 transaction_id", http.StatusBadRequest)
			return
		}
		record, err := s.reconciler.ReconcileTransaction(r.Context(), payload.TransactionID, payload.TxHash)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case http.MethodGet:
		transactionID := r.URL.Query().Get("transaction_id")
		if transactionID == "" {
			http.Error(w, "缺少 transaction_id", http.StatusBadRequest)
			return
		}
		records, err := s.reconciler.Records(r.Context(), transactionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.coordinator == nil {
		http.Error(w, "协调器未初始化", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.coordinator.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ---- 工具函数 ----

func legSpecFromPayload(payload legPayload) (txn.LegSpec, error) {
	spec := txn.LegSpec{
		Type:                 txn.LegType(payload.Type),
		Target:               payload.Target,
		CallData:             payload.CallData,
		TokenIn:              payload.TokenIn,
		TokenOut:             payload.TokenOut,
		RequiresCompensation: payload.RequiresCompensation,
	}
	var err error
	if spec.AmountIn, err = parseAmount(payload.AmountIn); err != nil {
		return txn.LegSpec{}, errors.New("amount_in 不是合法的十进制数")
	}
	if spec.AmountOut, err = parseAmount(payload.AmountOut); err != nil {
		return txn.LegSpec{}, errors.New("amount_out 不是合法的十进制数")
	}
	return spec, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func splitDetailPath(path, prefix string) (id, action string) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", ""
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError 按错误码映射 HTTP 状态。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case txn.CodeTxnNotFound, txn.CodeLegNotFound, batch.CodeBatchNotFound, reconcile.CodeRecordNotFound:
		status = http.StatusNotFound
	case txn.CodeTxnStateConflict, batch.CodeBatchStateConflict, xerrors.CodeConflict:
		status = http.StatusConflict
	case xerrors.CodeInvalidArgument, batch.CodeBatchItemInvalid:
		status = http.StatusBadRequest
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
