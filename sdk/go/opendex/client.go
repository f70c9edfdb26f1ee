package opendex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the OpenDEX Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// LegSpec describes one leg of a multi-leg transaction. Amounts are decimal
// strings to avoid floating point loss on the wire.
type LegSpec struct {
	Type                 string `json:"type"`
	Target               string `json:"target,omitempty"`
	CallData             string `json:"call_data,omitempty"`
	AmountIn             string `json:"amount_in,omitempty"`
	AmountOut            string `json:"amount_out,omitempty"`
	TokenIn              string `json:"token_in,omitempty"`
	TokenOut             string `json:"token_out,omitempty"`
	RequiresCompensation bool   `json:"requires_compensation"`
}

// TransactionSubmission represents the payload required to create a
// multi-leg transaction.
type TransactionSubmission struct {
	Type           string         `json:"type"`
	Initiator      string         `json:"initiator"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Deadline       int64          `json:"deadline,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Legs           []LegSpec      `json:"legs"`
}

// Leg contains the server side view of a transaction leg.
type Leg struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Sequence      int    `json:"sequence"`
	AmountIn      string `json:"amount_in"`
	AmountOut     string `json:"amount_out"`
	TokenIn       string `json:"token_in,omitempty"`
	TokenOut      string `json:"token_out,omitempty"`
	TxHash        string `json:"tx_hash,omitempty"`
	GasUsed       uint64 `json:"gas_used,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// Transaction contains the server side view of a multi-leg transaction.
type Transaction struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Type           string         `json:"type"`
	Initiator      string         `json:"initiator"`
	Status         string         `json:"status"`
	TxHash         string         `json:"tx_hash,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	CompletedAt    int64          `json:"completed_at,omitempty"`
	Legs           []Leg          `json:"legs,omitempty"`
}

// ExecutionReport summarises a coordinator execution round. The leg slices
// carry the identifiers of the legs that ended up in each bucket.
type ExecutionReport struct {
	TransactionID   string   `json:"transaction_id"`
	Status          string   `json:"status"`
	Atomic          bool     `json:"atomic"`
	LegsCompleted   []string `json:"legs_completed,omitempty"`
	LegsFailed      []string `json:"legs_failed,omitempty"`
	LegsCompensated []string `json:"legs_compensated,omitempty"`
	GasUsed         uint64   `json:"gas_used"`
}

// BatchSubmission enqueues a transaction or leg into a batch.
type BatchSubmission struct {
	TransactionID     string         `json:"transaction_id,omitempty"`
	LegID             string         `json:"leg_id,omitempty"`
	Type              string         `json:"type,omitempty"`
	Strategy          string         `json:"strategy,omitempty"`
	TimeWindowSeconds int64          `json:"time_window_seconds,omitempty"`
	MaxSize           int            `json:"max_size,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// ReconciliationRecord reports the outcome of matching a transaction
// against its on-chain receipt.
type ReconciliationRecord struct {
	ID             string `json:"id"`
	TransactionID  string `json:"transaction_id"`
	TxHash         string `json:"tx_hash,omitempty"`
	OffChainAmount string `json:"off_chain_amount"`
	OnChainAmount  string `json:"on_chain_amount"`
	Discrepancy    string `json:"discrepancy,omitempty"`
	Status         string `json:"status"`
	LastError      string `json:"last_error,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("opendex api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("opendex api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the OpenDEX Chain API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// CreateTransaction registers a new multi-leg transaction.
func (c *Client) CreateTransaction(ctx context.Context, submission TransactionSubmission) (Transaction, error) {
	var created Transaction
	if err := c.post(ctx, "/api/v1/transactions", submission, &created); err != nil {
		return Transaction{}, err
	}
	return created, nil
}

// GetTransaction fetches a transaction with its legs by identifier.
func (c *Client) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	var detail Transaction
	if err := c.get(ctx, "/api/v1/transactions/"+url.PathEscape(id), &detail); err != nil {
		return Transaction{}, err
	}
	return detail, nil
}

// ExecuteTransaction drives a pending transaction through its legs. When
// atomic is true a leg failure triggers compensation of completed legs.
func (c *Client) ExecuteTransaction(ctx context.Context, id string, atomic bool) (ExecutionReport, error) {
	endpoint := fmt.Sprintf("/api/v1/transactions/%s/execute?atomic=%t", url.PathEscape(id), atomic)
	var report ExecutionReport
	if err := c.post(ctx, endpoint, nil, &report); err != nil {
		return ExecutionReport{}, err
	}
	return report, nil
}

// CancelTransaction cancels a transaction that has not started executing.
func (c *Client) CancelTransaction(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("/api/v1/transactions/%s/cancel", url.PathEscape(id))
	return c.post(ctx, endpoint, nil, nil)
}

// SubmitToBatch enqueues a transaction or leg for batched execution and
// returns the identifier of the collecting batch.
func (c *Client) SubmitToBatch(ctx context.Context, submission BatchSubmission) (string, error) {
	var resp struct {
		BatchID string `json:"batch_id"`
	}
	if err := c.post(ctx, "/api/v1/batches", submission, &resp); err != nil {
		return "", err
	}
	return resp.BatchID, nil
}

// Reconcile matches a transaction against its on-chain receipt.
func (c *Client) Reconcile(ctx context.Context, transactionID, txHash string) (ReconciliationRecord, error) {
	payload := map[string]string{"transaction_id": transactionID}
	if txHash != "" {
		payload["tx_hash"] = txHash
	}
	var record ReconciliationRecord
	if err := c.post(ctx, "/api/v1/reconciliations", payload, &record); err != nil {
		return ReconciliationRecord{}, err
	}
	return record, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
