package txn

// TransactionStats 聚合了交易状态的统计信息，常用于仪表盘或健康检查。
type TransactionStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Executing       int   `json:"executing"`
	Completed       int   `json:"completed"`
	PartiallyFailed int   `json:"partially_failed"`
	Compensated     int   `json:"compensated"`
	Failed          int   `json:"failed"`
	Cancelled       int   `json:"cancelled"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
