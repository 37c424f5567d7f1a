package models

// MetricsSnapshot is a read-only view of the orchestration counters.
type MetricsSnapshot struct {
	TotalRequests   int64 `json:"total_requests"`
	CacheHits       int64 `json:"cache_hits"`
	DedupedRequests int64 `json:"deduped_requests"`
	BatchedRequests int64 `json:"batched_requests"`
	APICalls        int64 `json:"api_calls"`
	OfflineQueued   int64 `json:"offline_queued"`
	Retries         int64 `json:"retries"`
	Failures        int64 `json:"failures"`

	CacheHitRatio float64 `json:"cache_hit_ratio"`
	DedupRatio    float64 `json:"dedup_ratio"`
	Efficiency    float64 `json:"efficiency"`
}
