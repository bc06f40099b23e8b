package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 外部厂商 API 调用延迟（毫秒）
	VendorCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vendor_call_latency_ms",
			Help:    "Outbound vendor API call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"vendor", "status"},
	)

	// 厂商调用重试次数
	VendorRetryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendor_retry_total",
			Help: "Total number of vendor call retries",
		},
		[]string{"vendor", "reason"}, // reason: rate_limited, transient
	)

	// 限流等待时间（秒）
	LimiterWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rate_limiter_wait_seconds",
			Help:    "Time spent waiting for the sliding window limiter",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"vendor"},
	)

	// 分页终止原因
	PaginationStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagination_stop_total",
			Help: "Pagination terminations by reason",
		},
		[]string{"vendor", "reason"}, // reason: end_of_stream, loop_detected, page_cap
	)

	// 同步运行耗时（秒）
	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_run_duration_seconds",
			Help:    "Sync run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"channel", "mode", "state"},
	)

	// 同步记录结果计数
	SyncRecordCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_record_total",
			Help: "Total number of synced records by outcome",
		},
		[]string{"channel", "outcome"}, // created, updated, unchanged, duplicate, comment, skipped, error
	)

	// 去重命中计数
	DedupHitCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_hit_total",
			Help: "Duplicate detections by tier",
		},
		[]string{"tier"}, // external_id, content_hash, near_duplicate
	)

	// 近似重复合并计数，用于监控误合并率
	NearDuplicateMerges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "near_duplicate_merges_total",
			Help: "Records suppressed by the near-duplicate heuristic",
		},
		[]string{"integration_id"},
	)

	// 指纹写入失败（一致性风险）
	DedupMarkFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_mark_failures_total",
			Help: "Fingerprint ledger writes that failed after a ticket was persisted",
		},
		[]string{"backend"},
	)

	// Webhook 事件计数
	WebhookEventCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_event_total",
			Help: "Webhook events by vendor and resulting action",
		},
		[]string{"vendor", "action"},
	)

	// 异步任务投递计数
	JobEnqueueCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_enqueue_total",
			Help: "Deferred jobs enqueued by backend and status",
		},
		[]string{"backend", "status"},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"statement"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)
)

// RecordVendorCall 记录厂商 API 调用延迟
func RecordVendorCall(vendor, status string, duration time.Duration) {
	VendorCallLatency.WithLabelValues(vendor, status).Observe(float64(duration.Milliseconds()))
}

// IncrementVendorRetry 增加重试计数
func IncrementVendorRetry(vendor, reason string) {
	VendorRetryCount.WithLabelValues(vendor, reason).Inc()
}

// RecordLimiterWait 记录限流等待
func RecordLimiterWait(vendor string, wait time.Duration) {
	LimiterWait.WithLabelValues(vendor).Observe(wait.Seconds())
}

// IncrementPaginationStop 记录分页终止原因
func IncrementPaginationStop(vendor, reason string) {
	PaginationStops.WithLabelValues(vendor, reason).Inc()
}

// RecordSyncRun 记录一次同步运行
func RecordSyncRun(channel, mode, state string, duration time.Duration) {
	SyncRunDuration.WithLabelValues(channel, mode, state).Observe(duration.Seconds())
}

// IncrementSyncRecord 增加同步记录计数
func IncrementSyncRecord(channel, outcome string) {
	SyncRecordCount.WithLabelValues(channel, outcome).Inc()
}

// IncrementDedupHit 增加去重命中计数
func IncrementDedupHit(tier string) {
	DedupHitCount.WithLabelValues(tier).Inc()
}

// IncrementNearDuplicateMerge 增加近似重复合并计数
func IncrementNearDuplicateMerge(integrationID string) {
	NearDuplicateMerges.WithLabelValues(integrationID).Inc()
}

// IncrementDedupMarkFailure 增加指纹写入失败计数
func IncrementDedupMarkFailure(backend string) {
	DedupMarkFailures.WithLabelValues(backend).Inc()
}

// IncrementWebhookEvent 增加 webhook 事件计数
func IncrementWebhookEvent(vendor, action string) {
	WebhookEventCount.WithLabelValues(vendor, action).Inc()
}

// IncrementJobEnqueue 增加异步任务投递计数
func IncrementJobEnqueue(backend, status string) {
	JobEnqueueCount.WithLabelValues(backend, status).Inc()
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(statement string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(statement).Inc()
	DBQueryDuration.WithLabelValues("slow", "").Observe(duration.Seconds())
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}
