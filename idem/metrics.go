package idem

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/ceyewan/idemgate/metrics"
)

// Metrics 指标常量定义
const (
	// MetricExecutionsTotal 幂等操作总数，按 outcome 分组 (Counter)
	MetricExecutionsTotal = "idem_executions_total"

	// MetricExecutionDuration 业务逻辑执行耗时 (Histogram)
	MetricExecutionDuration = "idem_execution_duration_seconds"

	// MetricClaimDuration 占位获取耗时 (Histogram)
	MetricClaimDuration = "idem_claim_duration_seconds"

	// MetricWaitDuration ModeWait 下等待结果的耗时 (Histogram)
	MetricWaitDuration = "idem_wait_duration_seconds"

	// MetricSweptTotal 后台清理删除的过期记录数 (Counter)
	MetricSweptTotal = "idem_swept_records_total"

	// MetricEventsDroppedTotal 因队列满而丢弃的完成事件数 (Counter)
	MetricEventsDroppedTotal = "idem_events_dropped_total"

	// MetricHTTPRequestsTotal 经过 Gin 中间件的幂等请求数，按 route/method/status_class/outcome 分组 (Counter)
	MetricHTTPRequestsTotal = "idem_http_requests_total"

	// MetricGRPCRequestsTotal 经过一元拦截器的幂等调用数，按 route/grpc_code/outcome 分组 (Counter)
	MetricGRPCRequestsTotal = "idem_grpc_requests_total"
)

// outcome 标签取值
const (
	outcomeExecuted    = "executed"
	outcomeReplayed    = "replayed"
	outcomeConflict    = "conflict"
	outcomeMismatch    = "mismatch"
	outcomeStoreError  = "store_error"
	outcomeFailOpen    = "fail_open"
	outcomeInvalidKey  = "invalid_key"
	outcomeExecFailure = "exec_failure"
)

// idemMetrics 组件持有的指标集合，meter 为 nil 时全部为空
type idemMetrics struct {
	executions   metrics.Counter
	execTime     metrics.Histogram
	claimTime    metrics.Histogram
	waitTime     metrics.Histogram
	swept        metrics.Counter
	dropped      metrics.Counter
	httpRequests metrics.Counter
	grpcRequests metrics.Counter
}

func newIdemMetrics(meter metrics.Meter) *idemMetrics {
	m := &idemMetrics{}
	if meter == nil {
		return m
	}
	m.executions, _ = meter.Counter(MetricExecutionsTotal, "Total idempotent operations by outcome")
	m.execTime, _ = meter.Histogram(MetricExecutionDuration, "Handler execution duration", metrics.WithUnit("s"))
	m.claimTime, _ = meter.Histogram(MetricClaimDuration, "Claim acquisition duration", metrics.WithUnit("s"))
	m.waitTime, _ = meter.Histogram(MetricWaitDuration, "Wait-for-result duration", metrics.WithUnit("s"))
	m.swept, _ = meter.Counter(MetricSweptTotal, "Expired records deleted by the sweeper")
	m.dropped, _ = meter.Counter(MetricEventsDroppedTotal, "Completion events dropped due to a full queue")
	m.httpRequests, _ = meter.Counter(MetricHTTPRequestsTotal, "Idempotent HTTP requests by route, method, status class and outcome")
	m.grpcRequests, _ = meter.Counter(MetricGRPCRequestsTotal, "Idempotent gRPC calls by method and status code")
	return m
}

func (m *idemMetrics) recordOutcome(ctx context.Context, driver DriverType, outcome string) {
	if m.executions == nil {
		return
	}
	m.executions.Inc(ctx,
		metrics.L(metrics.LabelDriver, string(driver)),
		metrics.L(metrics.LabelOutcome, outcome))
}

func (m *idemMetrics) recordHTTP(ctx context.Context, route, method string, statusCode int) {
	if m.httpRequests == nil {
		return
	}
	m.httpRequests.Inc(ctx,
		metrics.L(metrics.LabelRoute, route),
		metrics.L(metrics.LabelMethod, method),
		metrics.L(metrics.LabelStatusClass, metrics.HTTPStatusClass(statusCode)),
		metrics.L(metrics.LabelOutcome, metrics.HTTPOutcome(statusCode)))
}

func (m *idemMetrics) recordGRPC(ctx context.Context, fullMethod string, code codes.Code) {
	if m.grpcRequests == nil {
		return
	}
	m.grpcRequests.Inc(ctx,
		metrics.L(metrics.LabelRoute, fullMethod),
		metrics.L(metrics.LabelGRPCCode, metrics.GRPCStatusClass(code)),
		metrics.L(metrics.LabelOutcome, metrics.GRPCOutcome(code)))
}

func (m *idemMetrics) observe(ctx context.Context, h metrics.Histogram, since time.Time) {
	if h == nil {
		return
	}
	h.Record(ctx, time.Since(since).Seconds())
}
