package idem

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ceyewan/idemgate/metrics"
)

// captureMeter 把计数器增量连同标签记录在内存里，供断言使用
type captureMeter struct {
	mu   sync.Mutex
	incs map[string][]map[string]string
}

func newCaptureMeter() *captureMeter {
	return &captureMeter{incs: make(map[string][]map[string]string)}
}

func (m *captureMeter) record(name string, labels []metrics.Label) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kv := make(map[string]string, len(labels))
	for _, l := range labels {
		kv[l.Key] = l.Value
	}
	m.incs[name] = append(m.incs[name], kv)
}

func (m *captureMeter) take(name string) []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incs[name]
}

func (m *captureMeter) Counter(name string, desc string, opts ...metrics.MetricOption) (metrics.Counter, error) {
	return &captureCounter{meter: m, name: name}, nil
}

func (m *captureMeter) Gauge(name string, desc string, opts ...metrics.MetricOption) (metrics.Gauge, error) {
	return captureGauge{}, nil
}

func (m *captureMeter) Histogram(name string, desc string, opts ...metrics.MetricOption) (metrics.Histogram, error) {
	return captureHistogram{}, nil
}

func (m *captureMeter) Shutdown(ctx context.Context) error { return nil }

type captureCounter struct {
	meter *captureMeter
	name  string
}

func (c *captureCounter) Inc(ctx context.Context, labels ...metrics.Label) {
	c.meter.record(c.name, labels)
}

func (c *captureCounter) Add(ctx context.Context, val float64, labels ...metrics.Label) {
	c.meter.record(c.name, labels)
}

type captureGauge struct{}

func (captureGauge) Set(context.Context, float64, ...metrics.Label) {}
func (captureGauge) Inc(context.Context, ...metrics.Label)          {}
func (captureGauge) Dec(context.Context, ...metrics.Label)          {}

type captureHistogram struct{}

func (captureHistogram) Record(context.Context, float64, ...metrics.Label) {}

func newMeteredEngine(t *testing.T, meter metrics.Meter) Idempotency {
	t.Helper()
	eng, err := New(&Config{
		Driver:          DriverMemory,
		Expiration:      time.Hour,
		ClaimTimeout:    5 * time.Second,
		ConcurrencyMode: ModeWait,
	}, WithMeter(meter))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestGinMiddlewareRequestMetrics(t *testing.T) {
	meter := newCaptureMeter()
	eng := newMeteredEngine(t, meter)
	r, _ := newMiddlewareRouter(t, eng)

	postWithKey(r, "/orders", "metrics-key-1", nil)
	postWithKey(r, "/orders", "metrics-key-1", nil)
	postWithKey(r, "/fail", "metrics-key-2", nil)

	incs := meter.take(MetricHTTPRequestsTotal)
	if len(incs) != 3 {
		t.Fatalf("expected 3 http request increments, got %d", len(incs))
	}

	// 首次执行和回放都计为 2xx/success
	for n := 0; n < 2; n++ {
		labels := incs[n]
		if labels[metrics.LabelRoute] != "/orders" || labels[metrics.LabelMethod] != "POST" {
			t.Fatalf("increment %d has wrong route labels: %v", n, labels)
		}
		if labels[metrics.LabelStatusClass] != "2xx" || labels[metrics.LabelOutcome] != metrics.OutcomeSuccess {
			t.Fatalf("increment %d has wrong status labels: %v", n, labels)
		}
	}

	// 非 2xx 响应按状态类计为 error
	failed := incs[2]
	if failed[metrics.LabelRoute] != "/fail" {
		t.Fatalf("expected /fail route label, got %v", failed)
	}
	if failed[metrics.LabelStatusClass] != "5xx" || failed[metrics.LabelOutcome] != metrics.OutcomeError {
		t.Fatalf("expected 5xx/error labels, got %v", failed)
	}
}

func TestUnaryServerInterceptorCallMetrics(t *testing.T) {
	meter := newCaptureMeter()
	eng := newMeteredEngine(t, meter)
	interceptor := eng.UnaryServerInterceptor()

	handler := func(_ context.Context, _ interface{}) (interface{}, error) {
		return wrapperspb.String("success"), nil
	}

	if _, err := interceptor(rpcContext("grpc-metrics-1"), wrapperspb.String("req"), rpcInfo, handler); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	// 同一键复用不同载荷触发指纹冲突
	if _, err := interceptor(rpcContext("grpc-metrics-1"), wrapperspb.String("changed"), rpcInfo, handler); err == nil {
		t.Fatal("expected fingerprint mismatch error")
	}

	incs := meter.take(MetricGRPCRequestsTotal)
	if len(incs) != 2 {
		t.Fatalf("expected 2 grpc call increments, got %d", len(incs))
	}

	ok := incs[0]
	if ok[metrics.LabelRoute] != rpcInfo.FullMethod {
		t.Fatalf("expected method label %q, got %v", rpcInfo.FullMethod, ok)
	}
	if ok[metrics.LabelGRPCCode] != "ok" || ok[metrics.LabelOutcome] != metrics.OutcomeSuccess {
		t.Fatalf("expected ok/success labels, got %v", ok)
	}

	rejected := incs[1]
	if rejected[metrics.LabelGRPCCode] != "failedprecondition" || rejected[metrics.LabelOutcome] != metrics.OutcomeError {
		t.Fatalf("expected failedprecondition/error labels, got %v", rejected)
	}
}
