package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	if m.MessageCounter == nil || m.LLMRequestCounter == nil || m.ToolExecutionCounter == nil {
		t.Fatal("expected NewMetrics to populate its collector fields")
	}

	m.RecordLLMRequest("openai", "gpt-4o", "success", 0.5, 10, 20)
	if count := testutil.CollectAndCount(m.LLMRequestCounter); count != 1 {
		t.Errorf("expected 1 label combination after RecordLLMRequest, got %d", count)
	}
}

func TestNewMetrics_SecondRegistryDoesNotPanic(t *testing.T) {
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}

func TestMessageReceived(t *testing.T) {
	// Create a new registry for isolated testing
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_messages_total",
			Help: "Test message counter",
		},
		[]string{"channel", "direction"},
	)
	registry.MustRegister(counter)

	// Record some messages
	counter.WithLabelValues("telegram", "inbound").Inc()
	counter.WithLabelValues("telegram", "inbound").Inc()
	counter.WithLabelValues("discord", "outbound").Inc()

	// Verify counts
	if count := testutil.CollectAndCount(counter); count != 2 {
		t.Errorf("Expected 2 label combinations, got %d", count)
	}

	// Verify specific values
	expected := `
		# HELP test_messages_total Test message counter
		# TYPE test_messages_total counter
		test_messages_total{channel="discord",direction="outbound"} 1
		test_messages_total{channel="telegram",direction="inbound"} 2
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestMessageSent(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_messages_sent_total",
			Help: "Test message sent counter",
		},
		[]string{"channel", "direction"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("slack", "outbound").Inc()
	counter.WithLabelValues("slack", "outbound").Inc()

	expected := `
		# HELP test_messages_sent_total Test message sent counter
		# TYPE test_messages_sent_total counter
		test_messages_sent_total{channel="slack",direction="outbound"} 2
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestRecordLLMRequest(t *testing.T) {
	// Test with isolated registry
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_llm_requests_total",
			Help: "Test LLM request counter",
		},
		[]string{"provider", "model", "status"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("anthropic", "claude-3-opus", "success").Inc()
	counter.WithLabelValues("openai", "gpt-4", "success").Inc()
	counter.WithLabelValues("anthropic", "claude-3-opus", "error").Inc()

	// Verify counter was incremented
	count := testutil.CollectAndCount(counter)
	if count < 1 {
		t.Error("Expected at least 1 LLM request recorded")
	}
}

func TestRecordToolExecution(t *testing.T) {
	// Test with isolated registry
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_tool_executions_total",
			Help: "Test tool execution counter",
		},
		[]string{"tool_name", "status"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("web_search", "success").Inc()
	counter.WithLabelValues("web_search", "success").Inc()
	counter.WithLabelValues("browser", "error").Inc()

	// Verify counters
	count := testutil.CollectAndCount(counter)
	if count < 1 {
		t.Error("Expected at least 1 tool execution recorded")
	}
}

func TestRecordError(t *testing.T) {
	// Test with isolated registry
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_errors_total",
			Help: "Test error counter",
		},
		[]string{"component", "error_type"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("agent", "timeout").Inc()
	counter.WithLabelValues("agent", "timeout").Inc()
	counter.WithLabelValues("channel", "auth_failed").Inc()
	counter.WithLabelValues("tool", "execution_failed").Inc()

	// Verify counter
	count := testutil.CollectAndCount(counter)
	if count < 1 {
		t.Error("Expected at least 1 error recorded")
	}
}

func TestSessionLifecycle(t *testing.T) {
	// Test gauge and histogram behavior with isolated registry
	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "test_active_sessions",
			Help: "Test active sessions",
		},
		[]string{"channel"},
	)
	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_session_duration_seconds",
			Help:    "Test session duration",
			Buckets: []float64{60, 300, 600},
		},
		[]string{"channel"},
	)
	registry.MustRegister(gauge, histogram)

	// Start sessions
	gauge.WithLabelValues("telegram").Inc()
	gauge.WithLabelValues("telegram").Inc()
	gauge.WithLabelValues("discord").Inc()

	// End sessions
	gauge.WithLabelValues("telegram").Dec()
	histogram.WithLabelValues("telegram").Observe(300.0)
	histogram.WithLabelValues("discord").Observe(600.0)

	// Verify metrics were tracked
	if testutil.CollectAndCount(gauge) < 1 {
		t.Error("Expected active sessions gauge to be tracked")
	}
	if testutil.CollectAndCount(histogram) < 1 {
		t.Error("Expected session duration histogram to have observations")
	}
}

func TestHistogramBuckets(t *testing.T) {
	// Test histogram with various durations
	registry := prometheus.NewRegistry()
	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_duration_seconds",
			Help:    "Test duration histogram",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0},
		},
		[]string{"operation"},
	)
	registry.MustRegister(histogram)

	durations := []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0}
	for _, duration := range durations {
		histogram.WithLabelValues("test").Observe(duration)
	}

	// Verify histogram recorded all observations
	if testutil.CollectAndCount(histogram) < 1 {
		t.Error("Expected histogram to have observations across buckets")
	}
}

func TestConcurrentMetrics(t *testing.T) {
	// Test concurrent metric recording
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_concurrent_total",
			Help: "Test concurrent counter",
		},
		[]string{"label"},
	)
	registry.MustRegister(counter)

	done := make(chan bool)
	iterations := 100

	go func() {
		for i := 0; i < iterations; i++ {
			counter.WithLabelValues("a").Inc()
			time.Sleep(time.Microsecond)
		}
		done <- true
	}()

	go func() {
		for i := 0; i < iterations; i++ {
			counter.WithLabelValues("b").Inc()
			time.Sleep(time.Microsecond)
		}
		done <- true
	}()

	<-done
	<-done

	// Should not panic
	if testutil.CollectAndCount(counter) < 1 {
		t.Error("Expected concurrent metric recording to work")
	}
}
