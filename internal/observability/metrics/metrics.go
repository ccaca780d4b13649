package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "x402"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	payments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_total",
		Help:      "Payment handshakes by outcome.",
	}, []string{"outcome", "network"})

	spend = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_spend_total",
		Help:      "Settled spend in currency units.",
	}, []string{"network", "currency"})

	upstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_requests_total",
		Help:      "Requests sent to paid endpoints, by handshake phase.",
	}, []string{"phase", "code"})

	oracleLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "oracle_call_duration_seconds",
		Help:      "Model oracle call duration in seconds.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
	}, []string{"purpose", "result"})

	turns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conversation_turns_total",
		Help:      "Conversation turns by terminal state.",
	}, []string{"outcome"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		payments, spend, upstreamRequests, oracleLatency, turns,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObservePayment counts a finished payment handshake. outcome is a short
// snake_case label such as "settled" or "cap_exceeded".
func ObservePayment(outcome, network string) {
	payments.WithLabelValues(outcome, network).Inc()
}

// AddSpend accumulates settled spend in currency units.
func AddSpend(network, currency string, amount float64) {
	if amount <= 0 {
		return
	}
	spend.WithLabelValues(network, currency).Add(amount)
}

// ObserveUpstream counts one request to a paid endpoint.
func ObserveUpstream(phase string, status int) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	upstreamRequests.WithLabelValues(phase, code).Inc()
}

// ObserveOracle records the latency of a model call.
func ObserveOracle(purpose string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	oracleLatency.WithLabelValues(purpose, result).Observe(duration.Seconds())
}

// ObserveTurn counts a conversation turn reaching a terminal state.
func ObserveTurn(outcome string) {
	turns.WithLabelValues(outcome).Inc()
}

// Middleware wraps next and records request metrics under name.
func Middleware(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
