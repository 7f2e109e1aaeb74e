package service

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	metricsNamespace = "pkgdb"
	metricsSubsystem = "engine"
	tracerName       = "github.com/odvcencio/pkgdb/internal/service"
)

type engineMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	branchedPackages  *prometheus.CounterVec
	notifications     *prometheus.CounterVec
}

var (
	defaultEngineMetricsOnce sync.Once
	defaultEngineMetricsInst *engineMetrics
)

func getDefaultEngineMetrics() *engineMetrics {
	defaultEngineMetricsOnce.Do(func() {
		defaultEngineMetricsInst = newEngineMetrics(prometheus.DefaultRegisterer)
	})
	return defaultEngineMetricsInst
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "operations_total",
			Help:      "Total number of engine operations by outcome.",
		}, []string{"operation", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		branchedPackages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "branched_packages_total",
			Help:      "Packages processed by branch propagation, by result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "owner_notifications_total",
			Help:      "Owner change notifications sent to the bug tracker, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.operationsTotal, m.operationDuration, m.branchedPackages, m.notifications)
	}
	return m
}

// begin opens a span for an engine operation. The returned func records the
// outcome on the span and in the operation metrics.
func (s *Service) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "service."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	start := time.Now()
	return ctx, func(err error) {
		result := outcome(err)
		s.metrics.operationsTotal.WithLabelValues(op, result).Inc()
		s.metrics.operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		span.SetAttributes(attribute.String("pkgdb.outcome", result))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}
