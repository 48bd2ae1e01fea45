package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkMetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

type InternalErrorLoggerHook struct{}

func (i InternalErrorLoggerHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if level == zerolog.ErrorLevel {
		Meters.InternalErrorCount.Add(context.Background(), 1)
	}
}

const (
	serviceName    = "alptrack"
	serviceVersion = "v0.1.0"
)

type meters struct {
	RecordedIterationCount metric.Int64Counter
	FollowedEntryCount     metric.Int64Counter
	AnalyzedFileCount      metric.Int64Counter
	ForwardedEventCount    metric.Int64Counter
	RetriedAttemptCount    metric.Int64Counter
	GeneratedReportCount   metric.Int64Counter
	ReceivedRestartCount   metric.Int64Counter
	InternalErrorCount     metric.Int64Counter
	InitializedComponents  map[string]metric.Int64UpDownCounter
}

var (
	Meters meters
)

func InitiateMetricProvider(logger *zerolog.Logger) (func(), error) {
	ctx := context.Background()

	// Instantiate insecure push-based OTLP exporter
	otlpExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return func() {}, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)
	meterProvider := sdkMetric.NewMeterProvider(
		sdkMetric.WithResource(res),
		sdkMetric.WithReader(sdkMetric.NewPeriodicReader(otlpExporter)),
	)

	// Set meter provider for global OpenTelemetry imports
	otel.SetMeterProvider(meterProvider)

	// Create an instance on a meter for the given instrumentation scope
	meter := meterProvider.Meter(
		"github.com/alptrack/alptrack",
		metric.WithInstrumentationVersion("v0.0.0"),
	)

	// Instantiate metric submitters
	recordedIterationCount, err := meter.Int64Counter("recordedIterationCount", []metric.Int64CounterOption{
		metric.WithUnit("iteration"),
		metric.WithDescription("Count of recorded loop iterations"),
	}...)
	if err != nil {
		return func() {}, err
	}
	followedEntryCount, err := meter.Int64Counter("followedEntryCount", []metric.Int64CounterOption{
		metric.WithUnit("entry"),
		metric.WithDescription("Count of entries read back from run log streams"),
	}...)
	if err != nil {
		return func() {}, err
	}
	analyzedFileCount, err := meter.Int64Counter("analyzedFileCount", []metric.Int64CounterOption{
		metric.WithUnit("file"),
		metric.WithDescription("Count of analyzed run log files"),
	}...)
	if err != nil {
		return func() {}, err
	}
	forwardedEventCount, err := meter.Int64Counter("forwardedEventCount", []metric.Int64CounterOption{
		metric.WithUnit("event"),
		metric.WithDescription("Count of entries forwarded to downstream sinks"),
	}...)
	if err != nil {
		return func() {}, err
	}
	retriedAttemptCount, err := meter.Int64Counter("retriedAttemptCount", []metric.Int64CounterOption{
		metric.WithDescription("Count of retried step executions"),
	}...)
	if err != nil {
		return func() {}, err
	}
	generatedReportCount, err := meter.Int64Counter("generatedReportCount", []metric.Int64CounterOption{
		metric.WithDescription("Count of generated analysis reports"),
	}...)
	if err != nil {
		return func() {}, err
	}
	receivedRestartCount, err := meter.Int64Counter("receivedRestartCount", []metric.Int64CounterOption{
		metric.WithDescription("Count of received restart signal"),
	}...)
	if err != nil {
		return func() {}, err
	}
	internalErrorCount, err := meter.Int64Counter("internalErrorCount", []metric.Int64CounterOption{
		metric.WithDescription("Count of internal error"),
	}...)
	if err != nil {
		return func() {}, err
	}
	componentNames := []string{"runner", "forwarder", "buffer", "follower", "watcher", "transformer", "converter"}
	initializedComponents := make(map[string]metric.Int64UpDownCounter, len(componentNames))
	for _, name := range componentNames {
		metricName := fmt.Sprintf("initialized%ss", toTitle(name))
		initializedComponent, err := meter.Int64UpDownCounter(metricName,
			metric.WithDescription("Count of initialized "+name+"s"),
		)
		if err != nil {
			return func() {}, err
		}
		initializedComponents[name] = initializedComponent
	}

	// Assign created submitters to global meter struct for wide usage
	Meters.RecordedIterationCount = recordedIterationCount
	Meters.FollowedEntryCount = followedEntryCount
	Meters.AnalyzedFileCount = analyzedFileCount
	Meters.ForwardedEventCount = forwardedEventCount
	Meters.RetriedAttemptCount = retriedAttemptCount
	Meters.GeneratedReportCount = generatedReportCount
	Meters.ReceivedRestartCount = receivedRestartCount
	Meters.InternalErrorCount = internalErrorCount
	Meters.InitializedComponents = initializedComponents

	return func() {
		// Shutdown meter provider
		if err := meterProvider.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("")
		}
	}, nil
}

func toTitle(s string) string {
	if len(s) == 0 {
		return s
	}

	return strings.ToUpper(string(s[0])) + s[1:]
}

func InitializeNopMetricProvider() (func(), error) {
	nopLogger := zerolog.Nop()

	// Mock an OTLP receiver
	otlpMockReceiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	os.Setenv("OTEL_SERVICE_NAME", "alptrack")
	os.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "http/protobuf")
	os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", otlpMockReceiver.URL)

	return InitiateMetricProvider(&nopLogger)
}
