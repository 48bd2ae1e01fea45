package forwarder

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alptrack/alptrack/internal/config"
	"github.com/alptrack/alptrack/internal/runlog"
	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

type PayloadStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type Payload struct {
	Streams []PayloadStream `json:"streams"`
}

type Forwarder struct {
	backoff    *backoff.ExponentialBackOff
	ctx        context.Context     // Context for forwarder struct, primarily for cancellation when needed
	cancelFunc context.CancelFunc  // Context cancellation function
	EventChan  chan []runlog.Entry // Channel to receive entry batches from buffer stage
	Output     Output              // Implementation of forwarder that sends entries to the configured sink
	logger     *zerolog.Logger     // Dedicated logger
	settings   ForwarderSettings   // Forwarder's settings
}

type ForwarderSettings struct {
	Sink      config.SinkConfig
	Signature string          // Signature from hashing the sink's settings
	RunID     string          // Identifier of the originating run, sent downstream as 1 of associative labels
	Logger    *zerolog.Logger // Dedicated logger
}

type Output interface {
	SendEvents(...runlog.Entry) (func() error, error)
	GetSettings() map[string]interface{}
}

func NewForwarder(settings ForwarderSettings) (*Forwarder, error) {
	// Deep copy forwarder settings to avoid contamination of "run_id" attribute
	clonedForwarderSettings := settings
	clonedForwarderSettings.Sink.AddTags = lo.Assign(settings.Sink.AddTags)

	// For each failed delivery, maximum elapsed time for exp backoff is 5 seconds
	backoffConfig := backoff.NewExponentialBackOff()
	backoffConfig.MaxElapsedTime = 5 * time.Second

	// Add "run_id" label with originating run as value
	// Help distinguish entry streams in single forwarded destination
	if clonedForwarderSettings.RunID != "" {
		clonedForwarderSettings.Sink.AddTags["run_id"] = clonedForwarderSettings.RunID
	}

	// Initialize inner forwarder based on configured sink type
	var forwarderOutput Output
	switch settings.Sink.Type {
	case config.SinkTypeLoki:
		forwarderOutput = LokiOutput{
			settings:   clonedForwarderSettings.Sink,
			httpClient: &http.Client{},
		}
	case config.SinkTypeKafka:
		kafkaOutput, err := NewKafkaOutput(KafkaOutputSetting{
			Brokers: settings.Sink.Brokers,
			Topics:  settings.Sink.Topics,
		})
		if err != nil {
			return nil, err
		}
		forwarderOutput = kafkaOutput
	default:
		return nil, fmt.Errorf("invalid sink type %q", settings.Sink.Type)
	}

	ctx, cancelFunc := context.WithCancel(context.Background())

	// Submit metrics on newly initialized forwarder
	metrics.Meters.InitializedComponents["forwarder"].Add(ctx, 1)

	return &Forwarder{
		backoff:    backoffConfig,
		ctx:        ctx,
		cancelFunc: cancelFunc,
		Output:     forwarderOutput,
		EventChan:  make(chan []runlog.Entry, 1024),
		logger:     settings.Logger,
		settings:   clonedForwarderSettings,
	}, nil
}

// Run sends buffered or disk-persisted entries to the configured sink.
// Terminates once context is cancelled
func (f *Forwarder) Run(bufferChan chan runlog.Entry) {
	for {
		select {

		// Close down all activities once receiving termination signals
		case <-f.ctx.Done():
			// Last attempt sending all consumed entries downstream before shutdown
			// If flush attempt failed, queue entries back to buffer
			for _, err := range f.Flush(bufferChan) {
				f.logger.Error().Err(err).Msg("")
			}
			return

		// Send buffered entries in batch
		// If failed, will queue entries back to buffer channel for next persistence
		case batch, ok := <-f.EventChan:
			if !ok {
				continue
			}
			err := f.forward(batch...)
			if err != nil {
				f.logger.Error().Err(err).Msgf("failed to forward batch of entries to %v sink", f.settings.Sink.Type)
				// Queue batched entries back to buffer channel
				for _, entry := range batch {
					bufferChan <- entry
				}
			} else {
				// Submit metrics on successfully forwarded entries
				metrics.Meters.ForwardedEventCount.Add(f.ctx, int64(len(batch)))
			}
		}
	}
}

// Flush all consumed batches, forwarding to the configured sink
func (f *Forwarder) Flush(bufferChan chan runlog.Entry) []error {
	var errors []error
	for batch := range f.EventChan {
		if err := f.forward(batch...); err != nil {
			errors = append(errors, err)
			for _, entry := range batch {
				bufferChan <- entry
			}
		} else {
			// Submit metrics on successfully flush-forwarded entries
			metrics.Meters.ForwardedEventCount.Add(f.ctx, int64(len(batch)))
		}
	}

	return errors
}

// Call function to cancel context
func (f *Forwarder) Close() {
	// Submit metrics on closed forwarder
	metrics.Meters.InitializedComponents["forwarder"].Add(f.ctx, -1)

	f.cancelFunc()
}

// forward() is a generic way to send entries to the downstream sink
func (f *Forwarder) forward(forwardArgs ...runlog.Entry) error {
	innerForwarderFunc, err := f.Output.SendEvents(forwardArgs...)
	if err != nil {
		return err
	}
	return backoff.Retry(innerForwarderFunc, f.backoff)
}

func (f *Forwarder) GetSignature() string {
	return f.settings.Signature
}

func (f *Forwarder) GetRunID() string {
	return f.settings.RunID
}
