package forwarder

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alptrack/alptrack/internal/config"
	"github.com/alptrack/alptrack/internal/runlog"
	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	metrics.InitializeNopMetricProvider()
	os.Exit(m.Run())
}

func zerologNop() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

func generateMockForwarderDestination(handlerFunc func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(handlerFunc))
}

func prepareTestForwarder(urlOverride string) *Forwarder {
	logger := zerologNop()
	sink := config.SinkConfig{
		Type:    config.SinkTypeLoki,
		URL:     "http://localhost:3100",
		AddTags: map[string]string{"foo": "bar"},
	}
	if urlOverride != "" {
		sink.URL = urlOverride
	}
	fwd, _ := NewForwarder(ForwarderSettings{
		Sink:      sink,
		Signature: sink.CreateSinkSignature("run-1"),
		RunID:     "run-1",
		Logger:    logger,
	})
	return fwd
}

func testEntry(iteration int, status runlog.Status, score float64) runlog.Entry {
	return runlog.Entry{
		Timestamp: time.Date(2024, 1, 15, 10, 30, iteration, 0, time.UTC),
		Iteration: iteration,
		Status:    status,
		Score:     score,
		Context:   map[string]string{"phase": "training"},
	}
}

func TestNewForwarder(t *testing.T) {
	t.Run("loki sink", func(t *testing.T) {
		fwd := prepareTestForwarder("")
		assert.NotNil(t, fwd)
		assert.Equal(t, 1024, cap(fwd.EventChan))
		assert.Len(t, fwd.GetSignature(), 32)
		assert.Equal(t, "run-1", fwd.GetRunID())
	})

	t.Run("run label does not contaminate caller's tag map", func(t *testing.T) {
		sink := config.SinkConfig{
			Type:    config.SinkTypeLoki,
			URL:     "http://localhost:3100",
			AddTags: map[string]string{"foo": "bar"},
		}
		logger := zerologNop()
		fwd, err := NewForwarder(ForwarderSettings{Sink: sink, RunID: "run-1", Logger: logger})
		require.Nil(t, err)
		assert.Equal(t, "run-1", fwd.settings.Sink.AddTags["run_id"])
		assert.NotContains(t, sink.AddTags, "run_id")
	})

	t.Run("invalid sink type", func(t *testing.T) {
		_, err := NewForwarder(ForwarderSettings{Sink: config.SinkConfig{Type: "carrier-pigeon"}})
		assert.NotNil(t, err)
	})
}

func TestForwarderRun(t *testing.T) {
	var (
		wg  sync.WaitGroup
		fwd *Forwarder
	)

	server := generateMockForwarderDestination(func(w http.ResponseWriter, r *http.Request) {
		payload := Payload{}
		json.NewDecoder(r.Body).Decode(&payload)
		assert.Len(t, payload.Streams, 2)
		assert.Equal(t, "run-1", payload.Streams[0].Stream["run_id"])
		assert.Equal(t, "bar", payload.Streams[0].Stream["foo"])
		assert.Equal(t, "training", payload.Streams[0].Stream["phase"])
		assert.Contains(t, payload.Streams[0].Values[0][1], `"iteration":1`)
		assert.Contains(t, payload.Streams[1].Values[0][1], `"iteration":2`)
		defer fwd.Close()
	})
	defer server.Close()

	fwd = prepareTestForwarder(server.URL)
	bufferChan := make(chan runlog.Entry, 1)

	fwd.EventChan <- []runlog.Entry{
		testEntry(1, runlog.StatusSuccess, 0.75),
		testEntry(2, runlog.StatusSuccess, 0.85),
	}
	close(fwd.EventChan)

	wg.Add(1)
	go func() {
		defer wg.Done()
		fwd.Run(bufferChan)
	}()

	wg.Wait()
}

func TestForwarderFlush(t *testing.T) {
	var reqCount int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := Payload{}
		if reqCount == 0 {
			json.NewDecoder(r.Body).Decode(&payload)
			assert.Contains(t, payload.Streams[0].Values[0][1], `"iteration":1`)
			reqCount++
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fwd := prepareTestForwarder(server.URL)
	bufferChan := make(chan runlog.Entry, 1)

	deliverable := testEntry(1, runlog.StatusSuccess, 0.75)
	undeliverable := testEntry(2, runlog.StatusError, 0)

	go func() {
		fwd.EventChan <- []runlog.Entry{deliverable}
		fwd.EventChan <- []runlog.Entry{undeliverable}
		close(fwd.EventChan)
	}()

	errors := fwd.Flush(bufferChan)
	assert.Len(t, errors, 1)
	assert.Equal(t, undeliverable, <-bufferChan)
}

func TestForward(t *testing.T) {
	var reqCount int

	// Always successful server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := Payload{}
		switch reqCount {
		case 0:
			json.NewDecoder(r.Body).Decode(&payload)
			assert.Len(t, payload.Streams, 1)
			entry := testEntry(1, runlog.StatusSuccess, 0.75)
			assert.Equal(t, fmt.Sprint(entry.Timestamp.UnixNano()), payload.Streams[0].Values[0][0])
		case 1:
			json.NewDecoder(r.Body).Decode(&payload)
			assert.Len(t, payload.Streams, 3)
			assert.Contains(t, payload.Streams[2].Values[0][1], `"iteration":3`)
		}
		reqCount++
	}))
	defer server.Close()

	// Always failed server
	var failedReqCount int
	failedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		failedReqCount++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failedServer.Close()

	t.Run("successfully forward 1 entry", func(t *testing.T) {
		fwd := prepareTestForwarder(server.URL)
		err := fwd.forward(testEntry(1, runlog.StatusSuccess, 0.75))
		assert.Nil(t, err)
	})

	t.Run("successfully ship multiple entries", func(t *testing.T) {
		fwd := prepareTestForwarder(server.URL)
		err := fwd.forward(
			testEntry(1, runlog.StatusSuccess, 0.7),
			testEntry(2, runlog.StatusSuccess, 0.8),
			testEntry(3, runlog.StatusSuccess, 0.9),
		)
		assert.Nil(t, err)
	})

	t.Run("failed to forward 1 entry", func(t *testing.T) {
		fwd := prepareTestForwarder(failedServer.URL)
		err := fwd.forward(testEntry(1, runlog.StatusError, 0))
		assert.NotNil(t, err)
		assert.GreaterOrEqual(t, failedReqCount, 2)
	})

	t.Run("successfully send a compressed batch of 2 entries", func(t *testing.T) {
		compressServer := generateMockForwarderDestination(func(w http.ResponseWriter, r *http.Request) {
			payload := Payload{}
			gzipReader, err := gzip.NewReader(r.Body)
			assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
			assert.Nil(t, err)
			defer gzipReader.Close()
			defer r.Body.Close()
			assert.Nil(t, json.NewDecoder(gzipReader).Decode(&payload))
			assert.Len(t, payload.Streams, 2)
		})
		defer compressServer.Close()

		logger := zerologNop()
		fwd, err := NewForwarder(ForwarderSettings{
			Sink: config.SinkConfig{
				Type:            config.SinkTypeLoki,
				URL:             compressServer.URL,
				CompressRequest: true,
			},
			RunID:  "run-1",
			Logger: logger,
		})
		require.Nil(t, err)
		err = fwd.forward(
			testEntry(1, runlog.StatusSuccess, 0.7),
			testEntry(2, runlog.StatusSuccess, 0.8),
		)
		assert.Nil(t, err)
	})
}

func TestKafkaOutputSendEvents(t *testing.T) {
	kafkaOutput := KafkaOutput{
		settings: KafkaOutputSetting{
			Brokers: []string{"localhost:9092"},
			Topics:  []string{"alp-entries"},
		},
	}

	sendFunc, err := kafkaOutput.SendEvents(testEntry(1, runlog.StatusSuccess, 0.75))
	assert.Nil(t, err)
	assert.NotNil(t, sendFunc)

	settings := kafkaOutput.GetSettings()
	assert.Equal(t, []string{"localhost:9092"}, settings["Brokers"])
	assert.Equal(t, []string{"alp-entries"}, settings["Topics"])
}
