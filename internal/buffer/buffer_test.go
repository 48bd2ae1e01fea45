package buffer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alptrack/alptrack/internal/config"
	"github.com/alptrack/alptrack/internal/runlog"
	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	metrics.InitializeNopMetricProvider()
	os.Exit(m.Run())
}

func TestNewBuffer(t *testing.T) {
	tmpDir, _ := os.MkdirTemp("", "")
	defer os.RemoveAll(tmpDir)
	b := NewBuffer(BufferOption{
		Signature: "abc",
		DiskBufferSetting: config.DiskBufferSetting{
			Enabled: true,
			Path:    tmpDir,
		},
	})
	assert.NotNil(t, b)
	assert.NotNil(t, b.ctx)
	assert.NotNil(t, b.cancelFunc)
	assert.NotNil(t, b.signature)
	assert.Equal(t, 1024, cap(b.BufferChan))
	assert.DirExists(t, filepath.Join(tmpDir, b.signature))
}

func TestBufferRun(t *testing.T) {
	t.Parallel()
	t.Run("memory-based entry buffer", func(t *testing.T) {
		var (
			wg sync.WaitGroup
			b  = NewBuffer(BufferOption{
				Signature:         "abc",
				DiskBufferSetting: config.DiskBufferSetting{},
			})
			fwdChan = make(chan []runlog.Entry)
		)

		for i := 0; i < 20; i++ {
			b.BufferChan <- runlog.Entry{Iteration: i, Status: runlog.StatusSuccess}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Run(fwdChan)
		}()

		// Test if buffer managed to send entries once batch reached threshold
		assert.Equal(t,
			lo.Map(make([]runlog.Entry, 20), func(_ runlog.Entry, index int) runlog.Entry {
				return runlog.Entry{Iteration: index, Status: runlog.StatusSuccess}
			}),
			<-fwdChan)

		// Test if buffer managed to send entries on schedule in case batch hasn't reached limit yet
		b.BufferChan <- runlog.Entry{Iteration: 20, Status: runlog.StatusSuccess}
		b.BufferChan <- runlog.Entry{Iteration: 21, Status: runlog.StatusFailure}
		forwardedOnSchedule := <-fwdChan
		assert.Equal(t, []runlog.Entry{
			{Iteration: 20, Status: runlog.StatusSuccess},
			{Iteration: 21, Status: runlog.StatusFailure},
		},
			forwardedOnSchedule)

		b.Close()
		wg.Wait()
	})
	t.Run("disk-based entry buffer", func(t *testing.T) {
		tmpDir, _ := os.MkdirTemp("", "")
		defer os.RemoveAll(tmpDir)
		var (
			wg sync.WaitGroup
			b  = NewBuffer(BufferOption{
				Signature: "abc",
				DiskBufferSetting: config.DiskBufferSetting{
					Enabled: true,
					Path:    tmpDir,
				},
			})
			fwdChan = make(chan []runlog.Entry)
		)

		for i := 0; i < 20; i++ {
			b.BufferChan <- runlog.Entry{Iteration: i, Status: runlog.StatusSuccess}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Run(fwdChan)
		}()

		// Test if buffer managed to send entries once batch reached threshold
		forwardedBatch := <-b.batchedEntriesToBufferChan
		assert.Equal(t,
			lo.Map(make([]runlog.Entry, 20), func(_ runlog.Entry, index int) runlog.Entry {
				return runlog.Entry{Iteration: index, Status: runlog.StatusSuccess}
			}),
			forwardedBatch,
		)

		// Test if buffer managed to send entries on schedule in case batch hasn't reached limit yet
		b.BufferChan <- runlog.Entry{Iteration: 20, Status: runlog.StatusSuccess}
		b.BufferChan <- runlog.Entry{Iteration: 21, Status: runlog.StatusSuccess}
		forwardedOnSchedule := <-b.batchedEntriesToBufferChan
		assert.Equal(t,
			[]runlog.Entry{
				{Iteration: 20, Status: runlog.StatusSuccess},
				{Iteration: 21, Status: runlog.StatusSuccess},
			},
			forwardedOnSchedule,
		)

		b.Close()
		wg.Wait()
	})
}

func TestBufferSegmentToDiskLoop(t *testing.T) {
	batchedEntries := []runlog.Entry{}
	tmpSegmentDir, _ := os.MkdirTemp("", "")
	defer os.RemoveAll(tmpSegmentDir)

	b := NewBuffer(BufferOption{
		Signature: "abc",
		DiskBufferSetting: config.DiskBufferSetting{
			Enabled: true,
			Path:    tmpSegmentDir,
		},
	})

	sentEntries := []runlog.Entry{
		{
			Timestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
			Iteration: 1,
			Status:    runlog.StatusSuccess,
			Score:     0.75,
			Metrics:   map[string]float64{"loss": 0.35},
			Context:   map[string]string{"phase": "training"},
		},
		{
			Timestamp: time.Date(2024, 1, 15, 10, 31, 0, 0, time.UTC),
			Iteration: 2,
			Status:    runlog.StatusFailure,
			Score:     0.5,
			Metrics:   map[string]float64{"loss": 0.6},
			Context:   map[string]string{"phase": "training"},
		},
	}
	b.batchedEntriesToBufferChan <- sentEntries

	go b.BufferSegmentToDiskLoop()

	bufferedFilename := <-b.segmentToLoadChan
	assert.FileExists(t, bufferedFilename)
	bufferedFile, err := os.Open(bufferedFilename)
	assert.Nil(t, err)
	defer bufferedFile.Close()
	assert.Nil(t, json.NewDecoder(bufferedFile).Decode(&batchedEntries))
	assert.Equal(t, sentEntries, batchedEntries)

	close(b.batchedEntriesToBufferChan)
}

func TestLoadSegmentToForwarderLoop(t *testing.T) {
	var (
		b = NewBuffer(BufferOption{
			Signature:         "abc",
			DiskBufferSetting: config.DiskBufferSetting{},
		})
		fwdChan = make(chan []runlog.Entry)
	)

	tmpSegmentFile, _ := os.CreateTemp("", "")
	defer os.Remove(tmpSegmentFile.Name())

	segmentEntries := []runlog.Entry{
		{
			Timestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
			Iteration: 1,
			Status:    runlog.StatusSuccess,
			Score:     0.75,
			Metrics:   map[string]float64{"loss": 0.35},
			Context:   map[string]string{"phase": "training"},
		},
	}
	json.NewEncoder(tmpSegmentFile).Encode(&segmentEntries)
	b.segmentToLoadChan <- tmpSegmentFile.Name()

	go b.LoadSegmentToForwarderLoop(fwdChan)

	assert.Equal(t, segmentEntries, <-fwdChan)
	assert.Equal(t, tmpSegmentFile.Name(), <-b.deletedSegmentChan)
	assert.FileExists(t, tmpSegmentFile.Name())

	close(b.segmentToLoadChan)
}

func TestDeleteUsedSegmentFileLoop(t *testing.T) {
	b := NewBuffer(BufferOption{
		Signature:         "abc",
		DiskBufferSetting: config.DiskBufferSetting{},
	})

	tmpSegmentFile, _ := os.CreateTemp("", "")

	go b.DeleteUsedSegmentFileLoop()

	b.deletedSegmentChan <- tmpSegmentFile.Name()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(tmpSegmentFile.Name())
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
}

func TestGetSignature(t *testing.T) {
	b := NewBuffer(BufferOption{
		Signature:         "abc",
		DiskBufferSetting: config.DiskBufferSetting{},
	})
	assert.Equal(t, "abc", b.GetSignature())
}

func TestPersistToDisk(t *testing.T) {
	b := NewBuffer(BufferOption{
		Signature:         "abc",
		DiskBufferSetting: config.DiskBufferSetting{},
	})
	entry := runlog.Entry{
		Timestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Iteration: 1,
		Status:    runlog.StatusSuccess,
		Score:     0.75,
	}
	b.BufferChan <- entry

	bufFile, err := b.PersistToDisk()
	assert.Nil(t, err)
	assert.FileExists(t, bufFile)
	defer os.Remove(bufFile)

	marshalled, err := json.Marshal(entry)
	assert.Nil(t, err)
	persistedEntries, err := os.ReadFile(bufFile)
	assert.Nil(t, err)
	assert.Equal(t, fmt.Sprintf("%s\n", marshalled), string(persistedEntries))
}

func TestLoadPersistedEntries(t *testing.T) {
	b := NewBuffer(BufferOption{
		Signature:         "abc",
		DiskBufferSetting: config.DiskBufferSetting{},
	})

	tmpBufferedFile, _ := os.CreateTemp("", "")
	tmpBufferedFile.WriteString(`{"timestamp":"2024-01-15T10:30:00Z","iteration":1,"status":"success","performance_score":0.75}
not a valid entry
{"timestamp":"2024-01-15T10:31:00Z","iteration":2,"status":"failure","performance_score":0.5}
`)
	tmpBufferedFile.Close()

	assert.Nil(t, b.LoadPersistedEntries(tmpBufferedFile.Name()))
	assert.NoFileExists(t, tmpBufferedFile.Name())

	first := <-b.BufferChan
	assert.Equal(t, runlog.Entry{
		Timestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Iteration: 1,
		Status:    runlog.StatusSuccess,
		Score:     0.75,
	}, first)

	second := <-b.BufferChan
	assert.Equal(t, 2, second.Iteration)
	assert.Equal(t, runlog.StatusFailure, second.Status)
	assert.Empty(t, b.BufferChan)
}
