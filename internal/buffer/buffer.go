package buffer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alptrack/alptrack/internal/config"
	"github.com/alptrack/alptrack/internal/runlog"
	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/rs/zerolog"
)

type Buffer struct {
	ctx        context.Context    // Context for buffer struct, primarily for cancellation when needed
	cancelFunc context.CancelFunc // Context cancellation function
	signature  string             // A buffer's signature, made by hashing the associated sink's settings
	logger     zerolog.Logger     // Internal logger
	ticker     *time.Ticker

	diskBufferSetting config.DiskBufferSetting // Setting for disk queue
	diskBufferDirPath string

	BufferChan                 chan runlog.Entry // In-memory channel that stores un-delivered entries, waiting to be either resent or persisted to disk
	batchedEntriesToBufferChan chan []runlog.Entry
	segmentToLoadChan          chan string
	deletedSegmentChan         chan string
}

type BufferOption struct {
	Signature         string
	Logger            zerolog.Logger
	DiskBufferSetting config.DiskBufferSetting
}

func NewBuffer(opt BufferOption) *Buffer {
	// Create dir to contain segment files for disk-buffered entries
	diskBufferDirPath := filepath.Join(opt.DiskBufferSetting.Path, opt.Signature)
	if opt.DiskBufferSetting.Enabled {
		if _, err := os.Stat(diskBufferDirPath); os.IsNotExist(err) {
			opt.Logger.Info().Err(err).Msgf("%s doesn't exist. Creating one", diskBufferDirPath)
			if err = os.MkdirAll(diskBufferDirPath, 0744); err != nil {
				opt.Logger.Error().Err(err).Msgf("failed creating directory %v to contain disk-buffered entries", diskBufferDirPath)
				return nil
			}
		}
	}

	ctx, cancelFunc := context.WithCancel(context.Background())

	// Submit metrics on newly initialized buffer
	metrics.Meters.InitializedComponents["buffer"].Add(ctx, 1)

	return &Buffer{
		ctx:                        ctx,
		cancelFunc:                 cancelFunc,
		signature:                  opt.Signature,
		logger:                     opt.Logger,
		diskBufferSetting:          opt.DiskBufferSetting,
		ticker:                     time.NewTicker(500 * time.Millisecond),
		BufferChan:                 make(chan runlog.Entry, 1024),
		batchedEntriesToBufferChan: make(chan []runlog.Entry, 1024),
		segmentToLoadChan:          make(chan string, 1024),
		deletedSegmentChan:         make(chan string, 1024),
		diskBufferDirPath:          diskBufferDirPath,
	}
}

func (b *Buffer) Run(fwdChan chan []runlog.Entry) {
	var (
		batch        []runlog.Entry
		lastSeenTime time.Time
	)
	for {
		select {
		case <-b.ctx.Done():
			// Drain pending entries and flush the in-flight batch so
			// nothing recorded right before shutdown is lost
		drained:
			for {
				select {
				case entry := <-b.BufferChan:
					batch = append(batch, entry)
				default:
					break drained
				}
			}
			if len(batch) > 0 {
				if b.diskBufferSetting.Enabled {
					b.batchedEntriesToBufferChan <- batch
				} else {
					fwdChan <- batch
				}
			}
			if !b.diskBufferSetting.Enabled {
				close(fwdChan)
			}
			close(b.batchedEntriesToBufferChan)
			return

		case entry, ok := <-b.BufferChan:
			// Skip to next run when default value is received
			// This helps ending the goroutine
			if !ok {
				continue
			}

			// Batching entries
			if len(batch) == 20 {
				if b.diskBufferSetting.Enabled {
					b.batchedEntriesToBufferChan <- batch
				} else {
					// Send memory-stored entries to forwarder's channel
					fwdChan <- batch
				}
				batch = []runlog.Entry{}
			}

			batch = append(batch, entry)
			lastSeenTime = time.Now()

		case <-b.ticker.C:
			if len(batch) > 0 && time.Since(lastSeenTime) > time.Duration(1*time.Second) {
				if b.diskBufferSetting.Enabled {
					b.batchedEntriesToBufferChan <- batch
				} else {
					fwdChan <- batch
				}
				batch = []runlog.Entry{}
			}
		}
	}
}

func (b Buffer) Close() {
	// Submit metrics on closed buffer
	metrics.Meters.InitializedComponents["buffer"].Add(b.ctx, -1)

	b.cancelFunc()
}

// GetSignature returns a buffer's signature
func (b Buffer) GetSignature() string {
	return b.signature
}

// BufferSegmentToDiskLoop persists incoming batches as segment files
func (b Buffer) BufferSegmentToDiskLoop() {
	// Inner goroutine loop to create segment files
	for batchedEntries := range b.batchedEntriesToBufferChan {
		// Create temp files to contain disk-buffered, persisted entries
		bufferedFile, err := os.CreateTemp(b.diskBufferDirPath, "")
		if err != nil {
			b.logger.Error().Err(err).Msg("")
			continue
		}

		// Write batched entries to files
		if err := json.NewEncoder(bufferedFile).Encode(batchedEntries); err != nil {
			b.logger.Error().Err(err).Msg("")
			continue
		}
		b.segmentToLoadChan <- bufferedFile.Name()
	}
	close(b.segmentToLoadChan)
}

func (b Buffer) LoadSegmentToForwarderLoop(fwdChan chan []runlog.Entry) {
	// Inner goroutine loop to load batched entries from segment files
	for segmentFile := range b.segmentToLoadChan {
		var batch []runlog.Entry
		// Read from segment file
		segmentFileContent, err := os.ReadFile(segmentFile)
		if err != nil {
			b.logger.Error().Err(err).Msg("")
			continue
		}
		// Unmarshal
		if err := json.Unmarshal(segmentFileContent, &batch); err != nil {
			b.logger.Error().Err(err).Msg("")
			continue
		}
		// Send to forwarder's channel
		fwdChan <- batch

		// Send segment filename to deletion channel
		b.deletedSegmentChan <- segmentFile
	}
	// The disk-buffered path owns the forwarder channel, so close it
	// here once the last segment is delivered
	close(fwdChan)
	close(b.deletedSegmentChan)
}

func (b Buffer) DeleteUsedSegmentFileLoop() {
	// Inner goroutine loop to delete loaded segment files
	for segmentFile := range b.deletedSegmentChan {
		// Delete loaded segment file
		if err := os.Remove(segmentFile); err != nil {
			b.logger.Error().Err(err).Msg("")
			continue
		}
	}
}

// LoadPersistedEntries reads entries persisted by a prior run, line by
// line, back into the in-memory channel, then deletes the spent file
func (b Buffer) LoadPersistedEntries(filename string) error {
	bufferedFile, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer bufferedFile.Close()

	fileScanner := bufio.NewScanner(bufferedFile)
	fileScanner.Split(bufio.ScanLines)

	for fileScanner.Scan() {
		var entry runlog.Entry
		if err := json.Unmarshal(fileScanner.Bytes(), &entry); err != nil {
			b.logger.Warn().Err(err).Msg("Skipped malformed persisted entry")
			continue
		}
		b.BufferChan <- entry
	}

	// Clean up previously persisted entries once the file is consumed
	return os.Remove(filename)
}

// PersistToDisk drains the in-memory channel into a temp file, one
// JSON-marshalled entry per line, and returns the filename
func (b Buffer) PersistToDisk() (string, error) {
	// Create temp file to contain disk-buffered, persisted entries
	bufferedFile, err := os.CreateTemp("", b.signature)
	if err != nil {
		return "", err
	}
	defer bufferedFile.Close()

	for len(b.BufferChan) > 0 {
		entry := <-b.BufferChan
		marshalled, err := json.Marshal(entry)
		if err != nil {
			return "", err
		}
		if _, err := bufferedFile.WriteString(fmt.Sprintf("%s\n", marshalled)); err != nil {
			return "", err
		}
	}

	return bufferedFile.Name(), nil
}
