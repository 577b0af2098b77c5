// Package journal is an append-only, newline-delimited JSON log of graph
// mutations. It is a schemas.MutationSink on the write side and can replay the
// log into any other sink, such as a fresh graph store.
package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
)

// DefaultBatchSize is the number of records handed to the sink per Apply during replay.
const DefaultBatchSize = 512

// Writer appends mutation batches to the journal file.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	path string
	log  *zap.Logger

	records uint64
}

var _ schemas.MutationSink = (*Writer)(nil)

// Open opens or creates the journal at path for appending.
func Open(path string, logger *zap.Logger) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		file: file,
		buf:  bufio.NewWriter(file),
		path: path,
		log:  logger.Named("journal"),
	}, nil
}

// Apply appends one line per mutation and syncs the file before returning, so
// an acknowledged batch survives a crash.
func (w *Writer) Apply(ctx context.Context, mutations []schemas.Mutation) error {
	if len(mutations) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	// The batch is encoded in full before any of it reaches the file.
	var batch bytes.Buffer
	enc := json.NewEncoder(&batch)
	for i := range mutations {
		if err := enc.Encode(&mutations[i]); err != nil {
			return fmt.Errorf("failed to encode journal record: %w", err)
		}
	}
	if _, err := w.buf.Write(batch.Bytes()); err != nil {
		w.buf.Reset(w.file)
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		w.buf.Reset(w.file)
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	w.records += uint64(len(mutations))
	return nil
}

// Records is the number of records written through this writer.
func (w *Writer) Records() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.buf.Flush(); err != nil {
		_ = w.file.Close()
		return err
	}
	w.log.Debug("Journal closed", zap.String("path", w.path), zap.Uint64("records", w.records))
	return w.file.Close()
}

// -- Replay --

// ReplayStats summarises a replay.
type ReplayStats struct {
	Records int
	Batches int
	// TornTail is set when the last record was cut short by a crash and skipped.
	TornTail bool
}

// Replay decodes records from r and hands them to sink in order, batchSize at a
// time. A final record without its newline that does not decode is treated as
// a torn write and skipped; any other undecodable record is an error.
func Replay(ctx context.Context, r io.Reader, sink schemas.MutationSink, batchSize int, logger *zap.Logger) (ReplayStats, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		stats ReplayStats
		batch = make([]schemas.Mutation, 0, batchSize)
		rd    = bufio.NewReader(r)
		line  int
	)
	emit := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := sink.Apply(ctx, batch); err != nil {
			return fmt.Errorf("journal replay stopped near line %d: %w", line, err)
		}
		stats.Records += len(batch)
		stats.Batches++
		batch = make([]schemas.Mutation, 0, batchSize)
		return nil
	}

	for {
		raw, readErr := rd.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return stats, fmt.Errorf("failed to read journal: %w", readErr)
		}
		complete := readErr == nil
		if len(bytes.TrimSpace(raw)) > 0 {
			line++
			var m schemas.Mutation
			if err := json.Unmarshal(raw, &m); err != nil {
				if !complete {
					logger.Warn("Skipping torn journal tail", zap.Int("line", line), zap.Error(err))
					stats.TornTail = true
					break
				}
				return stats, fmt.Errorf("corrupt journal record at line %d: %w", line, err)
			}
			batch = append(batch, m)
			if len(batch) >= batchSize {
				if err := emit(); err != nil {
					return stats, err
				}
			}
		}
		if !complete {
			break
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
	}
	if err := emit(); err != nil {
		return stats, err
	}
	logger.Info("Journal replayed", zap.Int("records", stats.Records), zap.Int("batches", stats.Batches))
	return stats, nil
}

// ReplayFile replays the journal at path. A missing file is an empty journal.
func ReplayFile(ctx context.Context, path string, sink schemas.MutationSink, batchSize int, logger *zap.Logger) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ReplayStats{}, nil
		}
		return ReplayStats{}, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()
	return Replay(ctx, f, sink, batchSize, logger)
}
