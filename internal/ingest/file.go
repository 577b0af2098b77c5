package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
)

// maxLine bounds a single NDJSON record.
const maxLine = 4 << 20

// Stream ingests newline-delimited JSON events from r until EOF or until ctx
// is cancelled. Blank lines are skipped.
func Stream(ctx context.Context, r io.Reader, ing schemas.EventIngester, logger *zap.Logger) (Stats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var stats Stats
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := deliver(ctx, ing, line, &stats, logger); err != nil {
			return stats, err
		}
	}
	if err := sc.Err(); err != nil {
		return stats, fmt.Errorf("failed to read events: %w", err)
	}
	return stats, nil
}

// ReadFile streams the events in the NDJSON file at path.
func ReadFile(ctx context.Context, path string, ing schemas.EventIngester, logger *zap.Logger) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open event file: %w", err)
	}
	defer f.Close()

	stats, err := Stream(ctx, f, ing, logger)
	if logger != nil {
		logger.Info("Event file processed",
			zap.String("path", path),
			zap.Int("read", stats.Read),
			zap.Int("accepted", stats.Accepted),
			zap.Int("failed", stats.Failed))
	}
	return stats, err
}
