// Package ingest adapts upstream transports to the engine's push-side
// ingestion contract. Each source decodes one JSON event per record and hands
// it to a schemas.EventIngester in delivery order.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
)

// Stats counts what a source delivered.
type Stats struct {
	Read     int `json:"read"`
	Accepted int `json:"accepted"`
	Failed   int `json:"failed"`
}

// Decode parses one enriched event. Bad JSON is reported as ErrMalformedEvent.
func Decode(data []byte) (schemas.RawEvent, error) {
	var raw schemas.RawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return schemas.RawEvent{}, fmt.Errorf("%w: %v", schemas.ErrMalformedEvent, err)
	}
	return raw, nil
}

// deliver decodes and ingests one record. Per-event failures are counted and
// logged; only cancellation of ctx is returned, since it means the record was
// not processed and must be redelivered.
func deliver(ctx context.Context, ing schemas.EventIngester, data []byte, stats *Stats, logger *zap.Logger) error {
	stats.Read++
	raw, err := Decode(data)
	if err == nil {
		err = ing.Ingest(ctx, raw)
	}
	if err == nil {
		stats.Accepted++
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	stats.Failed++
	logger.Debug("Event not ingested", zap.String("id", raw.ID), zap.Error(err))
	return nil
}
