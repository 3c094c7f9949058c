package client

import (
	"context"
	"github.com/RezaEskandarii/fibfire/internal/message_broaker"
	"github.com/RezaEskandarii/fibfire/internal/store"
	"github.com/RezaEskandarii/fibfire/types"
	"time"

	"github.com/rs/zerolog"
)

// maxPendingBatches bounds how many unwritten batches are kept while the store is failing.
const maxPendingBatches = 10

// OutcomeWriter moves outcomes published by the scheduler from the queue into the outcome store in batches.
type OutcomeWriter struct {
	broker        message_broaker.MessageBroker
	outcomeStore  store.OutcomeStore
	queue         string
	batchSize     int
	flushInterval time.Duration
	log           zerolog.Logger
}

func NewOutcomeWriter(broker message_broaker.MessageBroker, outcomeStore store.OutcomeStore, queue string, batchSize int, flushInterval time.Duration, log zerolog.Logger) *OutcomeWriter {
	return &OutcomeWriter{
		broker:        broker,
		outcomeStore:  outcomeStore,
		queue:         queue,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		log:           log.With().Str("component", "outcome_writer").Str("queue", queue).Logger(),
	}
}

// Start consumes until ctx is cancelled or the queue closes, flushing whatever is pending on the way out.
func (w *OutcomeWriter) Start(ctx context.Context) error {
	msgCh, err := w.broker.Consume(ctx, w.queue)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	storeCtx := context.WithoutCancel(ctx)
	var batch []types.JobOutcome

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.outcomeStore.RecordOutcomes(storeCtx, batch); err != nil {
			w.log.Error().Err(err).Int("pending", len(batch)).Msg("failed to write outcome batch")
			if len(batch) > maxPendingBatches*w.batchSize {
				dropped := len(batch) - maxPendingBatches*w.batchSize
				batch = batch[dropped:]
				w.log.Error().Int("dropped", dropped).Msg("outcome backlog full, dropping oldest outcomes")
			}
			return
		}
		w.log.Debug().Int("count", len(batch)).Msg("outcome batch written")
		batch = nil
	}

	w.log.Info().Msg("outcome writer started")
	for {
		select {
		case <-ctx.Done():
			flush()
			w.log.Info().Msg("outcome writer stopped")
			return ctx.Err()

		case msg, ok := <-msgCh:
			if !ok {
				flush()
				w.log.Info().Msg("outcome queue closed")
				return nil
			}

			outcome, err := message_broaker.DecodeOutcome(msg)
			if err != nil {
				w.log.Warn().Err(err).Msg("discarding malformed outcome message")
				continue
			}

			batch = append(batch, outcome)
			if len(batch) >= w.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}
