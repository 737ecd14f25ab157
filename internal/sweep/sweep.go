package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumoschat/lumos/internal/metrics"
	"github.com/lumoschat/lumos/internal/models"
	"github.com/lumoschat/lumos/internal/store"
)

const batchSize = 100

// Sweeper reconciles messages a crashed process left stuck in processing.
// The pipeline cannot reach them anymore, so after StaleAfter they are
// marked failed. Terminal-status enforcement in the store guarantees the
// sweep can never clobber a message a live pipeline finished in between.
type Sweeper struct {
	log        zerolog.Logger
	store      store.DataStore
	interval   time.Duration
	staleAfter time.Duration
}

// New creates a sweeper. Interval <= 0 disables it.
func New(st store.DataStore, interval, staleAfter time.Duration, log zerolog.Logger) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Sweeper{
		log:        log,
		store:      st,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

// Run ticks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.log.Info().Msg("reconciliation sweep disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Warn().Err(err).Msg("reconciliation sweep failed")
			}
		}
	}
}

// Sweep fails one batch of stale processing messages.
func (s *Sweeper) Sweep(ctx context.Context) error {
	ids, err := s.store.ListStaleProcessing(ctx, s.staleAfter, batchSize)
	if err != nil {
		return err
	}

	for _, id := range ids {
		err := s.store.UpdateMessage(ctx, id, store.MessageUpdate{
			Status:   models.StatusFailed,
			Metadata: map[string]any{"error": "generation abandoned"},
		})
		if errors.Is(err, store.ErrTerminalStatus) {
			continue // finished between scan and update
		}
		if err != nil {
			s.log.Warn().Err(err).Str("message_id", id).Msg("sweep update failed")
			continue
		}
		metrics.SweptMessages.Inc()
		s.log.Info().Str("message_id", id).Msg("stale generation marked failed")
	}
	return nil
}
