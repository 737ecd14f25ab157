package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lumoschat/lumos/internal/metrics"
	"github.com/lumoschat/lumos/internal/models"
	"github.com/lumoschat/lumos/internal/realtime"
	"github.com/lumoschat/lumos/internal/store"
	"github.com/lumoschat/lumos/internal/stream"
)

// ErrMalformedAncestor is returned when conversation history cannot be
// normalized into model input. It is a synchronous input error: nothing
// has been streamed and the target message is not failed by it.
var ErrMalformedAncestor = errors.New("malformed ancestor message")

// ErrNotClaimable is returned when the target message is missing or not
// in queued status.
var ErrNotClaimable = errors.New("message is not claimable")

// Config tunes one pipeline instance.
type Config struct {
	// StopPollInterval throttles the stop-flag check. Trade-off between
	// cancellation latency and datastore read load.
	StopPollInterval time.Duration
	// ContextDepth bounds the ancestor chain included as model input.
	// Zero sends only the triggering message.
	ContextDepth int
	// Timeout aborts a generation that runs too long; the message ends
	// stopped, not failed. Zero disables the deadline.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StopPollInterval <= 0 {
		c.StopPollInterval = time.Second
	}
	return c
}

// Pipeline drives one AI-assistant turn: claim the queued message, build
// model input from the ancestor chain, invoke the model under a
// per-generation cancellation token, emit a cumulative snapshot per delta,
// and finalize with exactly one terminal transition.
type Pipeline struct {
	log     zerolog.Logger
	store   store.DataStore
	model   ModelClient
	hub     *realtime.Hub
	streams *stream.Streams
	cfg     Config
}

// NewPipeline wires a pipeline onto its collaborators.
func NewPipeline(st store.DataStore, model ModelClient, hub *realtime.Hub, streams *stream.Streams, cfg Config, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		log:     log,
		store:   st,
		model:   model,
		hub:     hub,
		streams: streams,
		cfg:     cfg.withDefaults(),
	}
}

// Run executes the generation for the queued assistant message with the
// given id. It returns an error only for synchronous input problems
// (unknown message, malformed history, duplicate producer); model and
// transport failures are absorbed into the message's terminal state.
func (p *Pipeline) Run(ctx context.Context, messageID string) error {
	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil || msg.Status != models.StatusQueued {
		return fmt.Errorf("%w: %s", ErrNotClaimable, messageID)
	}

	// Validate history before anything is streamed; input errors never
	// produce a failed message.
	req, err := p.buildModelInput(ctx, msg)
	if err != nil {
		return err
	}

	producer, err := p.streams.Create(ctx, msg.ID)
	if err != nil {
		return err
	}

	var genCtx context.Context
	var cancel context.CancelFunc
	if p.cfg.Timeout > 0 {
		genCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
	} else {
		genCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	metrics.GenerationsStarted.Inc()
	start := time.Now()

	// Claim: subscribers see the transition before any content arrives.
	// The metadata stream reference lets a late subscriber attach to the
	// in-flight record.
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]any)
	}
	msg.Metadata["stream_id"] = msg.ID
	msg.Status = models.StatusProcessing
	if err := p.persist(ctx, msg); err != nil {
		_ = producer.Close(ctx)
		return err
	}
	p.emit(ctx, producer, msg)

	ms, err := p.model.Stream(genCtx, req)
	if err != nil {
		p.finalize(ctx, producer, msg, p.terminalFor(genCtx, err), err, start)
		return nil
	}
	defer ms.Close()

	stopped := false
	lastPoll := time.Now()

	for {
		part, err := ms.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.finalize(ctx, producer, msg, models.StatusFinished, nil, start)
				return nil
			}
			if stopped || isCancellation(err) || genCtx.Err() != nil {
				p.finalize(ctx, producer, msg, models.StatusStopped, nil, start)
				return nil
			}
			p.finalize(ctx, producer, msg, models.StatusFailed, err, start)
			return nil
		}

		mergePart(msg, part)
		p.emit(genCtx, producer, msg)

		// Throttled stop-flag poll, piggybacking a datastore checkpoint
		// so an offline client polling the store sees recent progress.
		if time.Since(lastPoll) >= p.cfg.StopPollInterval {
			lastPoll = time.Now()
			if err := p.persist(ctx, msg); err != nil {
				p.log.Warn().Err(err).Str("message_id", msg.ID).Msg("checkpoint failed")
			}
			flag, err := p.store.StopRequested(ctx, msg.ID)
			if err != nil {
				p.log.Warn().Err(err).Str("message_id", msg.ID).Msg("stop-flag read failed")
			} else if flag {
				stopped = true
				cancel()
			}
		}
	}
}

// terminalFor classifies an invocation error observed before any delta.
func (p *Pipeline) terminalFor(genCtx context.Context, err error) models.Status {
	if isCancellation(err) || genCtx.Err() != nil {
		return models.StatusStopped
	}
	return models.StatusFailed
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// finalize performs the single terminal transition: one persistence write
// and one final emission, then the stream record is sealed. Nothing is
// emitted for this message afterwards.
func (p *Pipeline) finalize(ctx context.Context, producer *stream.Producer, msg *models.Message, status models.Status, cause error, start time.Time) {
	// Terminal work must outlive the generation's own cancellation.
	ctx = context.WithoutCancel(ctx)

	msg.Status = status
	if cause != nil {
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]any)
		}
		msg.Metadata["error"] = cause.Error()
	}

	if err := p.persist(ctx, msg); err != nil {
		p.log.Error().Err(err).Str("message_id", msg.ID).Str("status", string(status)).
			Msg("terminal persist failed")
	}
	p.emit(ctx, producer, msg)
	if err := producer.Close(ctx); err != nil {
		p.log.Warn().Err(err).Str("message_id", msg.ID).Msg("stream close failed")
	}

	metrics.GenerationsCompleted.WithLabelValues(string(status)).Inc()
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	p.log.Info().
		Str("message_id", msg.ID).
		Str("status", string(status)).
		Dur("elapsed", time.Since(start)).
		Msg("generation finished")
}

// persist checkpoints the current message state.
func (p *Pipeline) persist(ctx context.Context, msg *models.Message) error {
	return p.store.UpdateMessage(ctx, msg.ID, store.MessageUpdate{
		Status:   msg.Status,
		Parts:    msg.Parts,
		Metadata: msg.Metadata,
	})
}

// emit publishes one cumulative snapshot: append to the durable record,
// then fan out via the broker. Both are best-effort relative to the
// pipeline itself; transport problems never abort generation.
func (p *Pipeline) emit(ctx context.Context, producer *stream.Producer, msg *models.Message) {
	payload, err := json.Marshal(msg.Clone())
	if err != nil {
		p.log.Error().Err(err).Str("message_id", msg.ID).Msg("snapshot marshal failed")
		return
	}
	if err := producer.Append(ctx, payload); err != nil {
		p.log.Warn().Err(err).Str("message_id", msg.ID).Msg("stream append failed")
	}
	if err := p.hub.Publish(ctx, models.MessageChannel(msg.ID), payload); err != nil {
		p.log.Warn().Err(err).Str("message_id", msg.ID).Msg("broker publish failed")
	}
}

// mergePart folds one delta into the cumulative message.
func mergePart(msg *models.Message, part models.Part) {
	if part.Type == models.PartText {
		msg.AppendText(part.Text)
		return
	}
	msg.Parts = append(msg.Parts, part)
}

// buildModelInput reads the ancestor chain of the target message up to
// the configured depth and normalizes it into the model's message format.
// With context disabled the model receives only the triggering message.
func (p *Pipeline) buildModelInput(ctx context.Context, msg *models.Message) (ModelRequest, error) {
	var history []models.Message
	if p.cfg.ContextDepth > 0 && msg.ParentID != "" {
		convID, err := uuid.Parse(msg.ConversationID)
		if err != nil {
			return ModelRequest{}, fmt.Errorf("parse conversation id: %w", err)
		}
		history, err = p.store.ListAncestors(ctx, convID, msg.ParentID, p.cfg.ContextDepth)
		if err != nil {
			return ModelRequest{}, err
		}
	} else if msg.ParentID != "" {
		parent, err := p.store.GetMessage(ctx, msg.ParentID)
		if err != nil {
			return ModelRequest{}, err
		}
		if parent != nil {
			history = []models.Message{*parent}
		}
	}

	req := ModelRequest{Messages: make([]ModelMessage, 0, len(history))}
	for _, m := range history {
		mm, err := normalizeMessage(m)
		if err != nil {
			return ModelRequest{}, err
		}
		req.Messages = append(req.Messages, mm)
	}
	return req, nil
}

// normalizeMessage validates an ancestor into the pipeline's expected
// shape, dropping fragments the model cannot consume.
func normalizeMessage(m models.Message) (ModelMessage, error) {
	switch m.Role {
	case models.RoleUser, models.RoleAssistant, models.RoleSystem:
	default:
		return ModelMessage{}, fmt.Errorf("%w: %s has role %q", ErrMalformedAncestor, m.ID, m.Role)
	}
	parts := make([]models.Part, 0, len(m.Parts))
	for _, part := range m.Parts {
		switch part.Type {
		case models.PartText:
			if part.Text == "" {
				continue
			}
		case models.PartStepBoundary:
			continue
		case models.PartFile, models.PartReasoning, models.PartToolCall, models.PartToolResult:
		default:
			return ModelMessage{}, fmt.Errorf("%w: %s has part %q", ErrMalformedAncestor, m.ID, part.Type)
		}
		parts = append(parts, part)
	}
	return ModelMessage{Role: m.Role, Parts: parts}, nil
}
