package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lumoschat/lumos/internal/metrics"
)

var (
	// ErrStreamExists is returned by Create when another producer is
	// already appending under the same id. Two producers must never
	// silently interleave.
	ErrStreamExists = errors.New("stream already has an active producer")

	// ErrStreamNotFound is returned by Resume when the id is unknown or
	// its retention window has elapsed.
	ErrStreamNotFound = errors.New("stream not found or expired")
)

const (
	chunkField = "d"
	endField   = "end"
)

// Streams manages durable, ordered, append-only chunk logs keyed by
// message id. The broker's pub/sub side retains no history, so this
// record is what makes a disconnected client able to reconnect and see
// a gap-free replay followed by the live tail, even across process
// restarts and server instances.
type Streams struct {
	log       zerolog.Logger
	client    *redis.Client
	retention time.Duration
}

// NewStreams creates a stream manager with the given retention window.
func NewStreams(client *redis.Client, retention time.Duration, log zerolog.Logger) *Streams {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Streams{log: log, client: client, retention: retention}
}

func streamKey(id string) string {
	return fmt.Sprintf("stream:%s:chunks", id)
}

func producerKey(id string) string {
	return fmt.Sprintf("stream:%s:producer", id)
}

// Create registers a new durable stream under id and returns its single
// producer handle. A second concurrent Create for the same id fails with
// ErrStreamExists.
func (s *Streams) Create(ctx context.Context, id string) (*Producer, error) {
	ok, err := s.client.SetNX(ctx, producerKey(id), "1", s.retention).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamExists, id)
	}
	return &Producer{streams: s, id: id}, nil
}

// Resume returns a reader positioned at the earliest retained chunk of
// id that transparently continues into the live tail. Unknown or expired
// ids yield ErrStreamNotFound.
func (s *Streams) Resume(ctx context.Context, id string) (*Reader, error) {
	pipe := s.client.Pipeline()
	lenCmd := pipe.XLen(ctx, streamKey(id))
	lockCmd := pipe.Exists(ctx, producerKey(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	if lenCmd.Val() == 0 && lockCmd.Val() == 0 {
		metrics.StreamResumes.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}

	metrics.StreamResumes.WithLabelValues("replay").Inc()
	return &Reader{streams: s, id: id, lastID: "0-0"}, nil
}

// Producer appends chunks to one stream. Only one producer exists per id.
type Producer struct {
	streams *Streams
	id      string
	closed  bool
}

// Append writes one chunk to the durable record. Append order is the
// replay order.
func (p *Producer) Append(ctx context.Context, chunk []byte) error {
	if p.closed {
		return fmt.Errorf("stream %s: append after close", p.id)
	}
	key := streamKey(p.id)
	pipe := p.streams.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{chunkField: chunk},
	})
	pipe.Expire(ctx, key, p.streams.retention)
	_, err := pipe.Exec(ctx)
	return err
}

// Close appends the end sentinel and releases the producer lock. After
// Close, readers drain the record and then observe io.EOF; no further
// chunks can ever appear under this id.
func (p *Producer) Close(ctx context.Context) error {
	if p.closed {
		return nil
	}
	p.closed = true
	key := streamKey(p.id)
	pipe := p.streams.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{endField: "1"},
	})
	pipe.Expire(ctx, key, p.streams.retention)
	pipe.Del(ctx, producerKey(p.id))
	_, err := pipe.Exec(ctx)
	return err
}

// Reader replays retained chunks in append order and then follows the
// live tail. Recv returns io.EOF once the end sentinel is reached.
type Reader struct {
	streams *Streams
	id      string
	lastID  string
	pending []redis.XMessage
	done    bool
}

// Recv returns the next chunk. It blocks on the live tail until a chunk
// arrives, the stream ends, or ctx is done.
func (r *Reader) Recv(ctx context.Context) ([]byte, error) {
	for {
		if r.done {
			return nil, io.EOF
		}
		if len(r.pending) > 0 {
			msg := r.pending[0]
			r.pending = r.pending[1:]
			r.lastID = msg.ID

			if _, end := msg.Values[endField]; end {
				r.done = true
				return nil, io.EOF
			}
			if v, ok := msg.Values[chunkField]; ok {
				switch chunk := v.(type) {
				case string:
					return []byte(chunk), nil
				case []byte:
					return chunk, nil
				}
			}
			// Unknown entry shape: skip rather than fail the replay.
			continue
		}
		if err := r.fetch(ctx); err != nil {
			return nil, err
		}
	}
}

// fetch loads the next batch: an XRANGE while replaying, then blocking
// XREAD on the live tail. Reading from the last seen entry id makes the
// replay/live boundary gap-free and duplicate-free.
func (r *Reader) fetch(ctx context.Context) error {
	// Exclusive range after the last consumed entry.
	msgs, err := r.streams.client.XRange(ctx, streamKey(r.id), "("+r.lastID, "+").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if len(msgs) > 0 {
		r.pending = msgs
		return nil
	}

	res, err := r.streams.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{streamKey(r.id), r.lastID},
		Block:   time.Second,
		Count:   64,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Timed out with no new entries; loop so ctx cancellation
			// is observed between blocks.
			return ctx.Err()
		}
		return err
	}
	for _, s := range res {
		r.pending = append(r.pending, s.Messages...)
	}
	return ctx.Err()
}

// Drain reads every remaining chunk until io.EOF or ctx is done and
// returns them in order.
func (r *Reader) Drain(ctx context.Context) ([][]byte, error) {
	var chunks [][]byte
	for {
		chunk, err := r.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}
