package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestStreams(t *testing.T) *Streams {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStreams(client, time.Minute, zerolog.Nop())
}

func TestCreateRejectsSecondProducer(t *testing.T) {
	ctx := context.Background()
	streams := newTestStreams(t)

	if _, err := streams.Create(ctx, "01MSG"); err != nil {
		t.Fatal(err)
	}
	if _, err := streams.Create(ctx, "01MSG"); !errors.Is(err, ErrStreamExists) {
		t.Fatalf("expected ErrStreamExists, got %v", err)
	}

	// A different id is unaffected.
	if _, err := streams.Create(ctx, "01OTHER"); err != nil {
		t.Fatal(err)
	}
}

func TestCloseReleasesProducerSlot(t *testing.T) {
	ctx := context.Background()
	streams := newTestStreams(t)

	p, err := streams.Create(ctx, "01MSG")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatal(err)
	}
	// Close is idempotent.
	if err := p.Close(ctx); err != nil {
		t.Fatal(err)
	}

	if err := p.Append(ctx, []byte(`{"a":1}`)); err == nil {
		t.Fatal("append after close should fail")
	}
}

func TestReplayPreservesAppendOrder(t *testing.T) {
	ctx := context.Background()
	streams := newTestStreams(t)

	p, err := streams.Create(ctx, "01MSG")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{`{"seq":1}`, `{"seq":2}`, `{"seq":3}`}
	for _, chunk := range want {
		if err := p.Append(ctx, []byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Close(ctx); err != nil {
		t.Fatal(err)
	}

	r, err := streams.Resume(ctx, "01MSG")
	if err != nil {
		t.Fatal(err)
	}
	chunks, err := r.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(chunks))
	}
	for i, chunk := range chunks {
		if string(chunk) != want[i] {
			t.Fatalf("chunk %d: got %q, want %q", i, chunk, want[i])
		}
	}
}

func TestReplayThenTailAcrossAppends(t *testing.T) {
	ctx := context.Background()
	streams := newTestStreams(t)

	p, err := streams.Create(ctx, "01MSG")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Append(ctx, []byte(`{"seq":1}`)); err != nil {
		t.Fatal(err)
	}

	// Reader attaches mid-stream; more chunks arrive before it drains.
	r, err := streams.Resume(ctx, "01MSG")
	if err != nil {
		t.Fatal(err)
	}
	first, err := r.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != `{"seq":1}` {
		t.Fatalf("expected replay of first chunk, got %q", first)
	}

	if err := p.Append(ctx, []byte(`{"seq":2}`)); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatal(err)
	}

	rest, err := r.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || string(rest[0]) != `{"seq":2}` {
		t.Fatalf("expected exactly the live chunk, got %v", rest)
	}
}

func TestResumeUnknownStream(t *testing.T) {
	ctx := context.Background()
	streams := newTestStreams(t)

	if _, err := streams.Resume(ctx, "01NOPE"); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestResumeAfterRetentionExpiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	streams := NewStreams(client, time.Minute, zerolog.Nop())

	p, err := streams.Create(ctx, "01MSG")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Append(ctx, []byte(`{"seq":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := streams.Resume(ctx, "01MSG"); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound after expiry, got %v", err)
	}
}

func TestResumeActiveButEmptyStream(t *testing.T) {
	ctx := context.Background()
	streams := newTestStreams(t)

	// Producer registered, nothing appended yet: resumable, not missing.
	if _, err := streams.Create(ctx, "01MSG"); err != nil {
		t.Fatal(err)
	}
	if _, err := streams.Resume(ctx, "01MSG"); err != nil {
		t.Fatal(err)
	}
}
