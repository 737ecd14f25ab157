package realtime

import (
	"context"
	"sync"
	"testing"

	"github.com/lumoschat/lumos/internal/models"
)

// fakeBroker records subscribe/unsubscribe calls so tests can assert the
// first-listener/last-listener transitions.
type fakeBroker struct {
	mu           sync.Mutex
	subscribes   []string
	unsubscribes []string
}

func (b *fakeBroker) subscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribes = append(b.subscribes, channel)
	return nil
}

func (b *fakeBroker) unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribes = append(b.unsubscribes, channel)
	return nil
}

func (b *fakeBroker) counts() (subs, unsubs int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribes), len(b.unsubscribes)
}

// fakeConn is a listener whose delivery and open state tests control.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	fail   bool
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return context.Canceled
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func TestAttachSubscribesOnFirstListenerOnly(t *testing.T) {
	ctx := context.Background()
	b := &fakeBroker{}
	r := NewRegistry(b)
	ch := models.MessageChannel("01MSG")

	c1, c2 := &fakeConn{}, &fakeConn{}
	if err := r.Attach(ctx, ch, c1); err != nil {
		t.Fatal(err)
	}
	if err := r.Attach(ctx, ch, c2); err != nil {
		t.Fatal(err)
	}

	if subs, _ := b.counts(); subs != 1 {
		t.Fatalf("expected 1 broker subscribe, got %d", subs)
	}
	if n := r.Listeners(ch); n != 2 {
		t.Fatalf("expected 2 listeners, got %d", n)
	}
}

func TestDetachUnsubscribesOnLastListenerOnly(t *testing.T) {
	ctx := context.Background()
	b := &fakeBroker{}
	r := NewRegistry(b)
	ch := models.MessageChannel("01MSG")

	c1, c2 := &fakeConn{}, &fakeConn{}
	_ = r.Attach(ctx, ch, c1)
	_ = r.Attach(ctx, ch, c2)

	r.Detach(ctx, ch, c1)
	if _, unsubs := b.counts(); unsubs != 0 {
		t.Fatal("unsubscribed while listeners remain")
	}

	r.Detach(ctx, ch, c2)
	if _, unsubs := b.counts(); unsubs != 1 {
		t.Fatal("expected unsubscribe after last detach")
	}
	if n := r.Listeners(ch); n != 0 {
		t.Fatalf("expected 0 listeners, got %d", n)
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := &fakeBroker{}
	r := NewRegistry(b)
	ch := models.MessageChannel("01MSG")

	c1, c2 := &fakeConn{}, &fakeConn{}
	_ = r.Attach(ctx, ch, c1)
	_ = r.Attach(ctx, ch, c2)

	// Double detach of the same conn, and detach of a conn that was
	// never attached, must not disturb the remaining listener.
	r.Detach(ctx, ch, c1)
	r.Detach(ctx, ch, c1)
	r.Detach(ctx, ch, &fakeConn{})

	if _, unsubs := b.counts(); unsubs != 0 {
		t.Fatal("idempotent detach caused an unsubscribe")
	}
	if n := r.Listeners(ch); n != 1 {
		t.Fatalf("expected 1 listener, got %d", n)
	}
}

func TestResubscribeAfterChannelDrained(t *testing.T) {
	ctx := context.Background()
	b := &fakeBroker{}
	r := NewRegistry(b)
	ch := models.MessageChannel("01MSG")

	c := &fakeConn{}
	_ = r.Attach(ctx, ch, c)
	r.Detach(ctx, ch, c)
	_ = r.Attach(ctx, ch, c)

	if subs, unsubs := b.counts(); subs != 2 || unsubs != 1 {
		t.Fatalf("expected subscribe/unsubscribe/subscribe, got %d/%d", subs, unsubs)
	}
}

func TestTotalCountsAcrossChannels(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(&fakeBroker{})

	_ = r.Attach(ctx, models.MessageChannel("01A"), &fakeConn{})
	_ = r.Attach(ctx, models.MessageChannel("01A"), &fakeConn{})
	_ = r.Attach(ctx, models.ConversationChannel("conv-1"), &fakeConn{})

	channels, listeners := r.Total()
	if channels != 2 || listeners != 3 {
		t.Fatalf("expected 2 channels / 3 listeners, got %d/%d", channels, listeners)
	}
}

func TestConcurrentAttachDetach(t *testing.T) {
	ctx := context.Background()
	b := &fakeBroker{}
	r := NewRegistry(b)
	ch := models.MessageChannel("01MSG")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &fakeConn{}
			_ = r.Attach(ctx, ch, c)
			r.Detach(ctx, ch, c)
		}()
	}
	wg.Wait()

	if n := r.Listeners(ch); n != 0 {
		t.Fatalf("expected 0 listeners after churn, got %d", n)
	}
	subs, unsubs := b.counts()
	if subs != unsubs {
		t.Fatalf("subscribe/unsubscribe imbalance: %d/%d", subs, unsubs)
	}
}
