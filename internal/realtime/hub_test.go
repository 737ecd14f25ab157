package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lumoschat/lumos/internal/models"
)

func newTestHub(t *testing.T, addr string) *Hub {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	hub := NewHub(client, zerolog.Nop())
	if err := hub.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hub.Shutdown(context.Background()) })
	return hub
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFanOutAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	// Two processes sharing one broker. Listeners live on A; the
	// publisher runs on B.
	hubA := newTestHub(t, mr.Addr())
	hubB := newTestHub(t, mr.Addr())

	ch := models.MessageChannel("01MSG")
	other := models.MessageChannel("01OTHER")

	conn := &fakeConn{}
	otherConn := &fakeConn{}
	if err := hubA.Attach(ctx, ch, conn); err != nil {
		t.Fatal(err)
	}
	if err := hubA.Attach(ctx, other, otherConn); err != nil {
		t.Fatal(err)
	}

	payload := []byte(`{"status":"processing"}`)
	if err := hubB.Publish(ctx, ch, payload); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "cross-instance delivery", func() bool {
		return len(conn.received()) == 1
	})
	if got := conn.received()[0]; string(got) != string(payload) {
		t.Fatalf("payload mangled in transit: %q", got)
	}

	// Channel isolation: the other channel's listener saw nothing.
	if n := len(otherConn.received()); n != 0 {
		t.Fatalf("expected no delivery on other channel, got %d", n)
	}
}

func TestTerminalSnapshotEndsSubscriptionViaBroker(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	hub := newTestHub(t, mr.Addr())

	ch := models.MessageChannel("01MSG")
	conn := &fakeConn{}
	if err := hub.Attach(ctx, ch, conn); err != nil {
		t.Fatal(err)
	}

	if err := hub.Publish(ctx, ch, []byte(`{"status":"finished"}`)); err != nil {
		t.Fatal(err)
	}

	// The snapshot is delivered, then the dispatcher closes and
	// detaches the listener.
	waitFor(t, "terminal delivery and detach", func() bool {
		return len(conn.received()) == 1 && !conn.Open() && hub.Registry().Listeners(ch) == 0
	})
}

func TestPublishWithoutListenersAnywhere(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	hub := newTestHub(t, mr.Addr())

	// No subscriber on this channel in any process; publish is a no-op
	// for the hub, not an error.
	if err := hub.Publish(ctx, models.MessageChannel("01NOBODY"), []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
}

func TestInitAndShutdownAreIdempotent(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	hub := NewHub(client, zerolog.Nop())
	if err := hub.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := hub.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := hub.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := hub.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
}
