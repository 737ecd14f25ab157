package sweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lumoschat/lumos/internal/models"
	"github.com/lumoschat/lumos/internal/store"
)

// staleStore serves a canned stale-id scan and records updates, enforcing
// the same terminal guard as the SQL stores.
type staleStore struct {
	mu       sync.Mutex
	stale    []string
	messages map[string]*models.Message
	scanErr  error
}

func newStaleStore() *staleStore {
	return &staleStore{messages: make(map[string]*models.Message)}
}

func (s *staleStore) Close()                         {}
func (s *staleStore) Ping(ctx context.Context) error { return nil }

func (s *staleStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	return nil
}
func (s *staleStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	return nil, nil
}
func (s *staleStore) TouchConversation(ctx context.Context, id uuid.UUID) error { return nil }
func (s *staleStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	s.messages[msg.ID] = msg
	return nil
}
func (s *staleStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id], nil
}

func (s *staleStore) UpdateMessage(ctx context.Context, id string, upd store.MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.messages[id]
	if msg.Status.Terminal() {
		return store.ErrTerminalStatus
	}
	msg.Status = upd.Status
	if upd.Metadata != nil {
		msg.Metadata = upd.Metadata
	}
	return nil
}

func (s *staleStore) ListAncestors(ctx context.Context, conversationID uuid.UUID, fromMessageID string, limit int) ([]models.Message, error) {
	return nil, nil
}
func (s *staleStore) RequestStop(ctx context.Context, messageID string) error { return nil }
func (s *staleStore) StopRequested(ctx context.Context, messageID string) (bool, error) {
	return false, nil
}

func (s *staleStore) ListStaleProcessing(ctx context.Context, staleAfter time.Duration, limit int) ([]string, error) {
	if s.scanErr != nil {
		return nil, s.scanErr
	}
	return s.stale, nil
}

func (s *staleStore) GetAPIKeyHash(ctx context.Context, keyID string) (string, uuid.UUID, error) {
	return "", uuid.Nil, nil
}

func TestSweepFailsStaleMessages(t *testing.T) {
	st := newStaleStore()
	st.messages["01STALE"] = &models.Message{ID: "01STALE", Status: models.StatusProcessing}
	st.stale = []string{"01STALE"}

	s := New(st, time.Minute, time.Minute, zerolog.Nop())
	if err := s.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	msg := st.messages["01STALE"]
	if msg.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", msg.Status)
	}
	if msg.Metadata["error"] != "generation abandoned" {
		t.Fatalf("expected abandonment marker, got %v", msg.Metadata)
	}
}

func TestSweepSkipsRacedTerminalMessage(t *testing.T) {
	st := newStaleStore()
	// Finished between the scan and the update.
	st.messages["01DONE"] = &models.Message{ID: "01DONE", Status: models.StatusFinished}
	st.messages["01STALE"] = &models.Message{ID: "01STALE", Status: models.StatusProcessing}
	st.stale = []string{"01DONE", "01STALE"}

	s := New(st, time.Minute, time.Minute, zerolog.Nop())
	if err := s.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	if st.messages["01DONE"].Status != models.StatusFinished {
		t.Fatal("terminal message must not be touched")
	}
	if st.messages["01STALE"].Status != models.StatusFailed {
		t.Fatal("remaining stale message should still be swept")
	}
}

func TestRunDisabledWithoutInterval(t *testing.T) {
	st := newStaleStore()
	s := New(st, 0, time.Minute, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled sweeper should return immediately")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	st := newStaleStore()
	s := New(st, time.Millisecond, time.Minute, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancellation")
	}
}
