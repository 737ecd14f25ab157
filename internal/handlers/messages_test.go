package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumoschat/lumos/internal/api/middleware"
	"github.com/lumoschat/lumos/internal/generate"
	"github.com/lumoschat/lumos/internal/models"
	"github.com/lumoschat/lumos/internal/realtime"
	"github.com/lumoschat/lumos/internal/store"
	"github.com/lumoschat/lumos/internal/stream"
)

// memStore is an in-memory DataStore for handler tests.
type memStore struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*models.Conversation
	messages      map[string]*models.Message
	stopFlags     map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		conversations: make(map[uuid.UUID]*models.Conversation),
		messages:      make(map[string]*models.Message),
		stopFlags:     make(map[string]bool),
	}
}

func (s *memStore) Close()                         {}
func (s *memStore) Ping(ctx context.Context) error { return nil }

func (s *memStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := conv.ValidateOwner(); err != nil {
		return err
	}
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	s.conversations[conv.ID] = conv
	return nil
}

func (s *memStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations[id], nil
}

func (s *memStore) TouchConversation(ctx context.Context, id uuid.UUID) error { return nil }

func (s *memStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg.Clone()
	return nil
}

func (s *memStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	return msg.Clone(), nil
}

func (s *memStore) UpdateMessage(ctx context.Context, id string, upd store.MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return store.ErrTerminalStatus
	}
	if msg.Status.Terminal() {
		return store.ErrTerminalStatus
	}
	msg.Status = upd.Status
	if upd.Parts != nil {
		msg.Parts = append([]models.Part(nil), upd.Parts...)
	}
	if upd.Metadata != nil {
		msg.Metadata = upd.Metadata
	}
	return nil
}

func (s *memStore) ListAncestors(ctx context.Context, conversationID uuid.UUID, fromMessageID string, limit int) ([]models.Message, error) {
	return nil, nil
}

func (s *memStore) RequestStop(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopFlags[messageID] = true
	return nil
}

func (s *memStore) StopRequested(ctx context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopFlags[messageID], nil
}

func (s *memStore) ListStaleProcessing(ctx context.Context, staleAfter time.Duration, limit int) ([]string, error) {
	return nil, nil
}

func (s *memStore) GetAPIKeyHash(ctx context.Context, keyID string) (string, uuid.UUID, error) {
	return "", uuid.Nil, nil
}

// echoModel streams one canned reply.
type echoModel struct{ text string }

func (m *echoModel) Stream(ctx context.Context, req generate.ModelRequest) (generate.ModelStream, error) {
	return &echoStream{text: m.text}, nil
}

type echoStream struct {
	text string
	done bool
}

func (s *echoStream) Recv() (models.Part, error) {
	if s.done {
		return models.Part{}, io.EOF
	}
	s.done = true
	return models.Part{Type: models.PartText, Text: s.text}, nil
}

func (s *echoStream) Close() error { return nil }

type handlerEnv struct {
	store     *memStore
	handler   *Handler
	router    *chi.Mux
	principal *middleware.Principal
	hub       *realtime.Hub
	streams   *stream.Streams
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := zerolog.Nop()
	st := newMemStore()
	redisStore := store.NewRedisStoreFromClient(client)
	hub := realtime.NewHub(client, log)
	require.NoError(t, hub.Init(context.Background()))
	t.Cleanup(func() { hub.Shutdown(context.Background()) })

	streams := stream.NewStreams(client, time.Minute, log)
	pipeline := generate.NewPipeline(st, &echoModel{text: "canned reply"}, hub, streams, generate.Config{}, log)
	h := NewHandler(st, redisStore, hub, streams, pipeline, log)

	env := &handlerEnv{
		store:   st,
		handler: h,
		hub:     hub,
		streams: streams,
		principal: &middleware.Principal{
			UserID: uuid.New(),
			KeyID:  "test",
		},
	}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := context.WithValue(req.Context(), middleware.PrincipalContextKey, env.principal)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Post("/conversations/{id}/messages", h.CreateMessage)
	r.Get("/messages/{id}", h.GetMessage)
	r.Post("/messages/{id}/regenerate", h.RegenerateMessage)
	r.Post("/messages/{id}/stop", h.StopMessage)
	r.Get("/messages/{id}/events", h.MessageEvents)
	r.Get("/messages/{id}/stream", h.ResumeStream)
	env.router = r
	return env
}

func (e *handlerEnv) seedConversation(t *testing.T, ownerID uuid.UUID) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{Title: "test", UserID: &ownerID}
	require.NoError(t, e.store.CreateConversation(context.Background(), conv))
	return conv
}

func (e *handlerEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateMessageQueuesAssistant(t *testing.T) {
	e := newHandlerEnv(t)
	conv := e.seedConversation(t, e.principal.UserID)

	rec := e.do("POST", "/conversations/"+conv.ID.String()+"/messages",
		CreateMessageRequest{Content: "hello there"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp CreateMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.RoleUser, resp.Message.Role)
	assert.Equal(t, models.StatusFinished, resp.Message.Status)
	assert.Equal(t, models.RoleAssistant, resp.Assistant.Role)
	assert.Equal(t, resp.Message.ID, resp.Assistant.ParentID)

	// The background generation runs to completion.
	require.Eventually(t, func() bool {
		msg, _ := e.store.GetMessage(context.Background(), resp.Assistant.ID)
		return msg != nil && msg.Status == models.StatusFinished
	}, 5*time.Second, 10*time.Millisecond)

	msg, _ := e.store.GetMessage(context.Background(), resp.Assistant.ID)
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, "canned reply", msg.Parts[0].Text)
}

func TestCreateMessageValidation(t *testing.T) {
	e := newHandlerEnv(t)
	conv := e.seedConversation(t, e.principal.UserID)

	rec := e.do("POST", "/conversations/"+conv.ID.String()+"/messages",
		CreateMessageRequest{Content: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do("POST", "/conversations/not-a-uuid/messages",
		CreateMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do("POST", "/conversations/"+uuid.NewString()+"/messages",
		CreateMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateMessageForbiddenForNonOwner(t *testing.T) {
	e := newHandlerEnv(t)
	conv := e.seedConversation(t, uuid.New()) // someone else's conversation

	rec := e.do("POST", "/conversations/"+conv.ID.String()+"/messages",
		CreateMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTeamConversationAccess(t *testing.T) {
	e := newHandlerEnv(t)
	teamID := uuid.New()
	conv := &models.Conversation{Title: "team chat", TeamID: &teamID}
	require.NoError(t, e.store.CreateConversation(context.Background(), conv))

	rec := e.do("POST", "/conversations/"+conv.ID.String()+"/messages",
		CreateMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "no membership claim")

	e.principal.Teams = []uuid.UUID{teamID}
	rec = e.do("POST", "/conversations/"+conv.ID.String()+"/messages",
		CreateMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestStopMessage(t *testing.T) {
	e := newHandlerEnv(t)
	conv := e.seedConversation(t, e.principal.UserID)

	msg := &models.Message{
		ID:             "01PROC",
		ConversationID: conv.ID.String(),
		Role:           models.RoleAssistant,
		Status:         models.StatusProcessing,
	}
	require.NoError(t, e.store.CreateMessage(context.Background(), msg))

	rec := e.do("POST", "/messages/01PROC/stop", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	flag, _ := e.store.StopRequested(context.Background(), "01PROC")
	assert.True(t, flag, "stop flag should be set")
}

func TestStopMessageConflictWhenTerminal(t *testing.T) {
	e := newHandlerEnv(t)
	conv := e.seedConversation(t, e.principal.UserID)

	msg := &models.Message{
		ID:             "01DONE",
		ConversationID: conv.ID.String(),
		Role:           models.RoleAssistant,
		Status:         models.StatusFinished,
	}
	require.NoError(t, e.store.CreateMessage(context.Background(), msg))

	rec := e.do("POST", "/messages/01DONE/stop", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegenerateMessage(t *testing.T) {
	e := newHandlerEnv(t)
	conv := e.seedConversation(t, e.principal.UserID)

	old := &models.Message{
		ID:             "01OLD",
		ConversationID: conv.ID.String(),
		ParentID:       "01USER",
		Role:           models.RoleAssistant,
		Status:         models.StatusFailed,
	}
	require.NoError(t, e.store.CreateMessage(context.Background(), old))

	rec := e.do("POST", "/messages/01OLD/regenerate", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp RegenerateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "01USER", resp.Assistant.ParentID, "sibling shares the parent")
	assert.NotEqual(t, old.ID, resp.Assistant.ID)

	// The old branch is untouched.
	stale, _ := e.store.GetMessage(context.Background(), "01OLD")
	assert.Equal(t, models.StatusFailed, stale.Status)
}

func TestRegenerateRejectsUserMessage(t *testing.T) {
	e := newHandlerEnv(t)
	conv := e.seedConversation(t, e.principal.UserID)

	msg := &models.Message{
		ID:             "01USER",
		ConversationID: conv.ID.String(),
		Role:           models.RoleUser,
		Status:         models.StatusFinished,
	}
	require.NoError(t, e.store.CreateMessage(context.Background(), msg))

	rec := e.do("POST", "/messages/01USER/regenerate", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRegenerateConflictWhileInProgress(t *testing.T) {
	e := newHandlerEnv(t)
	conv := e.seedConversation(t, e.principal.UserID)

	msg := &models.Message{
		ID:             "01BUSY",
		ConversationID: conv.ID.String(),
		Role:           models.RoleAssistant,
		Status:         models.StatusProcessing,
	}
	require.NoError(t, e.store.CreateMessage(context.Background(), msg))

	rec := e.do("POST", "/messages/01BUSY/regenerate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetMessageNotFound(t *testing.T) {
	e := newHandlerEnv(t)
	rec := e.do("GET", "/messages/01NOPE", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
