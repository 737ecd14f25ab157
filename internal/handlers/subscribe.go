package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lumoschat/lumos/internal/api/middleware"
	"github.com/lumoschat/lumos/internal/models"
	"github.com/lumoschat/lumos/internal/stream"
)

const keepaliveInterval = 15 * time.Second

// errConnClosed is returned by Send once the subscription has ended.
var errConnClosed = errors.New("connection closed")

// sseConn adapts one server-sent-events response into a realtime.Conn.
type sseConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	enc     stream.EventEncoder
	ctx     context.Context
	done    chan struct{}
	once    sync.Once
}

func newSSEConn(w http.ResponseWriter, flusher http.Flusher, ctx context.Context) *sseConn {
	return &sseConn{
		w:       w,
		flusher: flusher,
		ctx:     ctx,
		done:    make(chan struct{}),
	}
}

// Send frames one snapshot as an SSE event and flushes it. Once the
// connection is closed nothing may be written: the dispatcher closes on
// a terminal snapshot, and a late catch-up write would put a stale
// non-terminal snapshot after the terminal one.
func (c *sseConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	if err := c.ctx.Err(); err != nil {
		return err
	}
	if _, err := c.w.Write(c.enc.Encode(payload)); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Open reports whether the request is still alive and the dispatcher has
// not ended the subscription.
func (c *sseConn) Open() bool {
	select {
	case <-c.done:
		return false
	default:
	}
	return c.ctx.Err() == nil
}

// Close releases the handler goroutine; the response ends there.
func (c *sseConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// keepalive writes an SSE comment so intermediaries keep the connection.
func (c *sseConn) keepalive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	if c.ctx.Err() != nil {
		return
	}
	if _, err := c.w.Write([]byte(": keepalive\n\n")); err == nil {
		c.flusher.Flush()
	}
}

// MessageEvents subscribes the caller to live snapshots of one message
// over SSE. The first event is the current persisted state, so a
// subscriber attaching after the generation ended still sees the terminal
// snapshot; a terminal push ends the subscription.
func (h *Handler) MessageEvents(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	msg, _, status := h.loadOwnedMessage(r, principal)
	if msg == nil {
		h.Error(w, status, errorTextFor(status))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	writeSSEHeaders(w)
	conn := newSSEConn(w, flusher, r.Context())
	channel := models.MessageChannel(msg.ID)

	// Attach before the catch-up snapshot so no live update can slip
	// between the two.
	if err := h.hub.Attach(r.Context(), channel, conn); err != nil {
		// Headers are already out; all we can do is end the stream.
		h.log.Error().Err(err).Str("channel", channel.String()).Msg("broker subscribe failed")
		return
	}
	defer h.hub.Detach(context.Background(), channel, conn)

	snapshot, err := json.Marshal(msg)
	if err == nil {
		_ = conn.Send(snapshot)
	}
	if msg.Status.Terminal() {
		return
	}

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			return
		case <-ticker.C:
			conn.keepalive()
		}
	}
}

// ConversationEvents subscribes the caller to conversation-level updates.
// These subscriptions only end when the client disconnects.
func (h *Handler) ConversationEvents(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	convID, err := parseUUIDParam(r, "id")
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid conversation ID format")
		return
	}
	conv, err := h.store.GetConversation(r.Context(), convID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if conv == nil {
		h.Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	if !h.canAccess(principal, conv) {
		h.Error(w, http.StatusForbidden, "not a member of this conversation")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	writeSSEHeaders(w)
	conn := newSSEConn(w, flusher, r.Context())
	channel := models.ConversationChannel(convID.String())

	if err := h.hub.Attach(r.Context(), channel, conn); err != nil {
		h.log.Error().Err(err).Str("channel", channel.String()).Msg("broker subscribe failed")
		return
	}
	defer h.hub.Detach(context.Background(), channel, conn)

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			return
		case <-ticker.C:
			conn.keepalive()
		}
	}
}

// ResumeStream replays the durable chunk record for one generation as
// newline-delimited JSON and continues into the live tail. Each line is
// an authoritative whole-message snapshot, not a patch. A reconnecting
// client sees no gap relative to a continuously-connected one.
func (h *Handler) ResumeStream(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	msg, _, status := h.loadOwnedMessage(r, principal)
	if msg == nil {
		h.Error(w, status, errorTextFor(status))
		return
	}

	reader, err := h.streams.Resume(r.Context(), msg.ID)
	if err != nil {
		if errors.Is(err, stream.ErrStreamNotFound) {
			h.Error(w, http.StatusNotFound, "stream not found or expired")
			return
		}
		h.Error(w, http.StatusInternalServerError, "stream unavailable")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for {
		chunk, err := reader.Recv(r.Context())
		if err != nil {
			// io.EOF is the end sentinel; anything else means the client
			// left or the broker went away. Either way the response ends.
			return
		}
		if _, err := w.Write(append(chunk, '\n')); err != nil {
			return
		}
		flusher.Flush()
	}
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}
