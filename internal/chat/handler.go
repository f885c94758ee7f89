package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"chatrelay/internal/auth"
	"chatrelay/internal/observability"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
	maxPage          = 1_000_000

	// MaxHistoryOnConnect bounds the history pushed to a new client.
	MaxHistoryOnConnect = sendBufferSize
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Browsers connect from any origin; the token is the gate.
	},
}

// TokenVerifier is what the websocket endpoint needs from the auth package.
type TokenVerifier interface {
	Verify(tokenString string) (auth.Identity, error)
}

type Handler struct {
	hub          *Hub
	store        Store
	verifier     TokenVerifier
	historyCount int
	log          *zap.Logger
}

// NewHandler wires the websocket and history endpoints. historyCount is the
// number of recent messages pushed to a client right after it connects;
// zero disables it and values above MaxHistoryOnConnect are clamped.
func NewHandler(hub *Hub, store Store, verifier TokenVerifier, historyCount int, log *zap.Logger) *Handler {
	log = log.Named("chat")
	if historyCount > MaxHistoryOnConnect {
		log.Warn("history on connect clamped",
			zap.Int("requested", historyCount), zap.Int("max", MaxHistoryOnConnect))
		historyCount = MaxHistoryOnConnect
	}
	return &Handler{
		hub:          hub,
		store:        store,
		verifier:     verifier,
		historyCount: max(historyCount, 0),
		log:          log,
	}
}

// ServeWs authenticates before upgrading. A missing or invalid token gets a
// plain 401 and the connection is closed; the client never enters the hub.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	id, err := h.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		h.log.Info("rejected websocket upgrade", zap.String("remote", r.RemoteAddr), zap.Error(err))
		observability.WebSocketRejectedUpgrades.Inc()
		rejectUpgrade(w)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h.hub, conn, id, h.historyCount, h.log)
	h.hub.Add(client)
	if h.historyCount > 0 {
		history, seen := h.loadHistory(r.Context())
		h.hub.join(client, history, seen)
	}

	go client.writePump()
	go client.readPump()
}

// rejectUpgrade writes a bare 401 on the raw connection and closes it.
func rejectUpgrade(w http.ResponseWriter) {
	if ww, ok := w.(middleware.WrapResponseWriter); ok {
		w = ww.Unwrap()
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.Header().Set("Connection", "close")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	defer conn.Close()
	buf.WriteString("HTTP/1.1 401 Unauthorized\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
	buf.Flush()
}

// loadHistory returns the most recent messages, oldest first, and their ids.
// It runs after the client is in the hub, so a message is either in the
// history, held as a live broadcast, or both; seen drops the duplicates.
func (h *Handler) loadHistory(ctx context.Context) ([][]byte, map[string]struct{}) {
	msgs, err := h.store.Find(ctx, Filter{}, FindOptions{Limit: int64(h.historyCount), Sort: NewestFirst})
	if err != nil {
		h.log.Warn("failed to load history", zap.Error(err))
		return nil, nil
	}
	history := make([][]byte, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		payload, err := frameCodec.Marshal(msgs[i].Summary(h.hub.pictureURL))
		if err != nil {
			continue
		}
		history = append(history, payload)
		seen[msgs[i].ID] = struct{}{}
	}
	return history, seen
}

// Page is one page of chat history.
type Page struct {
	Items []Summary `json:"items"`
	Total int64     `json:"total"`
	Page  int       `json:"page"`
	Limit int       `json:"limit"`
}

// GetChatHistory serves GET /api/messages?page=&limit=&accountId=, newest
// first. Pages start at 1 and stop at maxPage.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1)
	if err != nil || page < 1 || page > maxPage {
		http.Error(w, "invalid page", http.StatusBadRequest)
		return
	}
	limit, err := intParam(q.Get("limit"), defaultPageLimit)
	if err != nil || limit < 1 || limit > maxPageLimit {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	filter := Filter{AccountID: q.Get("accountId")}
	if filter.AccountID != "" {
		if err := uuid.Validate(filter.AccountID); err != nil {
			http.Error(w, "invalid accountId", http.StatusBadRequest)
			return
		}
	}

	msgs, err := h.store.Find(r.Context(), filter, FindOptions{
		Skip:  int64((page - 1) * limit),
		Limit: int64(limit),
		Sort:  NewestFirst,
	})
	if err != nil {
		h.log.Error("failed to load history", zap.Error(err))
		http.Error(w, "Failed to load messages", http.StatusInternalServerError)
		return
	}
	total, err := h.store.Count(r.Context(), filter)
	if err != nil {
		h.log.Error("failed to count messages", zap.Error(err))
		http.Error(w, "Failed to load messages", http.StatusInternalServerError)
		return
	}

	resp := Page{Items: make([]Summary, 0, len(msgs)), Total: total, Page: page, Limit: limit}
	for _, m := range msgs {
		resp.Items = append(resp.Items, m.Summary(h.hub.pictureURL))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
