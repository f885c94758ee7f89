package chat

import (
	"context"
	"sync"
	"time"

	"chatrelay/internal/auth"
	"chatrelay/internal/ids"
	"chatrelay/internal/observability"

	"go.uber.org/zap"
)

const persistTimeout = 5 * time.Second

// Relay carries a serialized summary to every hub that should broadcast it.
type Relay interface {
	Publish(ctx context.Context, payload []byte) error
}

// localRelay broadcasts straight into the hub: single-instance mode.
type localRelay struct {
	hub *Hub
}

func (l localRelay) Publish(_ context.Context, payload []byte) error {
	l.hub.Broadcast(payload)
	return nil
}

// IncomingMessage is a validated frame waiting for the Run loop.
type IncomingMessage struct {
	Client  *Client
	Author  auth.Identity
	Content string
}

type HubOption func(*Hub)

func WithRelay(r Relay) HubOption {
	return func(h *Hub) { h.relay = r }
}

func WithPictureURL(f PictureURLFunc) HubOption {
	return func(h *Hub) { h.pictureURL = f }
}

// WithErrorFrames makes the hub tell the sender when its message could not
// be stored. Off by default: failures are only logged.
func WithErrorFrames(enabled bool) HubOption {
	return func(h *Hub) { h.errorFrames = enabled }
}

// Hub owns the live connection set. Inbound messages are processed one at a
// time by Run, so persist-then-broadcast of one message never interleaves
// with another.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	inbound chan IncomingMessage
	done    chan struct{}

	store       Store
	relay       Relay
	pictureURL  PictureURLFunc
	errorFrames bool
	log         *zap.Logger
}

func NewHub(store Store, log *zap.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		clients: make(map[*Client]struct{}),
		inbound: make(chan IncomingMessage, 256),
		done:    make(chan struct{}),
		store:   store,
		log:     log.Named("hub"),
	}
	h.relay = localRelay{hub: h}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Add registers an authenticated client.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	observability.WebSocketConnections.Inc()
	h.log.Info("client connected",
		zap.String("account_id", c.identity.AccountID), zap.Int("clients", len(h.clients)))
}

// Remove drops a client and closes its send queue, which stops its write
// pump. Removing twice is a no-op.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	observability.WebSocketConnections.Dec()
	h.log.Info("client disconnected",
		zap.String("account_id", c.identity.AccountID), zap.Int("clients", len(h.clients)))
}

// Len is the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues payload on every live client, the sender included.
// Clients whose queue is full are disconnected.
func (h *Hub) Broadcast(payload []byte) {
	var slow []*Client

	h.mu.RLock()
	for c := range h.clients {
		if !c.enqueue(payload) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow client", zap.String("account_id", c.identity.AccountID))
		h.Remove(c)
	}
}

// join ends a client's joining phase with the given history. A client that
// cannot take it all is disconnected.
func (h *Hub) join(c *Client, history [][]byte, seen map[string]struct{}) {
	h.mu.RLock()
	_, live := h.clients[c]
	ok := live && c.finishJoin(history, seen)
	h.mu.RUnlock()

	if live && !ok {
		h.log.Warn("dropping client that cannot take its history", zap.String("account_id", c.identity.AccountID))
		h.Remove(c)
	}
}

// sendTo queues payload for a single client if it is still connected.
func (h *Hub) sendTo(c *Client, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok {
		c.enqueue(payload)
	}
}

// Submit hands a validated message to the Run loop. It blocks while the
// inbound queue is full and gives up once the hub has stopped.
func (h *Hub) Submit(msg IncomingMessage) bool {
	select {
	case h.inbound <- msg:
		return true
	case <-h.done:
		return false
	}
}

// Run processes inbound messages until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.inbound:
			h.handle(ctx, msg)
		}
	}
}

func (h *Hub) handle(ctx context.Context, in IncomingMessage) {
	log := h.log.With(zap.String("account_id", in.Author.AccountID))

	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	// 1. Save to DB
	saved, err := h.store.Insert(ctx, Message{
		ID:        ids.New(),
		AccountID: in.Author.AccountID,
		Username:  in.Author.Username,
		Content:   in.Content,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Error("failed to persist message", zap.Error(err))
		observability.ChatFramesDropped.WithLabelValues("persist_failed").Inc()
		if h.errorFrames && in.Client != nil {
			h.sendError(in.Client, "message could not be saved")
		}
		return
	}

	// 2. Serialize once, fan out the same bytes to everyone
	payload, err := frameCodec.Marshal(saved.Summary(h.pictureURL))
	if err != nil {
		log.Error("failed to encode summary", zap.Error(err))
		return
	}
	if err := h.relay.Publish(ctx, payload); err != nil {
		log.Error("failed to relay message", zap.String("message_id", saved.ID), zap.Error(err))
		return
	}
	observability.ChatMessagesBroadcast.Inc()
}

func (h *Hub) sendError(c *Client, reason string) {
	payload, err := frameCodec.Marshal(ErrorFrame{Error: reason})
	if err != nil {
		return
	}
	h.sendTo(c, payload)
}
