// Package ws is the connection registry and fan-out layer: it maps sockets to
// clients, clients to users, users to their shared cross-instance channel,
// and turns delivery plans into wire messages on live sockets.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pulsemap/pulsemap/internal/model"
	"github.com/pulsemap/pulsemap/internal/processor"
	"github.com/pulsemap/pulsemap/internal/pubsub"
	"github.com/pulsemap/pulsemap/internal/store"
	"github.com/pulsemap/pulsemap/internal/subscription"
)

// userChannelSub is one instance-wide subscription to a user's backbone
// channel, shared by all of that user's local connections. The entry exists
// exactly while refs > 0; sub stays nil when the subscribe failed, so the
// next identification retries without disturbing the refcount.
type userChannelSub struct {
	sub     pubsub.Subscription
	refs    int
	stop    context.CancelFunc
	opening bool
}

func (us *userChannelSub) release() {
	if us.stop != nil {
		us.stop()
	}
	if us.sub != nil {
		_ = us.sub.Close()
	}
}

// Hub owns all live connections on this instance.
type Hub struct {
	// ctx is the process lifetime; per-user channel readers stop with it.
	ctx context.Context

	mu          sync.Mutex
	clients     map[string]*Client
	userClients map[string]map[string]*Client
	userSubs    map[string]*userChannelSub

	proc     *processor.EventProcessor
	subs     *subscription.Manager
	durable  store.SubscriptionStore
	backbone pubsub.Backbone

	bufferSize int
	log        zerolog.Logger
}

func NewHub(ctx context.Context, proc *processor.EventProcessor, subs *subscription.Manager,
	durable store.SubscriptionStore, backbone pubsub.Backbone, bufferSize int, log zerolog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	h := &Hub{
		ctx:         ctx,
		clients:     make(map[string]*Client),
		userClients: make(map[string]map[string]*Client),
		userSubs:    make(map[string]*userChannelSub),
		proc:        proc,
		subs:        subs,
		durable:     durable,
		backbone:    backbone,
		bufferSize:  bufferSize,
		log:         log.With().Str("component", "hub").Logger(),
	}
	return h
}

// RegisterClient assigns a server-side client id, starts the socket pumps and
// sends connection_established.
func (h *Hub) RegisterClient(conn *websocket.Conn) *Client {
	c := newClient(uuid.New().String(), h, conn, h.bufferSize, h.log)
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	go c.writePump()
	c.Send(ConnectionEstablished(c.ID))
	h.log.Info().Str("client_id", c.ID).Msg("client connected")
	return c
}

// UnregisterClient tears down a connection: engine state is cascaded, the
// user binding is dropped and the per-user channel is released when this was
// the user's last local connection.
func (h *Hub) UnregisterClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	released := h.unbindLocked(c)
	h.mu.Unlock()

	c.close()
	if released != nil {
		released.release()
	}
	h.proc.OnClientDisconnect(h.ctx, c.ID)
	h.log.Info().Str("client_id", c.ID).Time("last_active", c.LastActive()).Msg("client disconnected")
}

// unbindLocked drops the client's user binding and decrements the channel
// refcount. Returns the subscription to release when this was the user's last
// local connection. Caller holds h.mu.
func (h *Hub) unbindLocked(c *Client) *userChannelSub {
	if c.userID == "" {
		return nil
	}
	if peers, ok := h.userClients[c.userID]; ok {
		delete(peers, c.ID)
		if len(peers) == 0 {
			delete(h.userClients, c.userID)
		}
	}
	var released *userChannelSub
	if us, ok := h.userSubs[c.userID]; ok {
		us.refs--
		if us.refs <= 0 {
			delete(h.userSubs, c.userID)
			released = us
		}
	}
	c.userID = ""
	return released
}

// Identify binds a connection to an authenticated user, replacing any prior
// binding. The first local connection for a user lazily opens the shared
// subscription to that user's backbone channel; the user's server-stored
// filters are materialized as a fresh subscription so instances converge.
func (h *Hub) Identify(c *Client, userID string) error {
	parsed, err := uuid.Parse(userID)
	if err != nil || parsed.Version() != 4 {
		return errors.New("userId must be a UUIDv4")
	}

	h.mu.Lock()
	if c.userID == userID {
		h.mu.Unlock()
		return nil
	}
	stale := h.unbindLocked(c)
	c.userID = userID
	peers, ok := h.userClients[userID]
	if !ok {
		peers = make(map[string]*Client)
		h.userClients[userID] = peers
	}
	peers[c.ID] = c

	// Reserve the channel entry under the lock so the refcount always equals
	// the number of bound connections, whether or not the subscribe below
	// succeeds, and so concurrent identifications open at most one
	// subscription.
	us, ok := h.userSubs[userID]
	if !ok {
		us = &userChannelSub{}
		h.userSubs[userID] = us
	}
	us.refs++
	needOpen := us.sub == nil && !us.opening
	if needOpen {
		us.opening = true
	}
	h.mu.Unlock()

	if stale != nil {
		stale.release()
	}
	if needOpen {
		h.openUserChannel(userID, us)
	}

	h.materializeStoredFilters(c, userID)
	h.log.Info().Str("client_id", c.ID).Str("user_id", userID).Msg("client identified")
	return nil
}

// openUserChannel subscribes to the user's backbone channel and attaches the
// result to the reserved entry. A failed subscribe is logged and retried on
// the user's next identification rather than failing this one.
func (h *Hub) openUserChannel(userID string, us *userChannelSub) {
	subCtx, cancel := context.WithCancel(h.ctx)
	sub, err := h.backbone.Subscribe(subCtx, pubsub.UserChannel(userID))

	h.mu.Lock()
	us.opening = false
	if err != nil {
		h.mu.Unlock()
		cancel()
		h.log.Error().Err(err).Str("user_id", userID).Msg("user channel subscribe failed")
		return
	}
	if h.userSubs[userID] != us {
		// Every connection left while the subscribe was in flight.
		h.mu.Unlock()
		cancel()
		_ = sub.Close()
		return
	}
	us.sub = sub
	us.stop = cancel
	h.mu.Unlock()
	go h.runUserChannel(userID, sub)
}

// runUserChannel expands backbone envelopes into wire messages for every
// local socket of the user.
func (h *Hub) runUserChannel(userID string, sub pubsub.Subscription) {
	for msg := range sub.Messages() {
		frames, err := ExpandEnvelope(msg.Payload)
		if err != nil {
			h.log.Warn().Err(err).Str("user_id", userID).Msg("bad backbone envelope")
			continue
		}
		for _, frame := range frames {
			h.Deliver(userID, frame)
		}
	}
}

// materializeStoredFilters loads the user's server-stored filter and creates
// it as a subscription for this connection, with immediate catch-up.
func (h *Hub) materializeStoredFilters(c *Client, userID string) {
	f, err := h.durable.UserFilter(h.ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("stored filter fetch failed")
		return
	}
	name := "stored-filters"
	sub, err := h.subs.CreateSubscription(h.ctx, c.ID, *f, &name)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("stored filter subscription failed")
		return
	}
	c.Send(SubscriptionCreated(sub))
	for _, e := range h.proc.OnNewSubscription(sub.ID) {
		c.Send(AddEvent(e))
	}
}

// Deliver writes a wire message to every local socket for the user.
func (h *Hub) Deliver(userID string, payload []byte) {
	h.mu.Lock()
	peers := make([]*Client, 0, len(h.userClients[userID]))
	for _, c := range h.userClients[userID] {
		peers = append(peers, c)
	}
	h.mu.Unlock()
	for _, c := range peers {
		c.Send(payload)
	}
}

// FanOutPlan writes one wire message per planned event to each local client.
// Events already known to the client arrive as updates, new ones as adds; the
// distinction comes from the mutation action upstream.
func (h *Hub) FanOutPlan(plan processor.DeliveryPlan, isUpdate bool) {
	if len(plan) == 0 {
		return
	}
	h.mu.Lock()
	targets := make(map[*Client][]*model.Event, len(plan))
	for clientID, events := range plan {
		if c, ok := h.clients[clientID]; ok {
			targets[c] = events
		}
	}
	h.mu.Unlock()
	for c, events := range targets {
		for _, e := range events {
			if isUpdate {
				c.Send(UpdateEvent(e))
			} else {
				c.Send(AddEvent(e))
			}
		}
	}
}

// SendToClients writes one payload to the named local clients.
func (h *Hub) SendToClients(clientIDs []string, payload []byte) {
	h.mu.Lock()
	targets := make([]*Client, 0, len(clientIDs))
	for _, id := range clientIDs {
		if c, ok := h.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.Send(payload)
	}
}

// Counts returns connected client and user totals for the health surface.
func (h *Hub) Counts() (clients, users int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients), len(h.userClients)
}

// Shutdown closes every connection and releases all user channels.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.UnregisterClient(c)
	}

	h.mu.Lock()
	leftover := make([]*userChannelSub, 0, len(h.userSubs))
	for _, us := range h.userSubs {
		leftover = append(leftover, us)
	}
	h.userSubs = make(map[string]*userChannelSub)
	h.mu.Unlock()
	for _, us := range leftover {
		us.release()
	}
}

// handleInbound dispatches one client message. Per-client errors never affect
// other connections: malformed input gets a best-effort error reply, invalid
// viewports are dropped silently to avoid breaking rapid map-drag streams.
func (h *Hub) handleInbound(c *Client, raw []byte) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.Send(ErrorMessage("malformed message"))
		return
	}

	switch msg.Type {
	case MsgClientIdentification:
		if err := h.Identify(c, msg.UserID); err != nil {
			c.Send(ErrorMessage(err.Error()))
		}

	case MsgViewportUpdate:
		if msg.Viewport == nil || msg.Viewport.Validate() != nil {
			h.log.Debug().Str("client_id", c.ID).Msg("invalid viewport dropped")
			return
		}
		events := h.proc.OnViewportUpdate(c.ID, *msg.Viewport, msg.Zoom)
		c.Send(ReplaceAll(events))

	case MsgCreateSubscription:
		var f model.EventFilter
		if msg.Filter != nil {
			f = *msg.Filter
		}
		sub, err := h.subs.CreateSubscription(h.ctx, c.ID, f, msg.Name)
		if err != nil {
			h.log.Error().Err(err).Str("client_id", c.ID).Msg("create subscription failed")
			c.Send(ErrorMessage("subscription could not be created"))
			return
		}
		c.Send(SubscriptionCreated(sub))
		for _, e := range h.proc.OnNewSubscription(sub.ID) {
			c.Send(AddEvent(e))
		}

	case MsgUpdateSubscription:
		if msg.SubscriptionID == "" || msg.Filter == nil {
			c.Send(ErrorMessage("subscriptionId and filter are required"))
			return
		}
		sub, err := h.subs.UpdateSubscription(h.ctx, msg.SubscriptionID, *msg.Filter, msg.Name)
		if err != nil {
			c.Send(ErrorMessage("subscription could not be updated"))
			return
		}
		if sub == nil {
			c.Send(ErrorMessage("unknown subscription"))
			return
		}
		c.Send(SubscriptionUpdated(sub))

	case MsgDeleteSubscription:
		if msg.SubscriptionID == "" {
			c.Send(ErrorMessage("subscriptionId is required"))
			return
		}
		if !h.subs.DeleteSubscription(h.ctx, msg.SubscriptionID) {
			c.Send(ErrorMessage("unknown subscription"))
			return
		}
		c.Send(SubscriptionDeleted(msg.SubscriptionID))

	case MsgListSubscriptions:
		c.Send(SubscriptionList(h.subs.GetClientSubscriptions(c.ID)))

	default:
		c.Send(ErrorMessage("unknown message type"))
	}
}
