// Package hub holds the in-process channel registry, the participant roster,
// the broadcast engine and the per-connection session lifecycle.
//
// Registry and roster state is owned exclusively by this package and guarded
// by a single mutex. Each channel additionally carries a publish mutex so
// that a storage insert and the broadcast of its assigned id are atomic with
// respect to other publishes on the same channel.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/hubd/internal/metrics"
	"github.com/eldtechnologies/hubd/internal/models"
	"github.com/eldtechnologies/hubd/internal/store"
	"github.com/eldtechnologies/hubd/internal/wire"
)

// Application close codes for connections rejected before reaching the open
// state. Clients distinguish rejection causes by code.
const (
	CloseUnauthorized    = 4001
	CloseMissingChannel  = 4002
	CloseInvalidMetadata = 4003
	CloseContextMismatch = 4004
	CloseContextUnbound  = 4005
)

// ErrShuttingDown rejects joins that race broker shutdown.
var ErrShuttingDown = errors.New("broker shutting down")

// IdentityError is a channel identity rejection at bind time, carrying the
// close code the connection must be closed with.
type IdentityError struct {
	Code   int
	Reason string
}

func (e *IdentityError) Error() string { return e.Reason }

// Options tunes connection handling.
type Options struct {
	PingInterval  time.Duration
	PongWait      time.Duration
	WriteWait     time.Duration
	MaxFrameBytes int64
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		PingInterval: 54 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
		// Attachments ride inside a single frame, so the cap is generous.
		MaxFrameBytes: 8 << 20,
	}
}

// channelState is the live registry entry for one channel. It exists while at
// least one connection is open.
type channelState struct {
	name      string
	contextID string

	// publishMu serializes insert-then-broadcast per channel so broadcasts
	// are never observed out of order relative to their assigned ids. Lock
	// order is publishMu before Hub.mu, never the reverse; the one exception
	// is entry creation, which takes the new entry's uncontended mutex before
	// the entry becomes visible.
	publishMu sync.Mutex

	clients map[*Client]bool
	roster  map[string]*models.Participant
}

// Hub is the broker core: channel registry, roster and broadcast engine.
type Hub struct {
	store  store.MessageStore
	logger zerolog.Logger
	opts   Options

	mu       sync.Mutex
	channels map[string]*channelState
	closed   bool
	sessions sync.WaitGroup
}

// New constructs a Hub on top of the given store.
func New(st store.MessageStore, logger zerolog.Logger, opts Options) *Hub {
	return &Hub{
		store:    st,
		logger:   logger.With().Str("component", "hub").Logger(),
		opts:     opts,
		channels: make(map[string]*channelState),
	}
}

// JoinParams are the validated join parameters for one connection attempt.
// SinceID below zero means no backlog replay was requested.
type JoinParams struct {
	Identity  string
	Channel   string
	ContextID string
	SinceID   int64
	Metadata  json.RawMessage
}

// Join runs the full connection lifecycle: bind, replay, ready, steady-state
// message handling, and leave bookkeeping. It blocks until the connection
// closes. Errors are returned only for rejections before the open state; the
// caller closes the socket with the matching code.
func (h *Hub) Join(ctx context.Context, conn *websocket.Conn, params JoinParams) error {
	client := newClient(uuid.New().String(), conn, h.opts)
	client.identity = params.Identity
	client.channel = params.Channel
	client.metadata = params.Metadata

	resolved, err := h.resolveContext(ctx, params.Channel, params.ContextID, params.Identity)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go client.writePump(h.opts.PingInterval, done)

	ch, err := h.bindAndReplay(ctx, client, params.ContextID, resolved, params.SinceID)
	if err != nil {
		close(done)
		var identityErr *IdentityError
		if errors.Is(err, ErrShuttingDown) || errors.As(err, &identityErr) {
			return err
		}
		h.logger.Error().Err(err).Str("channel", params.Channel).Msg("replay failed")
		client.closeWithCode(websocket.CloseInternalServerErr, "replay failed")
		return nil
	}

	h.mu.Lock()
	boundContext := ch.contextID
	h.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	log := h.logger.With().
		Str("conn_id", client.id).
		Str("client_id", client.identity).
		Str("channel", client.channel).
		Logger()
	log.Info().Str("context_id", boundContext).Msg("connection open")

	client.readPump(func(data []byte, binary bool) {
		h.dispatch(ctx, ch, client, data, binary)
	})

	close(done)
	h.leave(context.WithoutCancel(ctx), ch, client)
	metrics.ConnectionsActive.Dec()
	h.sessions.Done()
	log.Info().Msg("connection closed")
	return nil
}

// resolveContext binds the connection to the channel's immutable context
// identity, creating the durable row when a context id is supplied for a new
// channel. A live registry entry is authoritative over the store so a
// context-free channel stays context-free for its whole life. The result is
// provisional: register re-validates against whichever entry is actually
// joined, and bindAndReplay re-reads the row when this session creates one.
func (h *Hub) resolveContext(ctx context.Context, channel, contextID, identity string) (string, error) {
	h.mu.Lock()
	if ch, ok := h.channels[channel]; ok {
		resolved := ch.contextID
		h.mu.Unlock()
		return checkContext(resolved, contextID)
	}
	h.mu.Unlock()

	row, err := h.store.GetChannel(ctx, channel)
	if err != nil {
		return "", fmt.Errorf("get channel: %w", err)
	}

	if row == nil {
		if contextID == "" {
			// Context-free channels live only in the registry.
			return "", nil
		}
		if err := h.store.CreateChannel(ctx, channel, contextID, identity); err != nil {
			return "", fmt.Errorf("create channel: %w", err)
		}
		// Re-read to discover the winner of a creation race.
		row, err = h.store.GetChannel(ctx, channel)
		if err != nil {
			return "", fmt.Errorf("reread channel: %w", err)
		}
		if row == nil {
			return "", errors.New("channel row vanished after create")
		}
	}

	return checkContext(row.ContextID, contextID)
}

func checkContext(resolved, supplied string) (string, error) {
	switch {
	case resolved == "" && supplied != "":
		return "", &IdentityError{Code: CloseContextUnbound, Reason: "channel has no context id"}
	case resolved != "" && supplied != "" && resolved != supplied:
		return "", &IdentityError{Code: CloseContextMismatch, Reason: "context id mismatch"}
	default:
		return resolved, nil
	}
}

// bindAndReplay registers the connection and replays history inside a single
// hold of the channel publish mutex. Because inserts and their broadcasts
// also run under that mutex, every persisted message reaches the new client
// exactly once: through the backlog query if inserted before registration,
// through a live broadcast if after.
func (h *Hub) bindAndReplay(ctx context.Context, c *Client, supplied, resolved string, sinceID int64) (*channelState, error) {
	ch, created, newParticipant, metadataChanged, err := h.register(c, supplied, resolved)
	if err != nil {
		return nil, err
	}
	defer ch.publishMu.Unlock()

	if created {
		// A durable row may have landed between context resolution and entry
		// creation. Rows are immutable, so a session that supplied no context
		// id adopts whatever the row binds; a supplied id that no longer
		// matches is a rejection.
		row, err := h.store.GetChannel(ctx, ch.name)
		if err != nil {
			h.abortBind(ch, c)
			return nil, fmt.Errorf("reread channel: %w", err)
		}
		if row != nil && row.ContextID != ch.contextID {
			if supplied != "" {
				h.abortBind(ch, c)
				return nil, &IdentityError{Code: CloseContextMismatch, Reason: "context id mismatch"}
			}
			h.mu.Lock()
			ch.contextID = row.ContextID
			h.mu.Unlock()
		}
	}

	presence, err := h.store.QueryByType(ctx, ch.name, []string{models.TypePresence}, 0)
	if err != nil {
		h.abortBind(ch, c)
		return nil, fmt.Errorf("presence history: %w", err)
	}
	for i := range presence {
		h.sendReplay(c, &presence[i])
	}

	if sinceID >= 0 {
		backlog, err := h.store.Query(ctx, ch.name, sinceID)
		if err != nil {
			h.abortBind(ch, c)
			return nil, fmt.Errorf("backlog: %w", err)
		}
		for i := range backlog {
			if backlog[i].Type == models.TypePresence {
				continue
			}
			h.sendReplay(c, &backlog[i])
		}
	}

	h.sendWait(c, &wire.ServerFrame{Kind: wire.KindReady, ContextID: ch.contextID})

	switch {
	case newParticipant:
		h.persistPresence(ctx, ch, c.identity, models.PresenceJoin, c.metadata, nil, nil)
	case metadataChanged:
		h.persistPresence(ctx, ch, c.identity, models.PresenceUpdate, c.metadata, nil, nil)
	}
	return ch, nil
}

// register adds the connection to the registry and upserts its participant.
// On success the channel's publish mutex is held and a session slot is
// reserved; the caller releases both. A freshly created entry takes its
// publish mutex before becoming visible, so its context binding is final by
// the time any other session can acquire it; joining an existing entry
// re-checks the supplied context id against that final binding.
func (h *Hub) register(c *Client, supplied, resolved string) (*channelState, bool, bool, bool, error) {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, false, false, false, ErrShuttingDown
		}
		ch, ok := h.channels[c.channel]
		if !ok {
			ch = &channelState{
				name:      c.channel,
				contextID: resolved,
				clients:   make(map[*Client]bool),
				roster:    make(map[string]*models.Participant),
			}
			ch.publishMu.Lock()
			h.channels[c.channel] = ch
			metrics.ChannelsActive.Set(float64(len(h.channels)))
			h.sessions.Add(1)
			ch.clients[c] = true
			ch.roster[c.identity] = &models.Participant{
				ID:              c.identity,
				Metadata:        c.metadata,
				ConnectionCount: 1,
			}
			h.mu.Unlock()
			return ch, true, true, false, nil
		}
		h.mu.Unlock()

		ch.publishMu.Lock()
		h.mu.Lock()
		if h.channels[c.channel] != ch {
			// The entry was torn down while we waited; start over.
			h.mu.Unlock()
			ch.publishMu.Unlock()
			continue
		}
		if h.closed {
			h.mu.Unlock()
			ch.publishMu.Unlock()
			return nil, false, false, false, ErrShuttingDown
		}
		if _, err := checkContext(ch.contextID, supplied); err != nil {
			h.mu.Unlock()
			ch.publishMu.Unlock()
			return nil, false, false, false, err
		}

		var newParticipant, metadataChanged bool
		h.sessions.Add(1)
		ch.clients[c] = true
		p, ok := ch.roster[c.identity]
		switch {
		case !ok:
			ch.roster[c.identity] = &models.Participant{
				ID:              c.identity,
				Metadata:        c.metadata,
				ConnectionCount: 1,
			}
			newParticipant = true
		case c.metadata != nil && !jsonEqual(c.metadata, p.Metadata):
			p.ConnectionCount++
			p.Metadata = c.metadata
			metadataChanged = true
		default:
			p.ConnectionCount++
			// New connections of a known participant inherit its metadata.
			c.metadata = p.Metadata
		}
		h.mu.Unlock()
		return ch, false, newParticipant, metadataChanged, nil
	}
}

// abortBind undoes a registration whose replay failed. Caller holds the
// channel publish mutex.
func (h *Hub) abortBind(ch *channelState, c *Client) {
	h.mu.Lock()
	delete(ch.clients, c)
	if p, ok := ch.roster[c.identity]; ok {
		p.ConnectionCount--
		if p.ConnectionCount <= 0 {
			delete(ch.roster, c.identity)
		}
	}
	if len(ch.clients) == 0 && h.channels[ch.name] == ch {
		delete(h.channels, ch.name)
		metrics.ChannelsActive.Set(float64(len(h.channels)))
	}
	h.mu.Unlock()
	h.sessions.Done()
}

func (h *Hub) sendReplay(c *Client, msg *models.Message) {
	h.sendWait(c, &wire.ServerFrame{
		Kind:           wire.KindReplay,
		ID:             msg.ID,
		Type:           msg.Type,
		Payload:        msg.Payload,
		SenderID:       msg.SenderID,
		Timestamp:      msg.Timestamp.UnixMilli(),
		SenderMetadata: msg.SenderMetadata,
		Attachment:     msg.Attachment,
	})
	metrics.ReplayedRows.Inc()
}

// leave removes the connection and, when its participant's connection count
// reaches zero, persists and broadcasts the leave presence event. The whole
// sequence runs under the publish mutex, and the registry entry is torn down
// only after the leave row exists: a join racing the teardown either lands in
// this entry (and receives the leave live) or in a successor entry created
// after the delete (and replays the row). Persistence failures are swallowed:
// during the shutdown window the store may already be closing.
func (h *Hub) leave(ctx context.Context, ch *channelState, c *Client) {
	ch.publishMu.Lock()
	defer ch.publishMu.Unlock()

	h.mu.Lock()
	delete(ch.clients, c)

	var lastMetadata json.RawMessage
	gone := false
	if p, ok := ch.roster[c.identity]; ok {
		p.ConnectionCount--
		if p.ConnectionCount <= 0 {
			lastMetadata = p.Metadata
			delete(ch.roster, c.identity)
			gone = true
		}
	}
	h.mu.Unlock()

	if gone {
		h.persistPresence(ctx, ch, c.identity, models.PresenceLeave, lastMetadata, nil, nil)
	}

	h.mu.Lock()
	if len(ch.clients) == 0 && h.channels[ch.name] == ch {
		delete(h.channels, ch.name)
		metrics.ChannelsActive.Set(float64(len(h.channels)))
	}
	h.mu.Unlock()
}

// Shutdown terminates all live connections so their leave events persist,
// then waits for session bookkeeping to finish. The store must be closed by
// the caller only after Shutdown returns.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	var clients []*Client
	for _, ch := range h.channels {
		for c := range ch.clients {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.closeWithCode(websocket.CloseGoingAway, "broker shutting down")
	}

	finished := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ChannelStats is a point-in-time view of one live channel.
type ChannelStats struct {
	Channel      string               `json:"channel"`
	ContextID    string               `json:"context_id,omitempty"`
	Connections  int                  `json:"connections"`
	Participants []models.Participant `json:"participants"`
}

// Stats snapshots the live registry for the channels listing endpoint.
func (h *Hub) Stats() []ChannelStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ChannelStats, 0, len(h.channels))
	for _, ch := range h.channels {
		cs := ChannelStats{
			Channel:     ch.name,
			ContextID:   ch.contextID,
			Connections: len(ch.clients),
		}
		for _, p := range ch.roster {
			cs.Participants = append(cs.Participants, *p)
		}
		out = append(out, cs)
	}
	return out
}
