package hub

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/eldtechnologies/hubd/internal/metrics"
	"github.com/eldtechnologies/hubd/internal/models"
	"github.com/eldtechnologies/hubd/internal/wire"
)

// dispatch decodes one inbound frame and routes it by action. Protocol
// errors keep the connection open and surface as error frames.
func (h *Hub) dispatch(ctx context.Context, ch *channelState, c *Client, data []byte, binary bool) {
	frame, err := wire.DecodeClient(data, binary)
	if err != nil {
		h.sendError(c, err.Error(), nil)
		return
	}

	switch frame.Action {
	case wire.ActionPublish:
		h.publish(ctx, ch, c, frame)
	case wire.ActionUpdateMetadata:
		h.updateMetadata(ctx, ch, c, frame)
	}
}

// publish persists (unless persist:false) and fans the message out. The
// channel publish mutex makes insert-then-broadcast atomic per channel, so
// ids are observed in assignment order.
func (h *Hub) publish(ctx context.Context, ch *channelState, c *Client, frame *wire.ClientFrame) {
	if frame.Type == "" {
		h.sendError(c, "publish requires a type", frame.Ref)
		return
	}
	payload := frame.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}

	ch.publishMu.Lock()
	defer ch.publishMu.Unlock()

	out := &wire.ServerFrame{
		Type:           frame.Type,
		Payload:        payload,
		SenderID:       c.identity,
		Timestamp:      time.Now().UnixMilli(),
		SenderMetadata: c.metadata,
		Attachment:     frame.Attachment,
	}

	if frame.ShouldPersist() {
		msg := &models.Message{
			Channel:        ch.name,
			Type:           frame.Type,
			Payload:        payload,
			SenderID:       c.identity,
			Timestamp:      time.UnixMilli(out.Timestamp),
			SenderMetadata: c.metadata,
			Attachment:     frame.Attachment,
		}
		id, err := h.store.Insert(ctx, msg)
		if err != nil {
			h.logger.Error().Err(err).Str("channel", ch.name).Msg("insert failed")
			h.sendError(c, "persist failed", frame.Ref)
			return
		}
		metrics.MessagesPersisted.WithLabelValues("publish").Inc()
		out.Kind = wire.KindPersisted
		out.ID = id
	} else {
		metrics.MessagesEphemeral.Inc()
		out.Kind = wire.KindEphemeral
	}

	h.broadcast(ch, out, c, frame.Ref)
}

// updateMetadata replaces the connection's and participant's metadata and
// records the change as a presence update event. The roster write happens
// under the publish mutex, adjacent to the insert, so the event log and the
// live roster always agree on the order of competing updates.
func (h *Hub) updateMetadata(ctx context.Context, ch *channelState, c *Client, frame *wire.ClientFrame) {
	if !isJSONObject(frame.Payload) {
		h.sendError(c, "metadata must be an object", frame.Ref)
		return
	}

	ch.publishMu.Lock()
	defer ch.publishMu.Unlock()

	h.mu.Lock()
	c.metadata = frame.Payload
	if p, ok := ch.roster[c.identity]; ok {
		p.Metadata = frame.Payload
	}
	h.mu.Unlock()

	h.persistPresence(ctx, ch, c.identity, models.PresenceUpdate, frame.Payload, c, frame.Ref)
}

// persistPresence writes a presence event and broadcasts it. origin and ref
// apply the requester correlation split for client-initiated updates; both
// are nil for server-generated join/leave events. Persistence failures are
// logged and otherwise swallowed — leave events race store close during
// shutdown. Caller holds ch.publishMu.
func (h *Hub) persistPresence(ctx context.Context, ch *channelState, identity, event string, metadata json.RawMessage, origin *Client, ref json.RawMessage) {
	payload, err := json.Marshal(models.PresencePayload{Event: event, Metadata: metadata})
	if err != nil {
		h.logger.Error().Err(err).Msg("encode presence payload")
		return
	}

	msg := &models.Message{
		Channel:   ch.name,
		Type:      models.TypePresence,
		Payload:   payload,
		SenderID:  identity,
		Timestamp: time.Now(),
	}
	id, err := h.store.Insert(ctx, msg)
	if err != nil {
		h.logger.Debug().Err(err).
			Str("channel", ch.name).
			Str("event", event).
			Msg("presence event not persisted")
		return
	}
	metrics.MessagesPersisted.WithLabelValues("presence").Inc()

	h.broadcast(ch, &wire.ServerFrame{
		Kind:      wire.KindPersisted,
		ID:        id,
		Type:      models.TypePresence,
		Payload:   payload,
		SenderID:  identity,
		Timestamp: msg.Timestamp.UnixMilli(),
	}, origin, ref)
}

// broadcast serializes the frame exactly twice: once with the originator's
// ref and once without. Only the originating connection receives its ref, so
// correlation ids never leak to other clients.
func (h *Hub) broadcast(ch *channelState, frame *wire.ServerFrame, origin *Client, ref json.RawMessage) {
	frame.Ref = nil
	plain, binary, err := wire.EncodeServer(frame)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode broadcast")
		if origin != nil {
			h.sendError(origin, "payload not serializable", ref)
		}
		return
	}

	withRef := plain
	if origin != nil && ref != nil {
		frame.Ref = ref
		if withRef, _, err = wire.EncodeServer(frame); err != nil {
			withRef = plain
		}
		frame.Ref = nil
	}

	h.mu.Lock()
	recipients := make([]*Client, 0, len(ch.clients))
	for c := range ch.clients {
		recipients = append(recipients, c)
	}
	h.mu.Unlock()

	for _, c := range recipients {
		if c == origin {
			c.enqueue(outFrame{data: withRef, binary: binary})
		} else {
			c.enqueue(outFrame{data: plain, binary: binary})
		}
	}
	metrics.BroadcastFanout.Observe(float64(len(recipients)))
}

// send serializes a frame for a single connection.
func (h *Hub) send(c *Client, frame *wire.ServerFrame) {
	data, binary, err := wire.EncodeServer(frame)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode frame")
		return
	}
	c.enqueue(outFrame{data: data, binary: binary})
}

// sendWait is send with backpressure instead of the drop-and-close policy.
// Replay legitimately bursts past the send buffer before the peer starts
// draining, so a fresh connection must not be torn down for falling behind
// during its own backlog.
func (h *Hub) sendWait(c *Client, frame *wire.ServerFrame) {
	data, binary, err := wire.EncodeServer(frame)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode frame")
		return
	}
	c.enqueueWait(outFrame{data: data, binary: binary})
}

// sendError delivers an in-band error frame, echoing the requester's ref
// when one is known.
func (h *Hub) sendError(c *Client, message string, ref json.RawMessage) {
	h.send(c, &wire.ServerFrame{Kind: wire.KindError, Error: message, Ref: ref})
}

// isJSONObject reports whether raw is a JSON object.
func isJSONObject(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil && string(raw) != "null"
}

// jsonEqual compares two raw values structurally, so key order does not count
// as a change. Values that fail to parse fall back to byte comparison.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return string(a) == string(b)
	}
	return reflect.DeepEqual(av, bv)
}
