// Package hubwire provides a Go client for the hubd channel broker.
package hubwire

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/eldtechnologies/hubd/internal/wire"
)

// DialOptions configure one connection to a channel.
type DialOptions struct {
	Token     string
	Channel   string
	ContextID string
	// SinceID requests backlog replay for ids greater than the value.
	// Negative means no backlog.
	SinceID int64
	// Metadata is the participant's initial metadata; must be a JSON object
	// when set.
	Metadata json.RawMessage
}

// Client is one live connection to a broker channel.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to the broker's /ws endpoint and returns once the socket is
// established. The first frames received are replayed history followed by a
// ready frame.
func Dial(ctx context.Context, baseURL string, opts DialOptions) (*Client, error) {
	if opts.Channel == "" {
		return nil, fmt.Errorf("channel is required")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	q := u.Query()
	q.Set("token", opts.Token)
	q.Set("channel", opts.Channel)
	if opts.ContextID != "" {
		q.Set("contextId", opts.ContextID)
	}
	if opts.SinceID >= 0 {
		q.Set("sinceId", strconv.FormatInt(opts.SinceID, 10))
	}
	if opts.Metadata != nil {
		q.Set("metadata", string(opts.Metadata))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Next blocks for the next server frame, decoding the binary envelope when
// the frame carries an attachment.
func (c *Client) Next() (*wire.ServerFrame, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	meta := data
	var attachment []byte
	if msgType == websocket.BinaryMessage {
		meta, attachment, err = wire.DecodeBinary(data)
		if err != nil {
			return nil, err
		}
	}

	var frame wire.ServerFrame
	if err := json.Unmarshal(meta, &frame); err != nil {
		return nil, err
	}
	frame.Attachment = attachment
	return &frame, nil
}

// Publish sends a typed message. persist selects durable storage; ref, when
// non-nil, is echoed back only on this client's copy of the broadcast.
func (c *Client) Publish(msgType string, payload any, persist bool, ref json.RawMessage) error {
	frame, err := publishFrame(msgType, payload, persist, ref)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// PublishBinary sends a typed message with a raw attachment using the binary
// envelope.
func (c *Client) PublishBinary(msgType string, payload any, attachment []byte, persist bool, ref json.RawMessage) error {
	frame, err := publishFrame(msgType, payload, persist, ref)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, wire.EncodeBinary(meta, attachment))
}

// UpdateMetadata replaces this identity's participant metadata; metadata must
// marshal to a JSON object.
func (c *Client) UpdateMetadata(metadata any, ref json.RawMessage) error {
	payload, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	data, err := json.Marshal(&wire.ClientFrame{
		Action:  wire.ActionUpdateMetadata,
		Payload: payload,
		Ref:     ref,
	})
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

func publishFrame(msgType string, payload any, persist bool, ref json.RawMessage) (*wire.ClientFrame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame := &wire.ClientFrame{
		Action:  wire.ActionPublish,
		Type:    msgType,
		Payload: raw,
		Ref:     ref,
	}
	if !persist {
		frame.Persist = &persist
	}
	return frame, nil
}
