// Package wire defines the frames exchanged over a broker WebSocket and the
// binary envelope used when a message carries a raw attachment.
//
// Frame-type detection is authoritative at the socket layer: a WebSocket text
// frame is always plain JSON, a WebSocket binary frame always uses the binary
// envelope. The envelope's leading marker byte is defense-in-depth only.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Server -> client frame kinds.
const (
	KindReplay    = "replay"
	KindPersisted = "persisted"
	KindEphemeral = "ephemeral"
	KindReady     = "ready"
	KindError     = "error"
)

// Client -> server actions.
const (
	ActionPublish        = "publish"
	ActionUpdateMetadata = "update-metadata"
)

var (
	// ErrBadFrame indicates a frame that could not be decoded at all.
	ErrBadFrame = errors.New("malformed frame")
	// ErrUnknownAction indicates a well-formed frame with an unrecognized
	// action tag.
	ErrUnknownAction = errors.New("unknown action")
)

// ServerFrame is a server -> client message. Attachment, when set, travels in
// the binary envelope rather than inside the JSON body.
type ServerFrame struct {
	Kind           string          `json:"kind"`
	ID             int64           `json:"id,omitempty"`
	Type           string          `json:"type,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SenderID       string          `json:"sender_id,omitempty"`
	Timestamp      int64           `json:"ts,omitempty"`
	SenderMetadata json.RawMessage `json:"sender_metadata,omitempty"`
	ContextID      string          `json:"context_id,omitempty"`
	Error          string          `json:"error,omitempty"`
	Ref            json.RawMessage `json:"ref,omitempty"`
	Attachment     []byte          `json:"-"`
}

// ClientFrame is a client -> server message. Persist defaults to true when
// absent.
type ClientFrame struct {
	Action     string          `json:"action"`
	Type       string          `json:"type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Persist    *bool           `json:"persist,omitempty"`
	Ref        json.RawMessage `json:"ref,omitempty"`
	Attachment []byte          `json:"-"`
}

// ShouldPersist reports whether the frame asks for durable storage.
func (f *ClientFrame) ShouldPersist() bool {
	return f.Persist == nil || *f.Persist
}

// EncodeServer serializes the frame, choosing the binary envelope when an
// attachment is present. The second return reports whether the bytes must be
// sent as a WebSocket binary frame.
func EncodeServer(f *ServerFrame) ([]byte, bool, error) {
	meta, err := json.Marshal(f)
	if err != nil {
		return nil, false, err
	}
	if f.Attachment == nil {
		return meta, false, nil
	}
	return EncodeBinary(meta, f.Attachment), true, nil
}

// DecodeClient parses an inbound frame. binary selects the envelope decoding
// path and must reflect the WebSocket opcode of the frame.
func DecodeClient(data []byte, binary bool) (*ClientFrame, error) {
	meta := data
	var attachment []byte
	if binary {
		var err error
		meta, attachment, err = DecodeBinary(data)
		if err != nil {
			return nil, err
		}
	}

	var frame ClientFrame
	if err := json.Unmarshal(meta, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	switch frame.Action {
	case ActionPublish, ActionUpdateMetadata:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, frame.Action)
	}

	frame.Attachment = attachment
	return &frame, nil
}

// The binary envelope: 1 marker byte, a little-endian uint32 length of the
// JSON metadata blob, the metadata bytes, then the raw attachment to
// end-of-frame.
const (
	binaryMarker    = 0x00
	binaryHeaderLen = 5
)

// EncodeBinary wraps metadata JSON and attachment bytes in the envelope.
func EncodeBinary(meta, attachment []byte) []byte {
	buf := make([]byte, binaryHeaderLen, binaryHeaderLen+len(meta)+len(attachment))
	buf[0] = binaryMarker
	binary.LittleEndian.PutUint32(buf[1:], uint32(len(meta)))
	buf = append(buf, meta...)
	buf = append(buf, attachment...)
	return buf
}

// DecodeBinary splits an envelope into its metadata JSON and attachment
// bytes. The attachment may be empty but is never nil on success.
func DecodeBinary(frame []byte) (meta, attachment []byte, err error) {
	if len(frame) < binaryHeaderLen {
		return nil, nil, fmt.Errorf("%w: truncated binary header", ErrBadFrame)
	}
	if frame[0] != binaryMarker {
		return nil, nil, fmt.Errorf("%w: unexpected marker byte %#x", ErrBadFrame, frame[0])
	}
	metaLen := binary.LittleEndian.Uint32(frame[1:binaryHeaderLen])
	if uint32(len(frame)-binaryHeaderLen) < metaLen {
		return nil, nil, fmt.Errorf("%w: metadata length exceeds frame", ErrBadFrame)
	}
	meta = frame[binaryHeaderLen : binaryHeaderLen+metaLen]
	attachment = frame[binaryHeaderLen+metaLen:]
	return meta, attachment, nil
}
