package hub_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/hubd/internal/api"
	"github.com/eldtechnologies/hubd/internal/auth"
	"github.com/eldtechnologies/hubd/internal/config"
	"github.com/eldtechnologies/hubd/internal/hub"
	"github.com/eldtechnologies/hubd/internal/models"
	"github.com/eldtechnologies/hubd/internal/store"
	"github.com/eldtechnologies/hubd/internal/wire"
)

type testBroker struct {
	srv       *httptest.Server
	store     store.MessageStore
	hub       *hub.Hub
	validator *auth.HMACValidator
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	return newTestBrokerWith(t, store.NewMemoryStore())
}

func newTestBrokerWith(t *testing.T, st store.MessageStore) *testBroker {
	t.Helper()

	validator, err := auth.NewHMACValidator("test-secret", 0)
	if err != nil {
		t.Fatal(err)
	}
	h := hub.New(st, zerolog.Nop(), hub.DefaultOptions())
	router := api.NewRouter(&config.Config{Env: "test"}, zerolog.Nop(), h, st, validator)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testBroker{srv: srv, store: st, hub: h, validator: validator}
}

func (b *testBroker) token(t *testing.T, subject string) string {
	t.Helper()
	token, err := b.validator.Mint(subject, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

// dial opens a raw WebSocket to /ws with the given query values.
func (b *testBroker) dial(t *testing.T, q url.Values) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws?" + q.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (b *testBroker) join(t *testing.T, identity, channel string, extra url.Values) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	q.Set("token", b.token(t, identity))
	q.Set("channel", channel)
	for k, vs := range extra {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	return b.dial(t, q)
}

func readFrame(t *testing.T, conn *websocket.Conn) (*wire.ServerFrame, error) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	meta := data
	var attachment []byte
	if msgType == websocket.BinaryMessage {
		meta, attachment, err = wire.DecodeBinary(data)
		if err != nil {
			t.Fatal(err)
		}
	}
	var frame wire.ServerFrame
	if err := json.Unmarshal(meta, &frame); err != nil {
		t.Fatal(err)
	}
	frame.Attachment = attachment
	return &frame, nil
}

// readUntil consumes frames until pred matches, failing on socket close.
func readUntil(t *testing.T, conn *websocket.Conn, pred func(*wire.ServerFrame) bool) *wire.ServerFrame {
	t.Helper()
	for {
		frame, err := readFrame(t, conn)
		if err != nil {
			t.Fatalf("connection closed while waiting for frame: %v", err)
		}
		if pred(frame) {
			return frame
		}
	}
}

func waitReady(t *testing.T, conn *websocket.Conn) *wire.ServerFrame {
	t.Helper()
	return readUntil(t, conn, func(f *wire.ServerFrame) bool { return f.Kind == wire.KindReady })
}

// assertClosedWith reads until the peer closes the socket and verifies the
// close code.
func assertClosedWith(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	for {
		_, err := readFrame(t, conn)
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("expected close error, got %v", err)
		}
		if closeErr.Code != code {
			t.Fatalf("expected close code %d, got %d (%s)", code, closeErr.Code, closeErr.Text)
		}
		return
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

// waitStore polls the backing store until pred passes.
func waitStore(t *testing.T, b *testBroker, pred func([]models.Message) bool) []models.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rows, err := b.store.Query(context.Background(), "c1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if pred(rows) {
			return rows
		}
		if time.Now().After(deadline) {
			t.Fatalf("store never reached expected state; have %d rows", len(rows))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func presenceEvents(t *testing.T, rows []models.Message, identity string) []string {
	t.Helper()
	var events []string
	for _, row := range rows {
		if row.Type != models.TypePresence || row.SenderID != identity {
			continue
		}
		var p models.PresencePayload
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			t.Fatal(err)
		}
		events = append(events, p.Event)
	}
	return events
}

func TestJoinMissingChannel(t *testing.T) {
	b := newTestBroker(t)
	q := url.Values{}
	q.Set("token", b.token(t, "u1"))
	conn := b.dial(t, q)
	assertClosedWith(t, conn, hub.CloseMissingChannel)
}

func TestJoinBadToken(t *testing.T) {
	b := newTestBroker(t)
	q := url.Values{}
	q.Set("token", "not-a-token")
	q.Set("channel", "c1")
	conn := b.dial(t, q)
	assertClosedWith(t, conn, hub.CloseUnauthorized)
}

func TestJoinInvalidMetadata(t *testing.T) {
	b := newTestBroker(t)
	conn := b.join(t, "u1", "c1", url.Values{"metadata": {`[1,2,3]`}})
	assertClosedWith(t, conn, hub.CloseInvalidMetadata)
}

func TestContextBinding(t *testing.T) {
	b := newTestBroker(t)

	a := b.join(t, "u1", "c1", url.Values{"contextId": {"ctx1"}})
	ready := waitReady(t, a)
	if ready.ContextID != "ctx1" {
		t.Fatalf("expected ready with ctx1, got %q", ready.ContextID)
	}

	row, err := b.store.GetChannel(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if row == nil || row.ContextID != "ctx1" || row.CreatedBy != "u1" {
		t.Fatalf("channel row not created correctly: %+v", row)
	}

	// A second client with a different context id is rejected; A stays open.
	mismatched := b.join(t, "u2", "c1", url.Values{"contextId": {"ctx2"}})
	assertClosedWith(t, mismatched, hub.CloseContextMismatch)

	// A client without a context id adopts the binding.
	c := b.join(t, "u3", "c1", nil)
	if ready := waitReady(t, c); ready.ContextID != "ctx1" {
		t.Fatalf("expected adopted ctx1, got %q", ready.ContextID)
	}

	// A is still usable.
	sendJSON(t, a, map[string]any{"action": "publish", "type": "chat", "payload": "hi"})
	readUntil(t, a, func(f *wire.ServerFrame) bool {
		return f.Kind == wire.KindPersisted && f.Type == "chat"
	})
}

func TestContextUnboundRejected(t *testing.T) {
	b := newTestBroker(t)

	a := b.join(t, "u1", "c1", nil)
	waitReady(t, a)

	// The live channel is context-free; supplying a context id now fails.
	late := b.join(t, "u2", "c1", url.Values{"contextId": {"ctx1"}})
	assertClosedWith(t, late, hub.CloseContextUnbound)
}

func TestContextFreeChannelHasNoRow(t *testing.T) {
	b := newTestBroker(t)

	a := b.join(t, "u1", "c1", nil)
	if ready := waitReady(t, a); ready.ContextID != "" {
		t.Fatalf("expected empty context id, got %q", ready.ContextID)
	}

	row, err := b.store.GetChannel(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Fatalf("context-free channel must not be persisted: %+v", row)
	}
}

func TestPublishRefSplit(t *testing.T) {
	b := newTestBroker(t)

	a := b.join(t, "u1", "c1", nil)
	waitReady(t, a)
	bb := b.join(t, "u2", "c1", nil)
	waitReady(t, bb)

	sendJSON(t, a, map[string]any{
		"action": "publish", "type": "chat", "payload": "hi", "persist": true, "ref": 7,
	})

	got := readUntil(t, a, func(f *wire.ServerFrame) bool {
		return f.Kind == wire.KindPersisted && f.Type == "chat"
	})
	if string(got.Ref) != "7" {
		t.Fatalf("sender copy must carry ref, got %q", got.Ref)
	}
	if got.ID == 0 || got.SenderID != "u1" {
		t.Fatalf("unexpected sender frame: %+v", got)
	}

	other := readUntil(t, bb, func(f *wire.ServerFrame) bool {
		return f.Kind == wire.KindPersisted && f.Type == "chat"
	})
	if other.Ref != nil {
		t.Fatalf("ref leaked to non-sender: %s", other.Ref)
	}
	if other.ID != got.ID {
		t.Fatalf("recipients saw different ids: %d vs %d", other.ID, got.ID)
	}
	if string(other.Payload) != `"hi"` {
		t.Fatalf("payload corrupted: %s", other.Payload)
	}
}

func TestEphemeralNeverReplayed(t *testing.T) {
	b := newTestBroker(t)

	a := b.join(t, "u1", "c1", nil)
	waitReady(t, a)
	bb := b.join(t, "u2", "c1", nil)
	waitReady(t, bb)

	sendJSON(t, a, map[string]any{
		"action": "publish", "type": "cursor", "payload": 42, "persist": false,
	})

	got := readUntil(t, bb, func(f *wire.ServerFrame) bool { return f.Kind == wire.KindEphemeral })
	if got.ID != 0 || got.Type != "cursor" {
		t.Fatalf("unexpected ephemeral frame: %+v", got)
	}

	// A reconnecting client replaying from the beginning must not see it.
	c := b.join(t, "u3", "c1", url.Values{"sinceId": {"0"}})
	for {
		frame, err := readFrame(t, c)
		if err != nil {
			t.Fatal(err)
		}
		if frame.Kind == wire.KindReady {
			break
		}
		if frame.Type == "cursor" {
			t.Fatal("ephemeral message appeared in replay")
		}
	}
}

func TestLeavePersistedExactlyOnce(t *testing.T) {
	b := newTestBroker(t)

	observer := b.join(t, "watcher", "c1", nil)
	waitReady(t, observer)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = b.join(t, "u1", "c1", nil)
		waitReady(t, conns[i])
	}

	// Exactly one join event despite three connections.
	rows := waitStore(t, b, func(rows []models.Message) bool {
		return len(presenceEvents(t, rows, "u1")) >= 1
	})
	if events := presenceEvents(t, rows, "u1"); len(events) != 1 || events[0] != models.PresenceJoin {
		t.Fatalf("expected single join event, got %v", events)
	}

	// Closing two of three connections must not produce a leave.
	conns[1].Close()
	conns[0].Close()
	time.Sleep(100 * time.Millisecond)
	rows = waitStore(t, b, func([]models.Message) bool { return true })
	if events := presenceEvents(t, rows, "u1"); len(events) != 1 {
		t.Fatalf("premature leave event: %v", events)
	}

	// Closing the last one produces exactly one leave.
	conns[2].Close()
	rows = waitStore(t, b, func(rows []models.Message) bool {
		return len(presenceEvents(t, rows, "u1")) == 2
	})
	events := presenceEvents(t, rows, "u1")
	if events[1] != models.PresenceLeave {
		t.Fatalf("expected leave event, got %v", events)
	}
}

func TestReplayPresenceFirstThenBacklog(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	// Seed 3 presence events then 7 chat messages, ids 1-10.
	for i := 0; i < 3; i++ {
		payload, _ := json.Marshal(models.PresencePayload{Event: models.PresenceJoin})
		if _, err := b.store.Insert(ctx, &models.Message{
			Channel: "c1", Type: models.TypePresence, Payload: payload,
			SenderID: fmt.Sprintf("u%d", i), Timestamp: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 7; i++ {
		if _, err := b.store.Insert(ctx, &models.Message{
			Channel: "c1", Type: "chat", Payload: json.RawMessage(fmt.Sprintf(`%d`, i)),
			SenderID: "u1", Timestamp: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	conn := b.join(t, "u9", "c1", url.Values{"sinceId": {"5"}})

	var got []*wire.ServerFrame
	for {
		frame, err := readFrame(t, conn)
		if err != nil {
			t.Fatal(err)
		}
		if frame.Kind == wire.KindReady {
			break
		}
		got = append(got, frame)
	}

	wantIDs := []int64{1, 2, 3, 6, 7, 8, 9, 10}
	if len(got) != len(wantIDs) {
		t.Fatalf("expected %d replay frames, got %d", len(wantIDs), len(got))
	}
	for i, frame := range got {
		if frame.Kind != wire.KindReplay {
			t.Fatalf("frame %d has kind %q", i, frame.Kind)
		}
		if frame.ID != wantIDs[i] {
			t.Fatalf("frame %d has id %d, want %d", i, frame.ID, wantIDs[i])
		}
		wantType := "chat"
		if i < 3 {
			wantType = models.TypePresence
		}
		if frame.Type != wantType {
			t.Fatalf("frame %d has type %q, want %q", i, frame.Type, wantType)
		}
	}
}

func TestNoBacklogWithoutSinceID(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := b.store.Insert(ctx, &models.Message{
			Channel: "c1", Type: "chat", Payload: json.RawMessage(`1`),
			SenderID: "u1", Timestamp: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	conn := b.join(t, "u2", "c1", nil)
	frame, err := readFrame(t, conn)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Kind != wire.KindReady {
		t.Fatalf("expected immediate ready without sinceId, got %q frame", frame.Kind)
	}
}

func TestBinaryPublishAndReplay(t *testing.T) {
	b := newTestBroker(t)

	a := b.join(t, "u1", "c1", nil)
	waitReady(t, a)
	bb := b.join(t, "u2", "c1", nil)
	waitReady(t, bb)

	attachment := make([]byte, 1<<20)
	for i := range attachment {
		attachment[i] = byte(i * 7)
	}
	meta, err := json.Marshal(map[string]any{
		"action": "publish", "type": "file", "payload": map[string]any{"name": "a.bin"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.WriteMessage(websocket.BinaryMessage, wire.EncodeBinary(meta, attachment)); err != nil {
		t.Fatal(err)
	}

	live := readUntil(t, bb, func(f *wire.ServerFrame) bool {
		return f.Kind == wire.KindPersisted && f.Type == "file"
	})
	if !bytes.Equal(live.Attachment, attachment) {
		t.Fatal("live attachment bytes differ")
	}
	if string(live.Payload) != `{"name":"a.bin"}` {
		t.Fatalf("payload corrupted: %s", live.Payload)
	}

	// Replay reproduces the identical byte sequence.
	c := b.join(t, "u3", "c1", url.Values{"sinceId": {"0"}})
	replayed := readUntil(t, c, func(f *wire.ServerFrame) bool {
		return f.Kind == wire.KindReplay && f.Type == "file"
	})
	if replayed.ID != live.ID {
		t.Fatalf("replayed id %d, want %d", replayed.ID, live.ID)
	}
	if !bytes.Equal(replayed.Attachment, attachment) {
		t.Fatal("replayed attachment bytes differ")
	}
}

func TestUpdateMetadata(t *testing.T) {
	b := newTestBroker(t)

	a := b.join(t, "u1", "c1", nil)
	waitReady(t, a)
	bb := b.join(t, "u2", "c1", nil)
	waitReady(t, bb)

	sendJSON(t, a, map[string]any{
		"action": "update-metadata", "payload": map[string]any{"name": "Ada"}, "ref": "r1",
	})

	mine := readUntil(t, a, func(f *wire.ServerFrame) bool {
		return f.Kind == wire.KindPersisted && f.Type == models.TypePresence && f.SenderID == "u1" && f.Ref != nil
	})
	var p models.PresencePayload
	if err := json.Unmarshal(mine.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Event != models.PresenceUpdate || string(p.Metadata) != `{"name":"Ada"}` {
		t.Fatalf("unexpected presence payload: %+v", p)
	}
	if string(mine.Ref) != `"r1"` {
		t.Fatalf("ref not echoed to requester: %s", mine.Ref)
	}

	theirs := readUntil(t, bb, func(f *wire.ServerFrame) bool {
		var pp models.PresencePayload
		_ = json.Unmarshal(f.Payload, &pp)
		return f.Type == models.TypePresence && f.SenderID == "u1" && pp.Event == models.PresenceUpdate
	})
	if theirs.Ref != nil {
		t.Fatalf("ref leaked: %s", theirs.Ref)
	}
}

func TestUpdateMetadataRejectsNonObject(t *testing.T) {
	b := newTestBroker(t)

	a := b.join(t, "u1", "c1", nil)
	waitReady(t, a)

	sendJSON(t, a, map[string]any{"action": "update-metadata", "payload": []int{1, 2}, "ref": 3})

	frame := readUntil(t, a, func(f *wire.ServerFrame) bool { return f.Kind == wire.KindError })
	if string(frame.Ref) != "3" {
		t.Fatalf("error frame must echo ref, got %s", frame.Ref)
	}

	// The connection remains usable after a protocol error.
	sendJSON(t, a, map[string]any{"action": "publish", "type": "chat", "payload": "still here"})
	readUntil(t, a, func(f *wire.ServerFrame) bool {
		return f.Kind == wire.KindPersisted && f.Type == "chat"
	})
}

func TestUnknownActionKeepsConnectionOpen(t *testing.T) {
	b := newTestBroker(t)

	a := b.join(t, "u1", "c1", nil)
	waitReady(t, a)

	sendJSON(t, a, map[string]any{"action": "subscribe"})
	readUntil(t, a, func(f *wire.ServerFrame) bool { return f.Kind == wire.KindError })

	sendJSON(t, a, map[string]any{"action": "publish", "type": "chat", "payload": 1})
	readUntil(t, a, func(f *wire.ServerFrame) bool { return f.Kind == wire.KindPersisted })
}

func TestPublishRequiresType(t *testing.T) {
	b := newTestBroker(t)

	a := b.join(t, "u1", "c1", nil)
	waitReady(t, a)

	sendJSON(t, a, map[string]any{"action": "publish", "payload": 1, "ref": 9})
	frame := readUntil(t, a, func(f *wire.ServerFrame) bool { return f.Kind == wire.KindError })
	if string(frame.Ref) != "9" {
		t.Fatalf("error must echo ref: %s", frame.Ref)
	}
}

func TestJoinMetadataSnapshot(t *testing.T) {
	b := newTestBroker(t)

	a := b.join(t, "u1", "c1", url.Values{"metadata": {`{"name":"Ada"}`}})
	waitReady(t, a)

	// The join presence event carries the initial metadata.
	join := readUntil(t, a, func(f *wire.ServerFrame) bool { return f.Type == models.TypePresence })
	var p models.PresencePayload
	if err := json.Unmarshal(join.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Event != models.PresenceJoin || string(p.Metadata) != `{"name":"Ada"}` {
		t.Fatalf("join event missing metadata: %+v", p)
	}

	// Published messages carry the sender metadata snapshot.
	sendJSON(t, a, map[string]any{"action": "publish", "type": "chat", "payload": 1})
	got := readUntil(t, a, func(f *wire.ServerFrame) bool { return f.Kind == wire.KindPersisted && f.Type == "chat" })
	if string(got.SenderMetadata) != `{"name":"Ada"}` {
		t.Fatalf("sender metadata snapshot missing: %s", got.SenderMetadata)
	}
}

func TestShutdownPersistsLeaves(t *testing.T) {
	b := newTestBroker(t)

	a := b.join(t, "u1", "c1", nil)
	waitReady(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.hub.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	rows, err := b.store.Query(context.Background(), "c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	events := presenceEvents(t, rows, "u1")
	if len(events) != 2 || events[1] != models.PresenceLeave {
		t.Fatalf("expected join+leave after shutdown, got %v", events)
	}

	assertClosedWith(t, a, websocket.CloseGoingAway)
}

// blockingLeaveStore stalls one leave-event insert until released, holding
// the channel in the window between the last disconnect and its durable
// leave row.
type blockingLeaveStore struct {
	store.MessageStore
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (s *blockingLeaveStore) Insert(ctx context.Context, msg *models.Message) (int64, error) {
	if msg.Type == models.TypePresence {
		var p models.PresencePayload
		_ = json.Unmarshal(msg.Payload, &p)
		if p.Event == models.PresenceLeave {
			s.mu.Lock()
			armed := s.armed
			s.armed = false
			s.mu.Unlock()
			if armed {
				close(s.entered)
				<-s.release
			}
		}
	}
	return s.MessageStore.Insert(ctx, msg)
}

func TestLeaveVisibleToJoinDuringDisconnect(t *testing.T) {
	gate := &blockingLeaveStore{
		MessageStore: store.NewMemoryStore(),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	b := newTestBrokerWith(t, gate)

	a := b.join(t, "u1", "c1", nil)
	waitReady(t, a)

	gate.mu.Lock()
	gate.armed = true
	gate.mu.Unlock()
	a.Close()
	<-gate.entered

	// u1's leave insert is in flight. A joiner arriving now must still
	// observe the leave, via replay or live broadcast.
	c := b.join(t, "u2", "c1", nil)
	close(gate.release)

	readUntil(t, c, func(f *wire.ServerFrame) bool {
		if f.Type != models.TypePresence || f.SenderID != "u1" {
			return false
		}
		var p models.PresencePayload
		_ = json.Unmarshal(f.Payload, &p)
		return p.Event == models.PresenceLeave
	})
}

// lateRowStore makes the durable channel row appear just after a registry
// and store miss, as a racing creator would.
type lateRowStore struct {
	store.MessageStore
	once sync.Once
}

func (s *lateRowStore) GetChannel(ctx context.Context, channel string) (*models.Channel, error) {
	row, err := s.MessageStore.GetChannel(ctx, channel)
	if err == nil && row == nil {
		s.once.Do(func() {
			_ = s.MessageStore.CreateChannel(ctx, channel, "ctx1", "u9")
		})
	}
	return row, err
}

func TestEntryAdoptsRowCreatedDuringBind(t *testing.T) {
	b := newTestBrokerWith(t, &lateRowStore{MessageStore: store.NewMemoryStore()})

	// The row lands after this session resolved a context-free channel; the
	// live entry must adopt the row's binding, not shadow it.
	a := b.join(t, "u1", "c1", nil)
	if ready := waitReady(t, a); ready.ContextID != "ctx1" {
		t.Fatalf("entry did not adopt the durable binding, got %q", ready.ContextID)
	}

	c := b.join(t, "u2", "c1", url.Values{"contextId": {"ctx1"}})
	if ready := waitReady(t, c); ready.ContextID != "ctx1" {
		t.Fatalf("expected ctx1 for later joiner, got %q", ready.ContextID)
	}
}

func TestRosterMatchesLastUpdateEvent(t *testing.T) {
	b := newTestBroker(t)

	c1 := b.join(t, "u1", "c1", nil)
	waitReady(t, c1)
	c2 := b.join(t, "u1", "c1", nil)
	waitReady(t, c2)

	const rounds = 10
	var wg sync.WaitGroup
	for i, conn := range []*websocket.Conn{c1, c2} {
		wg.Add(1)
		go func(i int, conn *websocket.Conn) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				data, err := json.Marshal(map[string]any{
					"action":  "update-metadata",
					"payload": map[string]any{"conn": i, "round": r},
				})
				if err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}(i, conn)
	}
	wg.Wait()

	var updates []json.RawMessage
	waitStore(t, b, func(rows []models.Message) bool {
		updates = updates[:0]
		for _, row := range rows {
			if row.Type != models.TypePresence {
				continue
			}
			var p models.PresencePayload
			if err := json.Unmarshal(row.Payload, &p); err != nil {
				t.Fatal(err)
			}
			if p.Event == models.PresenceUpdate {
				updates = append(updates, p.Metadata)
			}
		}
		return len(updates) == 2*rounds
	})

	// The last persisted update event and the live roster must agree, or a
	// replaying client reconstructs a different roster than the live one.
	last := updates[len(updates)-1]
	for _, cs := range b.hub.Stats() {
		if cs.Channel != "c1" {
			continue
		}
		for _, p := range cs.Participants {
			if p.ID != "u1" {
				continue
			}
			if string(p.Metadata) != string(last) {
				t.Fatalf("roster %s diverged from last event %s", p.Metadata, last)
			}
			return
		}
	}
	t.Fatal("participant u1 missing from stats")
}

func TestReplayLargerThanSendBuffer(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	payload := json.RawMessage(`"` + strings.Repeat("x", 1024) + `"`)
	const n = 1500
	for i := 0; i < n; i++ {
		if _, err := b.store.Insert(ctx, &models.Message{
			Channel: "c1", Type: "chat", Payload: payload,
			SenderID: "u1", Timestamp: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	conn := b.join(t, "u2", "c1", url.Values{"sinceId": {"0"}})
	// Let the burst outpace the drain before reading anything.
	time.Sleep(200 * time.Millisecond)

	replayed := 0
	for {
		frame, err := readFrame(t, conn)
		if err != nil {
			t.Fatalf("connection lost after %d replay frames: %v", replayed, err)
		}
		if frame.Kind == wire.KindReady {
			break
		}
		replayed++
	}
	if replayed != n {
		t.Fatalf("expected %d replay frames, got %d", n, replayed)
	}
}

func TestEquivalentMetadataKeyOrderNoUpdate(t *testing.T) {
	b := newTestBroker(t)

	c1 := b.join(t, "u1", "c1", url.Values{"metadata": {`{"a":1,"b":2}`}})
	waitReady(t, c1)
	c2 := b.join(t, "u1", "c1", url.Values{"metadata": {`{"b":2,"a":1}`}})
	waitReady(t, c2)

	// A publish serializes behind any bind-time presence insert, so after its
	// frame returns the event log is settled.
	sendJSON(t, c2, map[string]any{"action": "publish", "type": "chat", "payload": 1})
	readUntil(t, c2, func(f *wire.ServerFrame) bool {
		return f.Kind == wire.KindPersisted && f.Type == "chat"
	})

	rows, err := b.store.Query(context.Background(), "c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if events := presenceEvents(t, rows, "u1"); len(events) != 1 || events[0] != models.PresenceJoin {
		t.Fatalf("reordered keys must not produce an update event, got %v", events)
	}
}
