package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ShreyashPG/Distributed-Chat-Application/internal/auth"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/envelope"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/persistence"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/presence"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/relay"
	"github.com/gofiber/contrib/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

func TestRouterGreetsNewConnection(t *testing.T) {
	store := presence.NewMemoryStore()
	ctx := context.Background()
	for _, room := range []string{"general", "random"} {
		if err := store.AppendRoomToGlobalList(ctx, room); err != nil {
			t.Fatalf("seed rooms: %v", err)
		}
	}
	node := startTestNode(t, "APP1", relay.NewBus(), store, nil)

	c := node.connectRaw(t, "alice")
	if got := decodeString(t, c.expect("log")); got != "App is connected to APP1" {
		t.Fatalf("unexpected greeting %q", got)
	}
	if rooms := decodeList(t, c.expect("room")); !reflect.DeepEqual(rooms, []string{"general", "random"}) {
		t.Fatalf("unexpected room list %v", rooms)
	}
	if testutil.ToFloat64(node.metrics.activeConns) != 1 {
		t.Fatal("expected one active connection")
	}
}

func TestRouterJoinAndGroupMessage(t *testing.T) {
	bus := relay.NewBus()
	node := startTestNode(t, "APP1", bus, presence.NewMemoryStore(), nil)

	alice := node.connect(t, "alice")
	bob := node.connect(t, "bob")
	carol := node.connect(t, "carol")

	alice.send(`{"event":"join","data":{"room":"general","user":"alice"}}`)
	if rooms := decodeList(t, alice.waitFor("room")); !reflect.DeepEqual(rooms, []string{"general"}) {
		t.Fatalf("unexpected room list %v", rooms)
	}
	if users := decodeList(t, alice.waitFor("roomusers")); !reflect.DeepEqual(users, []string{"alice"}) {
		t.Fatalf("unexpected roster %v", users)
	}
	if got := decodeString(t, alice.waitFor("log")); got != "App is connected at APP1" {
		t.Fatalf("unexpected join ack %q", got)
	}
	// Every connection on the node hears about the new room.
	carol.waitFor("room")

	bob.send(`{"event":"join","data":"{\"room\":\"general\"}"}`)
	if users := decodeList(t, bob.waitFor("roomusers")); !reflect.DeepEqual(users, []string{"alice", "bob"}) {
		t.Fatalf("unexpected roster for bob %v", users)
	}
	if users := decodeList(t, alice.waitFor("roomusers")); !reflect.DeepEqual(users, []string{"alice", "bob"}) {
		t.Fatalf("unexpected roster for alice %v", users)
	}

	if got := testutil.ToFloat64(node.metrics.joins.WithLabelValues("created")); got != 1 {
		t.Fatalf("expected one room creation, got %v", got)
	}
	if got := testutil.ToFloat64(node.metrics.joins.WithLabelValues("found")); got != 1 {
		t.Fatalf("expected one join of an existing room, got %v", got)
	}

	alice.drain()
	bob.drain()
	carol.drain()

	alice.send(`{"event":"message","data":{"room":"general","data":"hi","type":"text","broadcast":0,"unicast":false}}`)
	for _, c := range []*testClient{alice, bob} {
		env := decodeEnvelope(t, c.waitFor("message"))
		if env.User != "alice" || env.Room != "general" || env.Payload.Data() != "hi" {
			t.Fatalf("unexpected envelope %+v", env)
		}
		if env.Time.IsZero() {
			t.Fatal("expected the node to stamp the send time")
		}
	}
	carol.expectNone()

	saved := node.saved.all()
	if len(saved) != 1 || saved[0].User != "alice" {
		t.Fatalf("expected one persisted envelope, got %+v", saved)
	}
}

func TestRouterBroadcastReachesUnjoinedConnections(t *testing.T) {
	node := startTestNode(t, "APP1", relay.NewBus(), presence.NewMemoryStore(), nil)
	alice := node.connect(t, "alice")
	carol := node.connect(t, "carol")

	alice.send(`{"event":"message","data":{"data":"hello all","type":"text","broadcast":1}}`)
	for _, c := range []*testClient{alice, carol} {
		if env := decodeEnvelope(t, c.waitFor("message")); env.Mode != envelope.ModeBroadcast {
			t.Fatalf("expected broadcast, got %v", env.Mode)
		}
	}
}

func TestRouterUnicastFromUnjoinedSender(t *testing.T) {
	node := startTestNode(t, "APP1", relay.NewBus(), presence.NewMemoryStore(), nil)
	alice := node.connect(t, "alice")
	bob := node.connect(t, "bob")
	carol := node.connect(t, "carol")

	bob.send(`{"event":"join","data":{"room":"general"}}`)
	bob.waitFor("log")
	alice.drain()
	bob.drain()

	carol.send(`{"event":"message","data":{"data":"psst","type":"text","unicast":true,"toUser":"bob"}}`)
	if env := decodeEnvelope(t, bob.waitFor("message")); env.User != "carol" || env.ToUser != "bob" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	// The sender gets its own copy.
	if env := decodeEnvelope(t, carol.waitFor("message")); env.ToUser != "bob" {
		t.Fatalf("unexpected echo %+v", env)
	}
	alice.expectNone()
}

func TestRouterUnicastToSelfIsNotEchoedTwice(t *testing.T) {
	node := startTestNode(t, "APP1", relay.NewBus(), presence.NewMemoryStore(), nil)
	alice := node.connect(t, "alice")
	alice.send(`{"event":"join","data":{"room":"general"}}`)
	alice.waitFor("log")
	alice.drain()

	alice.send(`{"event":"message","data":{"data":"note to self","type":"text","unicast":true,"toUser":"alice"}}`)
	alice.waitFor("message")
	alice.expectNone()
}

func TestRouterRejectsInvalidRequests(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		code  string
		msg   string
	}{
		{"malformed frame", `{"event":`, codeInvalidFrame, "invalid frame"},
		{"unknown event", `{"event":"dance","data":{}}`, codeInvalidFrame, "invalid frame"},
		{"empty room", `{"event":"join","data":{"room":"  "}}`, codeValidationFailed, msgInvalidJoin},
		{"bad room name", `{"event":"join","data":{"room":"a/b"}}`, codeValidationFailed, msgInvalidJoin},
		{"room name aliases a roster", `{"event":"join","data":{"room":"general_meta"}}`, codeValidationFailed, msgInvalidJoin},
		{"room name aliases the room list", `{"event":"join","data":{"room":"roomBCHAT"}}`, codeValidationFailed, msgInvalidJoin},
		{"join as someone else", `{"event":"join","data":{"room":"general","user":"mallory"}}`, codeValidationFailed, msgInvalidJoin},
		{"group without room", `{"event":"message","data":{"data":"hi","type":"text"}}`, codeValidationFailed, "invalid message"},
		{"unicast without target", `{"event":"message","data":{"data":"hi","type":"text","unicast":true}}`, codeValidationFailed, "invalid message"},
		{"empty data", `{"event":"message","data":{"room":"general","data":"","type":"text"}}`, codeValidationFailed, "invalid message"},
		{"spoofed sender", `{"event":"message","data":{"user":"bob","room":"general","data":"hi","type":"text"}}`, codeForbidden, "sender does not match the connection identity"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			node := startTestNode(t, "APP1", relay.NewBus(), presence.NewMemoryStore(), nil)
			alice := node.connect(t, "alice")

			alice.send(tc.frame)
			code, msg := decodeError(t, alice.waitFor("error"))
			if code != tc.code || msg != tc.msg {
				t.Fatalf("expected %s %q, got %s %q", tc.code, tc.msg, code, msg)
			}
			if len(node.saved.all()) != 0 {
				t.Fatal("rejected request must not be persisted")
			}

			// The session survives non-fatal errors.
			alice.send(`{"event":"join","data":{"room":"general"}}`)
			alice.waitFor("log")
		})
	}
}

func TestRouterPersistenceFailureSkipsPublish(t *testing.T) {
	bus := relay.NewBus()
	store := presence.NewMemoryStore()
	failing := persistence.SaverFunc(func(context.Context, envelope.Envelope) error {
		return persistence.ErrPersist
	})
	node := startTestNode(t, "APP1", bus, store, failing)
	other := startTestNode(t, "APP2", bus, store, nil)

	alice := node.connect(t, "alice")
	bob := other.connect(t, "bob")
	alice.send(`{"event":"join","data":{"room":"general"}}`)
	alice.waitFor("log")
	bob.send(`{"event":"join","data":{"room":"general"}}`)
	bob.waitFor("log")
	alice.drain()
	bob.drain()

	alice.send(`{"event":"message","data":{"room":"general","data":"lost","type":"text"}}`)
	if code, msg := decodeError(t, alice.waitFor("error")); code != codeStoreFailed || msg != msgSendFailed {
		t.Fatalf("unexpected error %s %q", code, msg)
	}
	bob.expectNone()
	alice.expectNone()
}

func TestRouterPublishFailureFallsBackToLocalDelivery(t *testing.T) {
	bus := relay.NewBus()
	store := presence.NewMemoryStore()
	node := startTestNode(t, "APP1", bus, store, nil)
	other := startTestNode(t, "APP2", bus, store, nil)

	alice := node.connect(t, "alice")
	bob := node.connect(t, "bob")
	remote := other.connect(t, "dave")
	for _, c := range []*testClient{alice, bob, remote} {
		c.send(`{"event":"join","data":{"room":"general"}}`)
		c.waitFor("log")
	}
	alice.drain()
	bob.drain()
	remote.drain()

	bus.FailWith(errors.New("relay down"))
	alice.send(`{"event":"message","data":{"room":"general","data":"local only","type":"text"}}`)

	for _, c := range []*testClient{alice, bob} {
		if env := decodeEnvelope(t, c.waitFor("message")); env.Payload.Data() != "local only" {
			t.Fatalf("unexpected envelope %+v", env)
		}
	}
	if code, _ := decodeError(t, alice.waitFor("error")); code != codePublishFailed {
		t.Fatalf("expected %s, got %s", codePublishFailed, code)
	}
	remote.expectNone()
	if got := testutil.ToFloat64(node.metrics.localFallbacks); got != 1 {
		t.Fatalf("expected one local fallback, got %v", got)
	}
	if len(node.saved.all()) != 1 {
		t.Fatal("the message must still be persisted")
	}
}

func TestRouterJoinAnnouncementFailureRefreshesLocally(t *testing.T) {
	bus := relay.NewBus()
	node := startTestNode(t, "APP1", bus, presence.NewMemoryStore(), nil)
	alice := node.connect(t, "alice")
	bob := node.connect(t, "bob")

	bus.FailWith(errors.New("relay down"))
	alice.send(`{"event":"join","data":{"room":"general"}}`)
	if rooms := decodeList(t, bob.waitFor("room")); !reflect.DeepEqual(rooms, []string{"general"}) {
		t.Fatalf("unexpected room list %v", rooms)
	}
	if users := decodeList(t, alice.waitFor("roomusers")); !reflect.DeepEqual(users, []string{"alice"}) {
		t.Fatalf("unexpected roster %v", users)
	}
	alice.waitFor("log")
}

func TestRouterJoinStoreFailure(t *testing.T) {
	store := presence.NewMemoryStore()
	node := startTestNode(t, "APP1", relay.NewBus(), store, nil)
	alice := node.connect(t, "alice")

	store.FailWith(errors.New("redis unavailable"))
	alice.send(`{"event":"join","data":{"room":"general"}}`)
	if code, msg := decodeError(t, alice.waitFor("error")); code != codeStoreFailed || msg != msgJoinFailed {
		t.Fatalf("unexpected error %s %q", code, msg)
	}
	if _, ok := node.router.Registry().Lookup("alice"); ok {
		t.Fatal("failed join must not register the identity")
	}
}

func TestRouterMembershipRequiredForGroupSend(t *testing.T) {
	store := presence.NewMemoryStore()
	node := startTestNodeWith(t, "APP1", relay.NewBus(), store, nil, auth.RosterAuthorizer{Store: store})
	alice := node.connect(t, "alice")

	alice.send(`{"event":"message","data":{"room":"general","data":"hi","type":"text"}}`)
	if code, _ := decodeError(t, alice.waitFor("error")); code != codeForbidden {
		t.Fatalf("expected %s, got %s", codeForbidden, code)
	}

	alice.send(`{"event":"join","data":{"room":"general"}}`)
	alice.waitFor("log")
	alice.send(`{"event":"message","data":{"room":"general","data":"hi","type":"text"}}`)
	alice.waitFor("message")
}

func TestRouterBackpressureClosesSession(t *testing.T) {
	log := zaptest.NewLogger(t)
	rel := relay.NewBus().Connect(relay.MemoryConfig{Log: log})
	router, err := NewChatRouter(log, RouterOptions{
		NodeName:   "APP1",
		Store:      presence.NewMemoryStore(),
		Relay:      rel,
		Saver:      &savedLog{},
		SendBuffer: 2,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := rel.Subscribe(ctx, router); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Nobody drains the transport, so the send buffer overflows.
	conn := newPipeConn(1)
	done := make(chan error, 1)
	go func() { done <- router.Serve(ctx, conn, "alice") }()

	flood := []byte(`{"event":"message","data":{"data":"flood","type":"text","broadcast":1}}`)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case conn.in <- flood:
			continue
		case <-done:
		case <-deadline:
			t.Fatal("session did not close under backpressure")
		}
		break
	}
	if router.Registry().Len() != 0 {
		t.Fatal("closed session must be detached")
	}
}

func TestRouterSendCompletesAfterSessionCancelled(t *testing.T) {
	bus := relay.NewBus()
	store := presence.NewMemoryStore()
	log := zaptest.NewLogger(t).Named("APP1")
	rel := bus.Connect(relay.MemoryConfig{Log: log})
	saver := &gatedSaver{entered: make(chan struct{}, 1), release: make(chan struct{})}
	router, err := NewChatRouter(log, RouterOptions{
		NodeName: "APP1",
		Store:    store,
		Relay:    &ctxAwareRelay{Relay: rel},
		Saver:    saver,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := rel.Subscribe(ctx, router); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	node := &testNode{router: router}
	other := startTestNode(t, "APP2", bus, store, nil)

	alice := node.connect(t, "alice")
	bob := other.connect(t, "bob")
	alice.send(`{"event":"join","data":{"room":"general"}}`)
	alice.waitFor("log")
	bob.send(`{"event":"join","data":{"room":"general"}}`)
	bob.waitFor("log")
	bob.drain()

	alice.send(`{"event":"message","data":{"room":"general","data":"in flight","type":"text"}}`)
	select {
	case <-saver.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the saver")
	}
	conn, ok := router.Registry().Lookup("alice")
	if !ok {
		t.Fatal("expected alice to be registered")
	}
	conn.(*chatSession).cancel()
	close(saver.release)

	if env := decodeEnvelope(t, bob.waitFor("message")); env.Payload.Data() != "in flight" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if err := saver.ctxErr(); err != nil {
		t.Fatalf("save ran with a cancelled context: %v", err)
	}
	alice.wait()
}

func TestRouterDisconnectUnregistersIdentity(t *testing.T) {
	node := startTestNode(t, "APP1", relay.NewBus(), presence.NewMemoryStore(), nil)
	alice := node.connect(t, "alice")
	alice.send(`{"event":"join","data":{"room":"general"}}`)
	alice.waitFor("log")

	alice.close()
	if _, ok := node.router.Registry().Lookup("alice"); ok {
		t.Fatal("expected alice to be unregistered after disconnect")
	}
	if testutil.ToFloat64(node.metrics.activeConns) != 0 {
		t.Fatal("expected no active connections")
	}
}

type testNode struct {
	router  *ChatRouter
	metrics *routerMetrics
	saved   *savedLog
}

func startTestNode(t *testing.T, name string, bus *relay.Bus, store presence.Store, saver persistence.Saver) *testNode {
	return startTestNodeWith(t, name, bus, store, saver, nil)
}

func startTestNodeWith(t *testing.T, name string, bus *relay.Bus, store presence.Store, saver persistence.Saver, authz auth.Authorizer) *testNode {
	t.Helper()
	log := zaptest.NewLogger(t).Named(name)
	saved := &savedLog{}
	if saver == nil {
		saver = saved
	}
	rel := bus.Connect(relay.MemoryConfig{Log: log})
	metrics := newRouterMetrics(prometheus.NewRegistry())
	router, err := NewChatRouter(log, RouterOptions{
		NodeName:   name,
		Store:      store,
		Relay:      rel,
		Saver:      saver,
		Authorizer: authz,
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := rel.Subscribe(ctx, router); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return &testNode{router: router, metrics: metrics, saved: saved}
}

// connect opens a session and consumes the greeting.
func (n *testNode) connect(t *testing.T, identity string) *testClient {
	c := n.connectRaw(t, identity)
	c.expect("log")
	c.expect("room")
	return c
}

func (n *testNode) connectRaw(t *testing.T, identity string) *testClient {
	t.Helper()
	conn := newPipeConn(64)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.router.Serve(ctx, conn, identity) }()

	c := &testClient{t: t, conn: conn, done: done}
	t.Cleanup(func() {
		cancel()
		c.wait()
	})
	return c
}

type testClient struct {
	t    *testing.T
	conn *pipeConn
	done chan error
	once sync.Once
}

type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (c *testClient) send(frame string) {
	c.t.Helper()
	select {
	case c.conn.in <- []byte(frame):
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out writing frame")
	}
}

func (c *testClient) recv() received {
	c.t.Helper()
	select {
	case raw := <-c.conn.out:
		var r received
		if err := json.Unmarshal(raw, &r); err != nil {
			c.t.Fatalf("decode outbound frame %s: %v", raw, err)
		}
		return r
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for an event")
		return received{}
	}
}

func (c *testClient) expect(event string) received {
	c.t.Helper()
	r := c.recv()
	if r.Event != event {
		c.t.Fatalf("expected %q event, got %q: %s", event, r.Event, r.Data)
	}
	return r
}

// waitFor skips events until one named event arrives.
func (c *testClient) waitFor(event string) received {
	c.t.Helper()
	for {
		if r := c.recv(); r.Event == event {
			return r
		}
	}
}

func (c *testClient) expectNone() {
	c.t.Helper()
	select {
	case raw := <-c.conn.out:
		c.t.Fatalf("unexpected event %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func (c *testClient) drain() {
	for {
		select {
		case <-c.conn.out:
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func (c *testClient) close() {
	_ = c.conn.Close()
	c.wait()
}

func (c *testClient) wait() {
	c.once.Do(func() {
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			c.t.Error("session did not stop")
		}
	})
}

// pipeConn is an in-memory FrameConn.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn(outBuffer int) *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, outBuffer),
		closed: make(chan struct{}),
	}
}

func (p *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-p.in:
		return websocket.TextMessage, msg, nil
	case <-p.closed:
		return 0, nil, io.EOF
	}
}

func (p *pipeConn) WriteMessage(_ int, data []byte) error {
	select {
	case p.out <- append([]byte(nil), data...):
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type savedLog struct {
	mu   sync.Mutex
	envs []envelope.Envelope
}

func (s *savedLog) Save(_ context.Context, env envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return nil
}

func (s *savedLog) all() []envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]envelope.Envelope(nil), s.envs...)
}

// gatedSaver blocks Save until release is closed.
type gatedSaver struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	err     error
}

func (s *gatedSaver) Save(ctx context.Context, _ envelope.Envelope) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = ctx.Err()
	return s.err
}

func (s *gatedSaver) ctxErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ctxAwareRelay refuses to publish on a finished context, like a network
// driver would.
type ctxAwareRelay struct {
	relay.Relay
}

func (r *ctxAwareRelay) PublishMessage(ctx context.Context, env envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.Relay.PublishMessage(ctx, env)
}

func decodeString(t *testing.T, r received) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(r.Data, &s); err != nil {
		t.Fatalf("decode %s data: %v", r.Event, err)
	}
	return s
}

func decodeList(t *testing.T, r received) []string {
	t.Helper()
	var list []string
	if err := json.Unmarshal(r.Data, &list); err != nil {
		t.Fatalf("decode %s data: %v", r.Event, err)
	}
	return list
}

func decodeEnvelope(t *testing.T, r received) envelope.Envelope {
	t.Helper()
	env, err := envelope.Decode(r.Data)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func decodeError(t *testing.T, r received) (string, string) {
	t.Helper()
	var e errorData
	if err := json.Unmarshal(r.Data, &e); err != nil {
		t.Fatalf("decode error data: %v", err)
	}
	return e.Code, e.Message
}
