package bayeux

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fiffu/recordwatch/lib/auth"
	"github.com/fiffu/recordwatch/lib/metrics"
	"github.com/fiffu/recordwatch/lib/streaming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeServer answers meta requests and plays scripted replies to /meta/connect.
// Unscripted connects are held open until the client gives up on them.
type fakeServer struct {
	t        *testing.T
	connects chan func(w http.ResponseWriter)

	mu              sync.Mutex
	rejectHandshake bool
	handshakes      int
	channels        []string
	events          []string
	authorizations  []string
	tenants         []string
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var msgs []message
	if !assert.NoError(s.t, json.NewDecoder(r.Body).Decode(&msgs)) || len(msgs) == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	m := msgs[0]

	s.mu.Lock()
	s.channels = append(s.channels, m.Channel)
	s.authorizations = append(s.authorizations, r.Header.Get("Authorization"))
	s.tenants = append(s.tenants, r.Header.Get("X-Tenant-Id"))
	reject := s.rejectHandshake
	s.mu.Unlock()

	switch m.Channel {
	case channelHandshake:
		if reject {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		s.handshakes++
		s.mu.Unlock()
		writeJSON(w, []message{{Channel: m.Channel, ID: m.ID, Successful: true, ClientID: "client-1", Version: version}})

	case channelConnect:
		select {
		case script := <-s.connects:
			script(w)
		case <-r.Context().Done():
		}

	default:
		if m.Channel == channelSubscribe {
			s.record("subscribe " + m.Subscription)
		}
		writeJSON(w, []message{{Channel: m.Channel, ID: m.ID, Successful: true, Subscription: m.Subscription}})
	}
}

func (s *fakeServer) record(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *fakeServer) count(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.channels {
		if c == channel {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func reply(body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
}

func status(code int) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		http.Error(w, http.StatusText(code), code)
	}
}

type fixture struct {
	server *fakeServer
	client *Client
	events chan streaming.ControlEvent
	id     auth.Identity
}

func newFixture(t *testing.T, cfg Config) *fixture {
	server := &fakeServer{t: t, connects: make(chan func(w http.ResponseWriter))}
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	cfg.Path = "/cometd/59.0"
	if cfg.LongPollTimeout == 0 {
		cfg.LongPollTimeout = 200 * time.Millisecond
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}
	client := New(zaptest.NewLogger(t), http.DefaultTransport, cfg)
	t.Cleanup(func() { client.Close(context.Background()) })

	return &fixture{
		server: server,
		client: client,
		events: make(chan streaming.ControlEvent, 16),
		id:     auth.Identity{TenantID: "acme", SessionID: "s1", InstanceURL: srv.URL},
	}
}

func (f *fixture) sink(ctx context.Context, ev streaming.ControlEvent) {
	select {
	case f.events <- ev:
	case <-ctx.Done():
	}
}

func (f *fixture) handshake(t *testing.T) {
	require.NoError(t, f.client.Handshake(context.Background(), f.id, f.sink))
}

func (f *fixture) next(t *testing.T) streaming.ControlEvent {
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control event")
		return streaming.ControlEvent{}
	}
}

func TestHandshakeAttachAndDeliver(t *testing.T) {
	f := newFixture(t, Config{})
	f.handshake(t)
	assert.True(t, f.client.IsConnected())

	got := make(chan *streaming.Message, 1)
	require.NoError(t, f.client.Attach(context.Background(), "/topic/A", func(m *streaming.Message) { got <- m }))

	f.server.connects <- reply(`[
		{"channel":"/meta/connect","successful":true},
		{"channel":"/topic/A","data":{"Id":"001"}}
	]`)

	ev := f.next(t)
	assert.Equal(t, streaming.ControlConnected, ev.Kind)

	select {
	case m := <-got:
		assert.Equal(t, "/topic/A", m.Channel)
		assert.JSONEq(t, `{"Id":"001"}`, string(m.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	assert.Equal(t, "Bearer s1", f.server.authorizations[0])
	assert.Equal(t, "acme", f.server.tenants[0])
}

func TestAttachRequiresHandshake(t *testing.T) {
	f := newFixture(t, Config{})

	err := f.client.Attach(context.Background(), "/topic/A", func(*streaming.Message) {})
	assert.ErrorIs(t, err, streaming.ErrNotConnected)
}

func TestHandshakeRejected(t *testing.T) {
	f := newFixture(t, Config{})
	f.server.rejectHandshake = true

	err := f.client.Handshake(context.Background(), f.id, f.sink)
	assert.ErrorIs(t, err, streaming.ErrSessionInvalidated)
	assert.False(t, f.client.IsConnected())
}

func TestIdleLongPollIsNotAFailure(t *testing.T) {
	f := newFixture(t, Config{LongPollTimeout: 30 * time.Millisecond})
	f.handshake(t)

	time.Sleep(150 * time.Millisecond)

	select {
	case ev := <-f.events:
		t.Fatalf("unexpected control event %v", ev.Kind)
	default:
	}
	assert.Greater(t, f.server.count(channelConnect), 1)
	assert.True(t, f.client.IsConnected())
}

func TestUnauthorizedConnectInvalidatesSession(t *testing.T) {
	f := newFixture(t, Config{})
	f.handshake(t)

	f.server.connects <- status(http.StatusUnauthorized)

	ev := f.next(t)
	assert.Equal(t, streaming.ControlSessionInvalidated, ev.Kind)
	assert.False(t, f.client.IsConnected())
}

func TestBayeuxAuthErrorInvalidatesSession(t *testing.T) {
	f := newFixture(t, Config{})
	f.handshake(t)

	f.server.connects <- reply(`[{"channel":"/meta/connect","successful":false,"error":"401::Authentication invalid"}]`)

	ev := f.next(t)
	assert.Equal(t, streaming.ControlSessionInvalidated, ev.Kind)
}

func TestHandshakeAdviceRehandshakes(t *testing.T) {
	f := newFixture(t, Config{})
	f.handshake(t)

	f.server.connects <- reply(`[{"channel":"/meta/connect","successful":false,"error":"403::Unknown client","advice":{"reconnect":"handshake"}}]`)

	ev := f.next(t)
	assert.Equal(t, streaming.ControlConnectFailed, ev.Kind)
	assert.True(t, ev.Rehandshaking)

	f.server.connects <- reply(`[{"channel":"/meta/connect","successful":true}]`)
	assert.Equal(t, streaming.ControlConnected, f.next(t).Kind)

	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	assert.Equal(t, 2, f.server.handshakes)
}

func TestReconnectNoneCloses(t *testing.T) {
	f := newFixture(t, Config{})
	f.handshake(t)

	f.server.connects <- reply(`[{"channel":"/meta/connect","successful":false,"error":"gone","advice":{"reconnect":"none"}}]`)

	ev := f.next(t)
	assert.Equal(t, streaming.ControlClosed, ev.Kind)
	assert.Error(t, ev.Err)
}

func TestRepeatedFailuresClose(t *testing.T) {
	f := newFixture(t, Config{MaxConnectFailures: 1})
	f.handshake(t)

	f.server.connects <- status(http.StatusInternalServerError)
	ev := f.next(t)
	assert.Equal(t, streaming.ControlConnectFailed, ev.Kind)
	assert.False(t, ev.Rehandshaking)

	f.server.connects <- status(http.StatusInternalServerError)
	assert.Equal(t, streaming.ControlClosed, f.next(t).Kind)
	assert.False(t, f.client.IsConnected())
}

func TestCloseDisconnects(t *testing.T) {
	f := newFixture(t, Config{})
	f.handshake(t)
	require.NoError(t, f.client.Attach(context.Background(), "/topic/A", func(*streaming.Message) {}))
	require.NoError(t, f.client.Detach(context.Background(), "/topic/A"))

	require.NoError(t, f.client.Close(context.Background()))

	assert.False(t, f.client.IsConnected())
	assert.Equal(t, 1, f.server.count(channelSubscribe))
	assert.Equal(t, 1, f.server.count(channelUnsubscribe))
	assert.Equal(t, 1, f.server.count(channelDisconnect))
}

type staticProvider struct {
	identity auth.Identity
}

func (p staticProvider) CurrentIdentity(ctx context.Context) (auth.Identity, error) {
	return p.identity, nil
}

func (p staticProvider) Renew(ctx context.Context) (auth.Identity, error) {
	return auth.Identity{}, auth.ErrRenewUnsupported
}

func TestSessionReplaysBeforeDeliveringAfterRehandshake(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	dial := func() (streaming.Transport, error) { return f.client, nil }

	session := streaming.NewSession(zaptest.NewLogger(t), streaming.NewRegistry(), staticProvider{f.id}, dial,
		metrics.NewUnregistered(), streaming.SessionConfig{HandshakeTimeout: time.Second})
	session.Start(ctx)
	t.Cleanup(session.Stop)

	delivered := make(chan struct{})
	require.NoError(t, session.Subscribe(ctx, "/topic/A", func(m *streaming.Message) {
		f.server.record("deliver " + m.Channel)
		close(delivered)
	}))
	require.NoError(t, session.Subscribe(ctx, "/topic/B", func(*streaming.Message) {}))

	f.server.connects <- reply(`[{"channel":"/meta/connect","successful":false,"error":"403::Unknown client","advice":{"reconnect":"handshake"}}]`)
	f.server.connects <- reply(`[
		{"channel":"/meta/connect","successful":true},
		{"channel":"/topic/A","data":{"Id":"001"}}
	]`)

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
	assert.Equal(t, streaming.Connected, session.State())

	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	assert.Equal(t, 2, f.server.handshakes)
	assert.Equal(t, []string{
		"subscribe /topic/A",
		"subscribe /topic/B",
		"subscribe /topic/A",
		"subscribe /topic/B",
		"deliver /topic/A",
	}, f.server.events)
}
