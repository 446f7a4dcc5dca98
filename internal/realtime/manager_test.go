package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectdesk/deskd/internal/identity"
)

type fakeTokens struct {
	mu     sync.Mutex
	tokens []string
	calls  int
	err    error
}

func (f *fakeTokens) CurrentToken(ctx context.Context, forceRefresh bool) (*identity.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls
	if i >= len(f.tokens) {
		i = len(f.tokens) - 1
	}
	f.calls++
	return &identity.Token{Value: f.tokens[i], ExpiresAt: time.Now().Add(time.Hour)}, nil
}

// wsServer accepts realtime connections, records the auth frame of each
// and any heartbeats that follow.
type wsServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	ts       *httptest.Server

	mu         sync.Mutex
	authTokens []string
	heartbeats int
	conns      []*websocket.Conn

	connected chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{t: t, connected: make(chan *websocket.Conn, 4)}
	s.ts = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.ts.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http")
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var auth frame
	if err := conn.ReadJSON(&auth); err != nil || auth.Auth == nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.authTokens = append(s.authTokens, auth.Auth.Token)
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	s.connected <- conn

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Event == "heartbeat" {
			s.mu.Lock()
			s.heartbeats++
			s.mu.Unlock()
		}
	}
}

func (s *wsServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.connected:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection arrived")
		return nil
	}
}

func (s *wsServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *wsServer) tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.authTokens))
	copy(out, s.authTokens)
	return out
}

func (s *wsServer) heartbeatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

func TestConnectSendsAuthFrame(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(ManagerOpts{
		URL:    srv.url(),
		Tokens: &fakeTokens{tokens: []string{"tok-1"}},
	})
	defer m.Stop()

	require.NoError(t, m.Start(context.Background()))
	srv.waitConn(t)

	assert.Equal(t, []string{"tok-1"}, srv.tokens())
	assert.Equal(t, StateConnected, m.State())
}

func TestConnectFailsWithoutToken(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(ManagerOpts{
		URL:    srv.url(),
		Tokens: &fakeTokens{err: errors.New("not signed in")},
	})

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 0, srv.connCount())
}

func TestActivityBufferAndCallback(t *testing.T) {
	srv := newWSServer(t)

	received := make(chan Activity, 4)
	m := NewManager(ManagerOpts{
		URL:        srv.url(),
		Tokens:     &fakeTokens{tokens: []string{"tok-1"}},
		OnActivity: func(a Activity) { received <- a },
	})
	defer m.Stop()

	require.NoError(t, m.Start(context.Background()))
	conn := srv.waitConn(t)

	push := func(id, msg string) {
		require.NoError(t, conn.WriteJSON(frame{
			Event:    "new_activity",
			Activity: &Activity{ID: id, Type: "comment", Message: msg, CreatedAt: time.Now().UTC()},
		}))
	}

	push("a1", "Alice commented on Roadmap")
	select {
	case a := <-received:
		assert.Equal(t, "a1", a.ID)
		assert.Equal(t, "Alice commented on Roadmap", a.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("activity callback did not fire")
	}

	push("a2", "Bob joined the project")
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("second activity did not arrive")
	}

	// Buffer keeps arrival order
	activities := m.Activities()
	require.Len(t, activities, 2)
	assert.Equal(t, "a1", activities[0].ID)
	assert.Equal(t, "a2", activities[1].ID)

	// Clear is local and leaves the channel connected
	m.Clear()
	assert.Empty(t, m.Activities())
	assert.Equal(t, StateConnected, m.State())
}

func TestIgnoresUnknownEvents(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(ManagerOpts{
		URL:    srv.url(),
		Tokens: &fakeTokens{tokens: []string{"tok-1"}},
	})
	defer m.Stop()

	require.NoError(t, m.Start(context.Background()))
	conn := srv.waitConn(t)

	require.NoError(t, conn.WriteJSON(frame{Event: "presence_update"}))
	require.NoError(t, conn.WriteJSON(frame{
		Event:    "new_activity",
		Activity: &Activity{ID: "a1", Type: "comment"},
	}))

	require.Eventually(t, func() bool {
		return len(m.Activities()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "a1", m.Activities()[0].ID)
}

func TestReconnectsOnceWithFreshToken(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(ManagerOpts{
		URL:            srv.url(),
		Tokens:         &fakeTokens{tokens: []string{"tok-1", "tok-2"}},
		ReconnectDelay: 20 * time.Millisecond,
	})
	defer m.Stop()

	require.NoError(t, m.Start(context.Background()))
	conn1 := srv.waitConn(t)

	// Server drops the connection; one delayed reconnect follows
	conn1.Close()
	srv.waitConn(t)

	assert.Equal(t, []string{"tok-1", "tok-2"}, srv.tokens())
	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	// Exactly one attempt: no further connections show up
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 2, srv.connCount())
}

func TestStopPreventsReconnect(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(ManagerOpts{
		URL:            srv.url(),
		Tokens:         &fakeTokens{tokens: []string{"tok-1"}},
		ReconnectDelay: 20 * time.Millisecond,
	})

	require.NoError(t, m.Start(context.Background()))
	srv.waitConn(t)

	m.Stop()
	assert.Equal(t, StateDisconnected, m.State())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, srv.connCount())
}

func TestRunEmitsHeartbeats(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(ManagerOpts{
		URL:               srv.url(),
		Tokens:            &fakeTokens{tokens: []string{"tok-1"}},
		HeartbeatInterval: 20 * time.Millisecond,
	})

	require.NoError(t, m.Start(context.Background()))
	srv.waitConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return srv.heartbeatCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateDisconnected, m.State())
}

func TestRunReconnectsWhenExpectedConnected(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(ManagerOpts{
		URL:               srv.url(),
		Tokens:            &fakeTokens{tokens: []string{"tok-1", "tok-2"}},
		HeartbeatInterval: 20 * time.Millisecond,
		// Long delay so the heartbeat tick, not the timer, reconnects
		ReconnectDelay: time.Hour,
	})
	defer m.Stop()

	require.NoError(t, m.Start(context.Background()))
	conn1 := srv.waitConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	conn1.Close()
	srv.waitConn(t)

	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "tok-2", srv.tokens()[1])
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Disconnected", StateDisconnected.String())
	assert.Equal(t, "Connecting", StateConnecting.String())
	assert.Equal(t, "Connected", StateConnected.String())
	assert.Equal(t, "Invalid", ChannelState(99).String())
}
