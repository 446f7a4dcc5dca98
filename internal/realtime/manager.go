// Package realtime maintains the push-notification channel to the
// ProjectDesk realtime service.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/projectdesk/deskd/internal/identity"
)

const (
	// HeartbeatInterval is how often a liveness signal is emitted while
	// connected. The same tick drives reconnection when the channel is
	// expected to be connected but is not.
	HeartbeatInterval = 30 * time.Second

	// ReconnectDelay is the fixed delay before the single reconnection
	// attempt that follows a transport error. The token may simply need
	// refreshing, so the attempt fetches a fresh one.
	ReconnectDelay = 5 * time.Second
)

// ChannelState represents the connection state.
type ChannelState int

const (
	StateDisconnected ChannelState = iota
	StateConnecting
	StateConnected
)

func (s ChannelState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	default:
		return "Invalid"
	}
}

// Activity is a server-pushed activity event.
type Activity struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	ProjectID string    `json:"project_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type authPayload struct {
	Token string `json:"token"`
}

// frame is the wire format in both directions. The client sends an auth
// frame on connect and heartbeat frames while connected; the server
// pushes new_activity frames.
type frame struct {
	Event    string       `json:"event,omitempty"`
	Auth     *authPayload `json:"auth,omitempty"`
	Activity *Activity    `json:"activity,omitempty"`
}

// TokenSource provides the connection auth token.
type TokenSource interface {
	CurrentToken(ctx context.Context, forceRefresh bool) (*identity.Token, error)
}

// ManagerOpts configures a Manager.
type ManagerOpts struct {
	// URL is the websocket endpoint of the realtime service.
	URL string
	// Tokens provides the auth token at connect time.
	Tokens TokenSource
	// OnActivity is the local notification side effect, invoked for every
	// inbound activity. Optional.
	OnActivity func(Activity)
	// Dialer overrides the default websocket dialer. Optional.
	Dialer *websocket.Dialer
	// HeartbeatInterval overrides the heartbeat cadence. Defaults to
	// HeartbeatInterval.
	HeartbeatInterval time.Duration
	// ReconnectDelay overrides the reconnect delay. Defaults to
	// ReconnectDelay.
	ReconnectDelay time.Duration
}

// Manager owns the realtime channel: at most one live connection, an
// append-only unread activity buffer, a heartbeat ticker and a single
// delayed reconnect after transport errors. Events are delivered
// at-least-once; no deduplication by event id.
type Manager struct {
	url        string
	tokens     TokenSource
	dialer     *websocket.Dialer
	onActivity func(Activity)

	heartbeatInterval time.Duration
	reconnectDelay    time.Duration

	mu             sync.Mutex
	state          ChannelState
	conn           *websocket.Conn
	want           bool
	activities     []Activity
	reconnectTimer *time.Timer

	// writeMu serializes websocket writes (auth frame, heartbeats).
	writeMu sync.Mutex
}

// NewManager creates a realtime channel manager in the Disconnected state.
func NewManager(opts ManagerOpts) *Manager {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat == 0 {
		heartbeat = HeartbeatInterval
	}
	reconnect := opts.ReconnectDelay
	if reconnect == 0 {
		reconnect = ReconnectDelay
	}
	return &Manager{
		url:               opts.URL,
		tokens:            opts.Tokens,
		dialer:            dialer,
		onActivity:        opts.OnActivity,
		heartbeatInterval: heartbeat,
		reconnectDelay:    reconnect,
		state:             StateDisconnected,
	}
}

// State returns the current channel state.
func (m *Manager) State() ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Activities returns a copy of the buffered unread activities.
func (m *Manager) Activities() []Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Activity, len(m.activities))
	copy(out, m.activities)
	return out
}

// Clear empties the unread activity buffer. Pure local operation,
// independent of channel state.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities = nil
}

// Start opens the channel and marks it expected-connected. Call when the
// session becomes authenticated.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.want = true
	m.mu.Unlock()
	return m.connect(ctx)
}

// Stop tears the channel down and cancels the pending reconnect timer.
// Call on logout or shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.want = false
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	log.Debug().Msg("realtime channel stopped")
}

// Run drives the heartbeat loop until the context is cancelled: emit a
// liveness signal while connected, attempt reconnection when
// expected-connected but not connected.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return ctx.Err()
		case <-ticker.C:
			m.mu.Lock()
			state := m.state
			want := m.want
			m.mu.Unlock()

			switch {
			case state == StateConnected:
				if err := m.emit(frame{Event: "heartbeat"}); err != nil {
					log.Warn().Err(err).Msg("heartbeat failed")
				}
			case want:
				if err := m.connect(ctx); err != nil {
					log.Warn().Err(err).Msg("reconnect on heartbeat tick failed")
				}
			}
		}
	}
}

// connect fetches a token and opens the channel. The token fetch does not
// force a refresh; the provider rotates only when near expiry.
func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	token, err := m.tokens.CurrentToken(ctx, false)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return err
	}

	conn, resp, err := m.dialer.DialContext(ctx, m.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.scheduleReconnect(ctx)
		return err
	}

	// The channel's auth token must match the session's current token at
	// connect time.
	authFrame := frame{Auth: &authPayload{Token: token.Value}}
	m.writeMu.Lock()
	err = conn.WriteJSON(authFrame)
	m.writeMu.Unlock()
	if err != nil {
		conn.Close()
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.scheduleReconnect(ctx)
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.state = StateConnected
	m.mu.Unlock()

	go m.readLoop(ctx, conn)

	log.Info().Str("url", m.url).Msg("realtime channel connected")
	return nil
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var f frame
		if err := m.readJSON(conn, &f); err != nil {
			m.handleTransportError(ctx, conn, err)
			return
		}

		if f.Event == "new_activity" && f.Activity != nil {
			m.mu.Lock()
			m.activities = append(m.activities, *f.Activity)
			m.mu.Unlock()

			log.Debug().Str("activityId", f.Activity.ID).Str("type", f.Activity.Type).Msg("activity received")
			if m.onActivity != nil {
				m.onActivity(*f.Activity)
			}
		}
	}
}

func (m *Manager) readJSON(conn *websocket.Conn, v any) error {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// handleTransportError tears the channel down and, if it is still
// expected to be connected, schedules exactly one reconnection attempt
// after the fixed delay.
func (m *Manager) handleTransportError(ctx context.Context, conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// A newer connection already superseded this one.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	want := m.want
	m.mu.Unlock()

	conn.Close()

	if !want {
		return
	}

	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		log.Warn().Err(err).Msg("realtime channel closed by auth error, scheduling reconnect")
	} else {
		log.Warn().Err(err).Msg("realtime transport error, scheduling reconnect")
	}
	m.scheduleReconnect(ctx)
}

// scheduleReconnect arms the reconnect timer unless one is already
// pending.
func (m *Manager) scheduleReconnect(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.want || m.reconnectTimer != nil {
		return
	}
	m.reconnectTimer = time.AfterFunc(m.reconnectDelay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		want := m.want
		m.mu.Unlock()
		if !want {
			return
		}
		if err := m.connect(ctx); err != nil {
			log.Warn().Err(err).Msg("scheduled reconnect failed")
		}
	})
}

// emit writes a frame to the live connection.
func (m *Manager) emit(f frame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(f)
}
