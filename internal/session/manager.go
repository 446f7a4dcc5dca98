// Package session owns the authenticated user record and drives the
// login/logout/refresh state machine.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/projectdesk/deskd/internal/api"
	"github.com/projectdesk/deskd/internal/identity"
	"github.com/projectdesk/deskd/internal/notify"
	"github.com/projectdesk/deskd/internal/tokenstore"
)

const (
	// RefreshPeriod is the scheduled token refresh cadence. The provider
	// applies its own 15-minute remaining-validity threshold, so the
	// effective cadence self-corrects even if this period and the token
	// lifetime drift.
	RefreshPeriod = 10 * time.Minute

	// RedirectDelay is how long after a fatal auth error the redirect
	// callback fires, leaving time for the notification to be seen.
	RedirectDelay = 1500 * time.Millisecond
)

// Backend is the slice of the API client the manager needs.
type Backend interface {
	ExchangeIdentity(ctx context.Context, idToken string) (api.User, error)
	RefreshSession(ctx context.Context) (api.User, error)
	Logout(ctx context.Context) error
}

// TokenProvider is the slice of the identity provider the manager needs.
type TokenProvider interface {
	SignIn(ctx context.Context) (*identity.Token, error)
	CurrentToken(ctx context.Context, forceRefresh bool) (*identity.Token, error)
	SignOut()
}

// ManagerOpts configures a Manager.
type ManagerOpts struct {
	Provider TokenProvider
	Backend  Backend
	Store    tokenstore.Store
	Notifier notify.Notifier
	// Redirect is invoked with a public route after a fatal auth error.
	// Optional.
	Redirect func(path string)
	// RefreshPeriod overrides the scheduled refresh cadence. Defaults to
	// RefreshPeriod.
	RefreshPeriod time.Duration
	// RedirectDelay overrides the delay before Redirect fires. Defaults
	// to RedirectDelay.
	RedirectDelay time.Duration
}

// Manager drives the session state machine. It is the sole owner of the
// scheduled refresh timer and the post-fatal redirect timer; both are
// cancelled on logout and teardown.
type Manager struct {
	provider TokenProvider
	backend  Backend
	store    tokenstore.Store
	notifier notify.Notifier
	redirect func(path string)

	refreshPeriod time.Duration
	redirectDelay time.Duration

	mu    sync.Mutex
	state State
	user  *api.User

	refreshCancel context.CancelFunc
	redirectTimer *time.Timer
}

// NewManager creates a session manager in the Unknown state.
func NewManager(opts ManagerOpts) *Manager {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	refreshPeriod := opts.RefreshPeriod
	if refreshPeriod == 0 {
		refreshPeriod = RefreshPeriod
	}
	redirectDelay := opts.RedirectDelay
	if redirectDelay == 0 {
		redirectDelay = RedirectDelay
	}
	return &Manager{
		provider:      opts.Provider,
		backend:       opts.Backend,
		store:         opts.Store,
		notifier:      notifier,
		redirect:      opts.Redirect,
		refreshPeriod: refreshPeriod,
		redirectDelay: redirectDelay,
		state:         StateUnknown,
	}
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// User returns a copy of the authenticated user record, or nil.
func (m *Manager) User() *api.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

// Hydrate resolves the initial Unknown state from the persisted token: a
// stored token that still validates against the backend restores the
// session, anything else lands in Unauthenticated.
func (m *Manager) Hydrate(ctx context.Context) error {
	token, err := m.store.Get()
	if err != nil || token == "" {
		m.setState(StateUnauthenticated, nil)
		return err
	}

	user, err := m.backend.RefreshSession(ctx)
	if err != nil {
		// A failed refresh has already run the fatal-auth path through
		// the transport; make sure we are not stuck in Unknown.
		m.mu.Lock()
		if m.state == StateUnknown {
			m.state = StateUnauthenticated
		}
		m.mu.Unlock()
		return err
	}

	m.setState(StateAuthenticated, &user)
	m.startRefreshLoop()
	log.Info().Str("userId", user.ID).Msg("session restored from storage")
	return nil
}

// Login runs the sign-in flow: provider sign-in, identity exchange with
// the backend, token persistence, scheduled refresh. On any failure the
// user gets a message specific to the error kind and the state returns to
// Unauthenticated.
func (m *Manager) Login(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateAuthenticated {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateAuthenticating {
		m.mu.Unlock()
		return errors.New("login already in progress")
	}
	m.state = StateAuthenticating
	m.mu.Unlock()

	token, err := m.provider.SignIn(ctx)
	if err != nil {
		m.setState(StateUnauthenticated, nil)
		m.notifier.Error(signInErrorMessage(err))
		return err
	}

	user, err := m.backend.ExchangeIdentity(ctx, token.Value)
	if err != nil {
		m.provider.SignOut()
		m.setState(StateUnauthenticated, nil)
		m.notifier.Error("Signing in to ProjectDesk failed. Please try again.")
		return err
	}

	// Persist the token before exposing the session so a non-null
	// session always implies a stored token.
	if err := m.store.Set(token.Value); err != nil {
		m.provider.SignOut()
		m.setState(StateUnauthenticated, nil)
		return err
	}

	m.setState(StateAuthenticated, &user)
	m.startRefreshLoop()
	m.notifier.Info(signInWelcomeText)
	log.Info().Str("userId", user.ID).Str("plan", user.Plan).Msg("logged in")
	return nil
}

// Logout ends the session. Calling it when not authenticated is a no-op
// and issues no backend call. The backend invalidation is best-effort and
// never blocks local cleanup.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateAuthenticated {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.backend.Logout(ctx); err != nil {
		log.Warn().Err(err).Msg("backend logout failed, proceeding with local cleanup")
	}

	m.stopRefreshLoop()
	m.provider.SignOut()
	if err := m.store.Clear(); err != nil {
		log.Error().Err(err).Msg("failed to clear token store on logout")
	}
	m.setState(StateUnauthenticated, nil)
	log.Info().Msg("logged out")
	return nil
}

// RefreshUserData re-fetches the user record. On a 401 it attempts one
// forced token refresh and retry before escalating to the fatal-auth
// path.
func (m *Manager) RefreshUserData(ctx context.Context) error {
	user, err := m.backend.RefreshSession(ctx)
	if err == nil {
		m.setUser(&user)
		return nil
	}
	if !api.IsUnauthorized(err) {
		return err
	}

	token, refreshErr := m.provider.CurrentToken(ctx, true)
	if refreshErr != nil {
		m.ForceLogout(refreshErr)
		return refreshErr
	}
	if err := m.store.Set(token.Value); err != nil {
		return err
	}

	user, err = m.backend.RefreshSession(ctx)
	if err != nil {
		if api.IsUnauthorized(err) {
			m.ForceLogout(err)
		}
		return err
	}

	m.setUser(&user)
	return nil
}

// RefreshToken mints a new bearer token and persists it. This is the
// refresh function wired into the API transport at construction.
func (m *Manager) RefreshToken(ctx context.Context) (string, error) {
	token, err := m.provider.CurrentToken(ctx, true)
	if err != nil {
		return "", err
	}
	if err := m.store.Set(token.Value); err != nil {
		return "", err
	}
	return token.Value, nil
}

// HandleTokenChange reacts to provider-side token rotation. Wire it to
// the provider's OnTokenChange at setup. A nil token means provider-side
// sign-out, which arrives separately through ForceLogout.
func (m *Manager) HandleTokenChange(token *identity.Token) {
	if token == nil {
		return
	}
	if err := m.store.Set(token.Value); err != nil {
		log.Error().Err(err).Msg("failed to persist rotated token")
	}
}

// ForceLogout is the single terminal recovery path for unrecoverable auth
// errors: clear local session state, notify once, redirect to a public
// route after a short delay. Idempotent.
func (m *Manager) ForceLogout(cause error) {
	m.mu.Lock()
	if m.state == StateUnauthenticated {
		m.mu.Unlock()
		return
	}
	m.state = StateUnauthenticated
	m.user = nil
	m.mu.Unlock()

	log.Warn().Err(cause).Msg("forced logout")

	m.stopRefreshLoop()
	m.provider.SignOut()
	if err := m.store.Clear(); err != nil {
		log.Error().Err(err).Msg("failed to clear token store on forced logout")
	}
	m.notifier.Error(sessionExpiredText)

	if m.redirect != nil {
		m.mu.Lock()
		if m.redirectTimer != nil {
			m.redirectTimer.Stop()
		}
		m.redirectTimer = time.AfterFunc(m.redirectDelay, func() {
			m.redirect("/")
		})
		m.mu.Unlock()
	}
}

// Close releases the timers owned by the manager.
func (m *Manager) Close() {
	m.stopRefreshLoop()
	m.mu.Lock()
	if m.redirectTimer != nil {
		m.redirectTimer.Stop()
		m.redirectTimer = nil
	}
	m.mu.Unlock()
}

func (m *Manager) setState(state State, user *api.User) {
	m.mu.Lock()
	m.state = state
	m.user = user
	m.mu.Unlock()
}

func (m *Manager) setUser(user *api.User) {
	m.mu.Lock()
	m.user = user
	m.mu.Unlock()
}

// startRefreshLoop starts the scheduled token refresh. The manager owns
// the loop and stops it on logout, forced logout and Close.
func (m *Manager) startRefreshLoop() {
	m.mu.Lock()
	if m.refreshCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.refreshCancel = cancel
	m.mu.Unlock()

	go m.runRefreshLoop(ctx)
}

func (m *Manager) stopRefreshLoop() {
	m.mu.Lock()
	cancel := m.refreshCancel
	m.refreshCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) runRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(m.refreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("stopping scheduled token refresh")
			return
		case <-ticker.C:
			// Not forced: the provider only rotates when the token is
			// within the refresh threshold of expiry.
			token, err := m.provider.CurrentToken(ctx, false)
			if err != nil {
				log.Warn().Err(err).Msg("scheduled token refresh failed")
				continue
			}
			if err := m.store.Set(token.Value); err != nil {
				log.Error().Err(err).Msg("failed to persist refreshed token")
			}
		}
	}
}
