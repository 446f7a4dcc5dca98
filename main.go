package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/projectdesk/deskd/config"
	"github.com/projectdesk/deskd/internal/api"
	"github.com/projectdesk/deskd/internal/identity"
	"github.com/projectdesk/deskd/internal/notify"
	"github.com/projectdesk/deskd/internal/realtime"
	"github.com/projectdesk/deskd/internal/session"
	"github.com/projectdesk/deskd/internal/tokenstore"
)

// userDataRefreshInterval is how often the daemon re-fetches the user
// record to pick up plan and quota changes.
const userDataRefreshInterval = time.Hour

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config.LoadEnvFile()
	cfg := config.FromEnv()
	if missing := cfg.Missing(); len(missing) > 0 {
		log.Fatal().Msgf("missing required config: %s", strings.Join(missing, ", "))
	}

	encryptionKey := tokenstore.DeriveKey(cfg.TokenKey)
	store, err := tokenstore.NewSQLiteStore(cfg.DBPath, encryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize token store")
	}
	defer store.Close()
	log.Info().Str("dbPath", cfg.DBPath).Msg("token store initialized")

	provider := identity.NewProvider(identity.ProviderOpts{
		BaseURL:  cfg.LoginBaseURL,
		ClientID: cfg.ClientID,
		Prompt: func(verificationURI, userCode string) {
			fmt.Fprintln(os.Stderr, notify.SignInPrompt(verificationURI, userCode))
		},
	})

	// Create context that cancels on SIGINT or SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt := realtime.NewManager(realtime.ManagerOpts{
		URL:    cfg.RealtimeURL,
		Tokens: provider,
		OnActivity: func(a realtime.Activity) {
			log.Info().Str("type", a.Type).Str("actor", a.Actor).Msg(a.Message)
		},
	})

	// The client calls back into the session manager for refreshes; the
	// manager is constructed right after, so the closures bridge the
	// cycle with references fixed at setup time.
	var manager *session.Manager
	client := api.NewClient(api.ClientOpts{
		BaseURL: cfg.APIBaseURL,
		Store:   store,
		Refresh: func(ctx context.Context) (string, error) {
			return manager.RefreshToken(ctx)
		},
		OnAuthFailure: func(err error) {
			manager.ForceLogout(err)
		},
	})

	manager = session.NewManager(session.ManagerOpts{
		Provider: provider,
		Backend:  client,
		Store:    store,
		Notifier: notify.LogNotifier{},
		Redirect: func(route string) {
			// The daemon has no pages to navigate; a fatal auth error
			// shuts it down so the next start re-runs sign-in.
			log.Warn().Str("route", route).Msg("session lost, shutting down")
			rt.Stop()
			cancel()
		},
	})
	defer manager.Close()

	provider.OnTokenChange(manager.HandleTokenChange)
	provider.OnForcedLogout(manager.ForceLogout)

	if err := manager.Hydrate(ctx); err != nil {
		log.Warn().Err(err).Msg("could not restore session from storage")
	}
	if manager.State() != session.StateAuthenticated {
		if err := manager.Login(ctx); err != nil {
			log.Fatal().Err(err).Msg("sign-in failed")
		}
	}

	user := manager.User()
	log.Info().Str("username", user.Username).Str("plan", user.Plan).Msg("session ready")

	if err := rt.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("realtime channel did not connect, will keep retrying")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rt.Run(ctx)
	})

	g.Go(func() error {
		return keepUserDataFresh(ctx, manager)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("shutdown with error")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

// keepUserDataFresh periodically re-fetches the user record so plan and
// quota changes made elsewhere show up in the daemon.
func keepUserDataFresh(ctx context.Context, manager *session.Manager) error {
	ticker := time.NewTicker(userDataRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping user data refresh")
			return ctx.Err()
		case <-ticker.C:
			if err := manager.RefreshUserData(ctx); err != nil {
				log.Warn().Err(err).Msg("user data refresh failed")
			}
		}
	}
}
