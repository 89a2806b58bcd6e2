package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/LuminPulse-AI/chatsync/auth"
	"github.com/LuminPulse-AI/chatsync/backend"
	"github.com/LuminPulse-AI/chatsync/chat"
	"github.com/LuminPulse-AI/chatsync/internal/config"
	"github.com/LuminPulse-AI/chatsync/realtime"
)

var (
	runObserve     []string
	runMetricsAddr string
)

func init() {
	runCmd.Flags().StringSliceVar(&runObserve, "observe", nil, "conversation ids to check for version gaps")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "override metrics.addr (empty string in config disables the server)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync conversations into the local cache until interrupted",
	Long:  "Connect to the realtime feed, hydrate the local cache and serve /metrics and /healthz.\nStops on SIGINT/SIGTERM or when the account is logged out.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Token == "" {
			return errNoToken
		}
		if runMetricsAddr != "" {
			cfg.Metrics.Addr = runMetricsAddr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSync(ctx, cfg)
	},
}

var errLoggedOut = errors.New("session closed: account logged out")

func runSync(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)

	uid := userID(cfg)
	if uid == "" {
		return errors.New("no user id. Set auth.user_id or use a token with a subject claim")
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var provider *auth.Provider
	client := backend.NewClient(
		backend.WithBaseURL(valueOrDefault(cfg.Default.BaseURL, backend.DefaultBaseURL)),
		backend.WithTokenSource(func() string { return provider.CurrentToken() }),
		backend.WithLogger(logger),
	)
	provider = auth.NewProvider(cfg.Auth.Token, client,
		auth.WithLogger(logger),
		auth.OnToken(func(token string) {
			if err := persistToken(token); err != nil {
				logger.Warn().Err(err).Msg("failed to persist refreshed token")
			}
		}),
		auth.OnLogout(func() {
			if err := persistToken(""); err != nil {
				logger.Warn().Err(err).Msg("failed to clear token")
			}
		}),
	)

	endpoint := cfg.Default.RealtimeURL
	if endpoint == "" {
		endpoint = client.RealtimeEndpoint()
	}
	svc := chat.New(chat.Config{
		UserID: uid,
		Realtime: realtime.Config{
			Endpoint:            endpoint,
			MaxRecoveryAttempts: cfg.Realtime.MaxRecoveryAttempts,
			AutoReconnect:       cfg.Realtime.AutoReconnect,
			ReconnectBaseDelay:  cfg.Realtime.ReconnectBaseDelay.Std(),
			ReconnectMaxDelay:   cfg.Realtime.ReconnectMaxDelay.Std(),
			ConnectionTimeout:   cfg.Realtime.ConnectionTimeout.Std(),
		},
		ReconcileInterval: cfg.Reconcile.Interval.Std(),
	}, store, client, provider, chat.WithLogger(logger))

	svc.OnEvent(func(ev chat.Event) {
		switch e := ev.(type) {
		case chat.MessageStored:
			logger.Debug().Str("kind", e.Kind).Str("message", e.Message.ID).Msg("message stored")
		case chat.SendFailed:
			logger.Warn().Err(e.Err).Str("conversation", e.ConversationID).Msg("send failed")
		case chat.Unsynced:
			logger.Info().Msg("local cache cleared")
		}
	})

	closed := make(chan realtime.CloseEvent, 1)
	svc.Session().OnClose(func(ev realtime.CloseEvent) {
		if ev.Fatal {
			select {
			case closed <- ev:
			default:
			}
		}
	})
	svc.Session().OnRecovery(func(ev realtime.RecoveryEvent) {
		logger.Info().Str("step", string(ev.Kind)).Int("attempt", ev.Attempt).AnErr("cause", ev.Err).Msg("credential recovery")
	})

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	for _, id := range runObserve {
		if err := svc.Observe(ctx, id); err != nil {
			return fmt.Errorf("observe %s: %w", id, err)
		}
	}
	logger.Info().Str("user", uid).Str("endpoint", endpoint).Msg("sync running")

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr: cfg.Metrics.Addr,
			Handler: newRouter(logger, func() health {
				return health{
					State:   svc.Session().State(),
					Storage: store.IsStorageEnabled(),
					Queue:   svc.Queue().Len(),
				}
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case ev := <-closed:
			if errors.Is(ev.Err, realtime.ErrUnauthorized) {
				return errLoggedOut
			}
			if ev.Err == nil {
				return fmt.Errorf("session closed: %s", ev.Reason)
			}
			return fmt.Errorf("session closed: %s: %w", ev.Reason, ev.Err)
		}
	})

	err = g.Wait()
	logger.Info().Msg("sync stopped")
	return err
}
