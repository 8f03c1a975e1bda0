// Command shelfauthd runs the SpaceShelf request authenticator as a local
// proxy, and provides one-shot access to the backend token endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"lds.li/shelfauth/bearer"
	"lds.li/shelfauth/internal/config"
	"lds.li/shelfauth/proxy"
	"lds.li/shelfauth/session"
)

var version = "dev"

type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "shelfauthd",
		Short: "Attach SpaceShelf API credentials to outgoing requests",
		Long: `shelfauthd forwards requests to the SpaceShelf API, attaching the bearer
credential to every request except the session endpoints. Configuration
messages are accepted on the control endpoint.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}
	if err := config.SetupFlags(rootCmd, a.v); err != nil {
		// flags are static, this only fails on programmer error.
		panic(err)
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the proxy daemon",
			Args:  cobra.NoArgs,
			RunE:  a.serve,
		},
		&cobra.Command{
			Use:   "refresh",
			Short: "Exchange the session cookie for an access token and show who it is for",
			Args:  cobra.NoArgs,
			RunE:  a.refresh,
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Revoke the refresh session on the server",
			Args:  cobra.NoArgs,
			RunE:  a.reset,
		},
		newVerifyCmd(a),
	)

	return rootCmd
}

func newVerifyCmd(a *app) *cobra.Command {
	var idToken string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Exchange an identity provider ID token for API credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if idToken == "" {
				idToken = os.Getenv(config.EnvPrefix + "_ID_TOKEN")
			}
			if idToken == "" {
				return fmt.Errorf("--id-token (or %s_ID_TOKEN) is required", config.EnvPrefix)
			}
			return a.verify(cmd, idToken)
		},
	}
	cmd.Flags().StringVar(&idToken, "id-token", "", "ID token from the identity provider")
	return cmd
}

func (a *app) load(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	return nil
}

// sessionClient returns a token endpoint client whose cookie jar is seeded
// with the configured session cookie.
func (a *app) sessionClient() (*session.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	cookies, err := a.cfg.Cookies()
	if err != nil {
		return nil, err
	}
	if len(cookies) > 0 {
		u, err := url.Parse(a.cfg.APIBaseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing api-base-url: %w", err)
		}
		jar.SetCookies(u, cookies)
	}
	return &session.Client{
		HTTPClient: &http.Client{
			Jar:     jar,
			Timeout: a.cfg.RefreshTimeout,
		},
	}, nil
}

func (a *app) requireOrigin() error {
	if a.cfg.APIBaseURL == "" {
		return fmt.Errorf("--api-base-url (or %s_API_BASE_URL) is required", config.EnvPrefix)
	}
	return nil
}

func (a *app) serve(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authn := &bearer.Authenticator{
		ExcludedPaths: a.cfg.ExcludedPaths,
		Logger:        a.logger,
	}
	if a.cfg.Refresh {
		sc, err := a.sessionClient()
		if err != nil {
			return err
		}
		authn.Refresher = sc
	}
	if a.cfg.APIBaseURL != "" {
		if err := authn.HandleMessage(bearer.Message{Type: bearer.MessageSetAPIBaseURL, Message: a.cfg.APIBaseURL}); err != nil {
			return err
		}
	}

	svr, err := proxy.NewServer(proxy.Config{
		Authenticator: authn,
		Logger:        a.logger,
	})
	if err != nil {
		return fmt.Errorf("creating proxy: %w", err)
	}

	hs := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           svr,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("listening", slog.String("addr", a.cfg.Listen), slog.Bool("refresh", a.cfg.Refresh))
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

type refreshOutput struct {
	UserID    string     `json:"userId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (a *app) refresh(cmd *cobra.Command, _ []string) error {
	if err := a.requireOrigin(); err != nil {
		return err
	}
	sc, err := a.sessionClient()
	if err != nil {
		return err
	}

	tok, err := sc.Refresh(cmd.Context(), a.cfg.APIBaseURL)
	if err != nil {
		var er *session.ErrorResponse
		if errors.As(err, &er) && er.Unauthorized() {
			return fmt.Errorf("session is not valid, sign in again: %w", err)
		}
		return err
	}

	out := refreshOutput{}
	if uid, err := session.UserID(tok.AccessToken); err == nil {
		out.UserID = uid
	} else {
		a.logger.Debug("access token has no readable user id", slog.String("err", err.Error()))
	}
	if !tok.Expiry.IsZero() {
		out.ExpiresAt = &tok.Expiry
	}
	return writeJSON(cmd, out)
}

func (a *app) reset(cmd *cobra.Command, _ []string) error {
	if err := a.requireOrigin(); err != nil {
		return err
	}
	sc, err := a.sessionClient()
	if err != nil {
		return err
	}
	if err := sc.Reset(cmd.Context(), a.cfg.APIBaseURL); err != nil {
		return err
	}
	a.logger.Info("refresh session reset")
	return nil
}

func (a *app) verify(cmd *cobra.Command, idToken string) error {
	if err := a.requireOrigin(); err != nil {
		return err
	}
	sc, err := a.sessionClient()
	if err != nil {
		return err
	}
	creds, err := sc.Verify(cmd.Context(), a.cfg.APIBaseURL, idToken)
	if err != nil {
		return err
	}

	out := refreshOutput{}
	if uid, err := session.UserID(creds.AccessToken); err == nil {
		out.UserID = uid
	}
	return writeJSON(cmd, out)
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
