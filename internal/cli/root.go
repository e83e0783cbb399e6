package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/asad/crmstate/internal/api"
	"github.com/asad/crmstate/internal/auth"
	"github.com/asad/crmstate/internal/config"
	"github.com/asad/crmstate/internal/httpx"
	"github.com/asad/crmstate/internal/logging"
)

var (
	// Version is set at build time via ldflags.
	// Example: go build -ldflags "-X github.com/asad/crmstate/internal/cli.Version=1.0.0"
	Version = "dev"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "crmstate",
	Short: "State container for the MZT CRM client",
	Long: `crmstate holds the client-side state of the MZT CRM: an API cache of
backend responses and the authentication session, composed into one store.

It can serve a state inspector over HTTP, sign in against the backend and
print the persisted state.`,
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the store and the state inspector",
	Long: `Build the store, restore persisted regions, and serve the state
inspector on the configured port until interrupted.`,
	RunE: runStart,
}

var (
	loginEmail    string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in against the backend and persist the session",
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the persisted session",
	RunE:  runLogout,
}

var stateOutput string

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the restored state",
	RunE:  runState,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "crmstate version %s\n", Version)
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "account password")
	_ = loginCmd.MarkFlagRequired("email")
	_ = loginCmd.MarkFlagRequired("password")

	stateCmd.Flags().StringVarP(&stateOutput, "output", "o", "json", "output format (json|yaml)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute is the entry point for the CLI. It should be called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the application. Any failure here is
// fatal to the command.
func setup() (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}

	app, err := newApplication(cfg, logger, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to build store: %w", err)
	}
	return app, nil
}

// runStart serves the inspector until SIGINT/SIGTERM.
func runStart(cmd *cobra.Command, args []string) error {
	app, err := setup()
	if err != nil {
		return err
	}
	defer app.logger.Sync()

	app.logger.Info("starting crmstate",
		logging.String("version", Version),
		logging.String("inspector_addr", app.cfg.InspectorAddr()),
		logging.String("api_base_url", app.cfg.APIBaseURL),
		logging.String("data_dir", app.cfg.DataDir),
		logging.String("log_level", app.cfg.LogLevel),
	)

	detach := app.persister.Attach(app.store)
	defer detach()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              app.cfg.InspectorAddr(),
		Handler:           httpx.NewInspector(app.store.API(), app.registry, app.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.logger.Info("listening on inspector port",
			logging.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		app.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		app.refreshLoop(gctx, app.cfg.RefreshInterval, app.cfg.RefreshWindow)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	app.api.Wait()
	app.logger.Info("crmstate stopped")
	return err
}

// pruneLoop drops expired API cache entries once per cache lifetime.
func (a *application) pruneLoop(ctx context.Context) {
	interval := a.api.KeepUnusedDataFor()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := a.store.Dispatch(api.PruneExpired(now.Add(-interval))); err != nil {
				a.logger.Error("failed to prune api cache", logging.ErrorField(err))
			}
		}
	}
}

// refreshLoop keeps the session alive: every interval, and once at start, it
// refreshes the access token if it expires within window.
func (a *application) refreshLoop(ctx context.Context, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	now := time.Now()
	for {
		res, err := a.store.Dispatch(auth.RefreshIfExpiring(ctx, now, window))
		switch {
		case err != nil && ctx.Err() == nil:
			a.logger.Warn("failed to refresh session", logging.ErrorField(err))
		case err == nil:
			if refreshed, _ := res.(bool); refreshed {
				a.logger.Info("session refreshed",
					logging.Bool("authenticated", auth.IsAuthenticated(a.store.GetState(), time.Now())),
				)
			}
		}

		select {
		case <-ctx.Done():
			return
		case now = <-ticker.C:
		}
	}
}

// runLogin signs in and prints the resulting session.
func runLogin(cmd *cobra.Command, args []string) error {
	app, err := setup()
	if err != nil {
		return err
	}
	defer app.logger.Sync()

	detach := app.persister.Attach(app.store)
	defer detach()

	ctx, cancel := context.WithTimeout(cmd.Context(), app.cfg.RequestTimeout)
	defer cancel()

	if _, err := app.store.Dispatch(auth.SignIn(ctx, loginEmail, loginPassword)); err != nil {
		return fmt.Errorf("sign in failed: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), auth.Select(app.store.GetState()).Redacted())
}

// runLogout clears the session and persists the empty state.
func runLogout(cmd *cobra.Command, args []string) error {
	app, err := setup()
	if err != nil {
		return err
	}
	defer app.logger.Sync()

	detach := app.persister.Attach(app.store)
	defer detach()

	if _, err := app.store.Dispatch(auth.SignOut()); err != nil {
		return fmt.Errorf("sign out failed: %w", err)
	}
	if t, ok := app.transport.(*api.HTTPTransport); ok {
		if err := t.ClearCookies(); err != nil {
			return fmt.Errorf("failed to clear cookies: %w", err)
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), "signed out")
	return nil
}

// runState prints the restored state.
func runState(cmd *cobra.Command, args []string) error {
	app, err := setup()
	if err != nil {
		return err
	}
	defer app.logger.Sync()

	return writeState(cmd.OutOrStdout(), app, stateOutput)
}

func writeState(w io.Writer, app *application, format string) error {
	switch format {
	case "json":
		return printJSON(w, app.snapshot())
	case "yaml":
		out, err := httpx.ToYAML(app.snapshot())
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unknown output format %q (want json or yaml)", format)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
