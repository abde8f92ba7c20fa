/*
main.go - Application entry point

PURPOSE:
  Command line for the try-on credits engine. `serve` runs the HTTP API;
  the other commands operate on the same store for operators.

COMMANDS:
  serve                         Start the HTTP server
  migrate                       Apply the schema and exit
  coupon create|list|delete     Admin coupon management (system principal)
  balance ACCOUNT_ID            Print an account's balance and history

STARTUP SEQUENCE (serve):
  1. Load configuration from the environment, apply flag overrides
  2. Open and migrate the store
  3. Build ledger, coupons, generation client, authenticator
  4. Configure HTTP router
  5. Start server with graceful shutdown

GLOBAL FLAGS:
  --driver   Store driver: memory, sqlite, postgres (env DB_DRIVER)
  --db       SQLite path or Postgres URL (env DB_PATH / DB_URL)
  --port     HTTP port (env SERVER_PORT)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (SERVER_SHUTDOWN_TIMEOUT)
  3. Stop the rate limiter janitor and close the store

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dressup/tryon-engine/api"
	"github.com/dressup/tryon-engine/config"
	"github.com/dressup/tryon-engine/coupon"
	"github.com/dressup/tryon-engine/generation"
	"github.com/dressup/tryon-engine/ledger"
	"github.com/dressup/tryon-engine/pricing"
)

var (
	cfg *config.Config
	log = logrus.New()

	flagDriver string
	flagDB     string
	flagPort   string
)

var rootCmd = &cobra.Command{
	Use:           "tryon",
	Short:         "Try-on credits engine",
	Long:          `Credits ledger, coupons and image generation API for the virtual try-on app.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig(cmd.Context(), envconfig.OsLookuper())
		if err != nil {
			return err
		}
		cfg = loaded
		return setupLogger(log, cfg.App)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context(), cfg.Store, log)
		if err != nil {
			return err
		}
		defer st.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDriver, "driver", "", "store driver: memory, sqlite, postgres")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "SQLite path or Postgres URL")
	rootCmd.PersistentFlags().StringVar(&flagPort, "port", "", "HTTP server port")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

// loadConfig reads the environment, applies flag overrides, then validates.
func loadConfig(ctx context.Context, l envconfig.Lookuper) (*config.Config, error) {
	c, err := config.ParseWith(ctx, l)
	if err != nil {
		return nil, err
	}
	applyFlags(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func applyFlags(c *config.Config) {
	if flagDriver != "" {
		c.Store.Driver = flagDriver
	}
	if flagDB != "" {
		if c.Store.Driver == config.DriverPostgres {
			c.Store.URL = flagDB
		} else {
			c.Store.Path = flagDB
		}
	}
	if flagPort != "" {
		c.Server.Port = flagPort
	}
}

func setupLogger(l *logrus.Logger, app config.AppConfig) error {
	level, err := logrus.ParseLevel(app.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid APP_LOG_LEVEL %q: %w", app.LogLevel, err)
	}
	l.SetLevel(level)
	l.SetOutput(os.Stderr)
	if app.IsDevelopment() {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}

// services are the domain objects shared by serve and the admin commands.
type services struct {
	store    closableStore
	ledger   *ledger.Ledger
	redeemer *coupon.Redeemer
	coupons  *coupon.Manager
}

func buildServices(ctx context.Context, c *config.Config) (*services, error) {
	st, err := openStore(ctx, c.Store, log)
	if err != nil {
		return nil, err
	}
	policy := coupon.AdminPolicy{AdminEmail: c.Auth.AdminEmail}
	return &services{
		store: st,
		ledger: ledger.New(st,
			ledger.WithConfig(ledger.Config{
				StartingGrant:     c.Credits.StartingGrant,
				FreeRegenerations: c.Credits.FreeRegenerations,
			}),
			ledger.WithLogger(log.WithField("component", "ledger")),
		),
		redeemer: coupon.NewRedeemer(st, coupon.WithRedeemLogger(log.WithField("component", "coupon"))),
		coupons:  coupon.NewManager(st, policy, log.WithField("component", "coupon")),
	}, nil
}

func newImageModel(ctx context.Context, c config.GeminiConfig) generation.ImageModel {
	if c.APIKey == "" && c.Project == "" {
		log.Warn("GEMINI_API_KEY and GEMINI_PROJECT unset, generations will return the original image")
		return generation.Unavailable{}
	}
	model, err := generation.NewGemini(ctx, generation.GeminiConfig{
		APIKey:      c.APIKey,
		Project:     c.Project,
		Location:    c.Location,
		Model:       c.Model,
		Temperature: c.Temperature,
	})
	if err != nil {
		log.WithError(err).Error("failed to create Gemini client, generations will return the original image")
		return generation.Unavailable{}
	}
	return model
}

func serve(ctx context.Context) error {
	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.store.Close()

	auth, err := api.NewAuthenticator(api.AuthOptions{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Admin:    coupon.AdminPolicy{AdminEmail: cfg.Auth.AdminEmail},
	})
	if err != nil {
		return fmt.Errorf("AUTH_JWT_SECRET: %w", err)
	}

	limiter := api.NewRateLimiter(cfg.Rate.PerMinute, cfg.Rate.Burst)
	limiter.Start()
	defer limiter.Stop()

	handler := api.NewHandler(api.Deps{
		Ledger:   svc.ledger,
		Redeemer: svc.redeemer,
		Coupons:  svc.coupons,
		Generator: generation.NewClient(
			newImageModel(ctx, cfg.Gemini),
			cfg.Gemini.Timeout,
			log.WithField("component", "generation"),
		),
		Catalog:        pricing.DefaultCatalog(cfg.App.Currency),
		Store:          svc.store,
		Limiter:        limiter,
		GenerationCost: cfg.Credits.GenerationCost,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Log:            log.WithField("component", "api"),
	})
	router := api.NewRouter(handler, auth, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Log:            log.WithField("component", "http"),
	})

	server := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":        server.Addr,
			"driver":      cfg.Store.Driver,
			"environment": cfg.App.Environment,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
