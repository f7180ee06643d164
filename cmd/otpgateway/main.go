package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/jaayvee/otpgateway/internal/dispatch"
	"github.com/jaayvee/otpgateway/internal/events"
	"github.com/jaayvee/otpgateway/internal/otp"
	"github.com/knadh/koanf/v2"
	"github.com/zerodha/logf"
	"golang.org/x/sync/errgroup"
)

// App is the global app context that groups the necessary
// controls (service, config etc.) to be injected into the HTTP handlers.
type App struct {
	service   *otp.Service
	dispatch  *dispatch.Dispatcher
	pub       events.Publisher
	validate  *validator.Validate
	lo        logf.Logger
	constants constants
}

var (
	logger = initLogger(false)
	ko     = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()
	logger = initLogger(ko.String("app.log_level") == "debug")

	rc, rConf := initRedis()
	st, lim := initStore(rc, rConf)

	pub, err := initEvents(rc)
	if err != nil {
		logger.Fatal("error initializing events", "error", err)
	}

	provs, err := initProviders()
	if err != nil {
		logger.Fatal("error initializing providers", "error", err)
	} else if len(provs) == 0 {
		logger.Fatal("no providers loaded. Set app.providers in the config.")
	}

	subj, body, err := initTemplates(initFS(os.Args[0]))
	if err != nil {
		logger.Fatal("error loading message templates", "error", err)
	}
	disp := dispatch.New(provs, subj, body, dispatch.Opt{
		Sender:       ko.String("delivery.sender"),
		Retries:      uint64(ko.Int64("delivery.retries")),
		RetryBackoff: ko.Duration("delivery.retry_backoff"),
	}, logger)

	ids, err := initIDs()
	if err != nil {
		logger.Fatal("error initializing ID generator", "error", err)
	}

	app := &App{
		service: otp.New(initOTPOpt(), st, lim, disp, logger,
			otp.WithIDGenerator(ids),
			otp.WithPublisher(pub)),
		dispatch:  disp,
		pub:       pub,
		validate:  initValidator(),
		lo:        logger,
		constants: initConstants(),
	}

	authCreds := initAuth()
	if len(authCreds) == 0 {
		logger.Warn("no auth entries found in config. The API is open.")
	}

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      initHTTPHandler(app, authCreds, ko.Strings("app.cors_origins")),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", "address", srv.Addr, "version", buildString, "providers", disp.Providers())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		runSweeper(ctx, app, app.constants.SweepInterval)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		c, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(c)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
	}

	if err := app.pub.Close(); err != nil {
		logger.Error("error closing event publisher", "error", err)
	}
	if rc != nil {
		rc.Close()
	}
}

// initHTTPHandler registers the HTTP routes.
func initHTTPHandler(app *App, authCreds map[string]string, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Basic auth is optional.
	a := func(next http.HandlerFunc) http.HandlerFunc {
		if len(authCreds) == 0 {
			return next
		}
		return auth(authCreds, next)
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("otpgateway"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Get("/api/providers", a(wrap(app, handleGetProviders)))
	r.Get("/api/stats", a(wrap(app, handleGetStats)))
	r.Post("/otp/send", a(wrap(app, handleSendOTP)))
	r.Post("/otp/verify", a(wrap(app, handleVerifyOTP)))
	r.Get("/otp/{id}/status", a(wrap(app, handleGetOTPStatus)))

	return r
}

// runSweeper periodically deletes expired OTPs until ctx is cancelled.
func runSweeper(ctx context.Context, app *App, interval time.Duration) {
	if interval <= 0 {
		return
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := app.service.Sweep(ctx)
			if err != nil {
				app.lo.Error("error sweeping expired OTPs", "error", err)
				continue
			}
			if n > 0 {
				app.lo.Debug("swept expired OTPs", "count", n)
			}
		}
	}
}
