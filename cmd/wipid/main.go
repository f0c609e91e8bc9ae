// Command wipid runs the wipi control plane: an HTTP API over a fleet of
// hardware controllers, with deferred state changes and telemetry
// streaming.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/time/rate"

	wipi "github.com/vencik/wipi"
	"github.com/vencik/wipi/controller"
	"github.com/vencik/wipi/middleware"
)

type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Run the control plane API."`
	Version VersionCmd `cmd:"" help:"Print version information."`
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(Version())
	return nil
}

type ServeCmd struct {
	Config    string  `arg:"" optional:"" help:"Controller configuration file (JSON or YAML)."`
	Listen    string  `help:"Listen address." default:":8080" short:"l"`
	Metrics   bool    `help:"Expose Prometheus metrics at /metrics." default:"true" negatable:""`
	RateLimit float64 `help:"Global request rate limit per second (0 disables)." default:"0"`
	Verbose   bool    `help:"Enable debug logging." short:"v"`
}

func (c *ServeCmd) Run() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := &wipi.Config{}
	if c.Config != "" {
		loaded, err := wipi.LoadConfig(c.Config)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	registry, err := cfg.BuildRegistry(constructors())
	if err != nil {
		return err
	}

	backend := wipi.NewBackend(registry).WithLogger(logger)
	app := wipi.NewApp(backend).WithLogger(logger)

	if c.Metrics {
		metrics := wipi.NewMetrics()
		backend.WithMetrics(metrics)
		app.WithMetrics(metrics)
	}

	app.WithMiddleware(middleware.RequestID()).
		WithMiddleware(middleware.Logging(logger)).
		WithMiddleware(middleware.CORS(nil))
	if c.RateLimit > 0 {
		burst := max(int(c.RateLimit), 1)
		app.WithMiddleware(middleware.RateLimit(rate.Limit(c.RateLimit), burst))
	}

	backend.Start()
	defer backend.Shutdown()

	srv := &http.Server{
		Addr:              c.Listen,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", c.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server shutdown", slog.Any("error", err))
	}
	return nil
}

// constructors maps configured class names to controller constructors. The
// map is the explicit counterpart of dynamic class loading: every available
// controller type is registered here at build time.
func constructors() map[string]wipi.Constructor {
	return map[string]wipi.Constructor{
		"RelayBoard": func(name string, params map[string]any) (wipi.Controller, error) {
			opts := []controller.RelayBoardOption{}
			if initial, ok := params["initial_state"].(string); ok {
				opts = append(opts, controller.WithInitialState(initial))
			}
			return controller.NewRelayBoard(name, opts...)
		},

		"System": func(name string, params map[string]any) (wipi.Controller, error) {
			return controller.NewSystem(name), nil
		},

		"MPU6050": func(name string, params map[string]any) (wipi.Controller, error) {
			opts := []controller.MPU6050Option{}
			if address, ok := params["address"].(float64); ok {
				opts = append(opts, controller.WithAddress(int(address)))
			}
			return controller.NewMPU6050(name, opts...), nil
		},
	}
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("wipid"),
		kong.Description("wipi control plane daemon."),
		kong.UsageOnError(),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
