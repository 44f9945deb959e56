package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"prodline/internal/engine"
	"prodline/internal/mcp"
	"prodline/internal/scheduler"
	"prodline/internal/server"
)

// serveOptions carries the serve flags into the fx graph.
type serveOptions struct {
	Addr            string
	BasePath        string
	JWTSecret       string
	AllowDevHeaders bool
	Scheduler       bool
	Webhooks        bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the SLA scheduler and webhook delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.JWTSecret = viper.GetString("jwt-secret")
			if opts.JWTSecret == "" && !opts.AllowDevHeaders {
				return fmt.Errorf("PRODLINE_JWT_SECRET (or --jwt-secret) is required unless --allow-dev-headers is set")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			e, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.DB.Close()
			defer e.Log.Sync() //nolint:errcheck

			app := fx.New(
				fx.Supply(e, opts),
				fx.Provide(
					func() *zap.Logger { return e.Log },
					newHTTPServer,
					newScheduler,
					newWebhookDispatcher,
				),
				fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
					return &fxevent.ZapLogger{Logger: log.Named("fx")}
				}),
				fx.Invoke(startHTTPServer, startScheduler, startWebhooks),
			)
			if err := app.Start(ctx); err != nil {
				return err
			}
			fmt.Printf("Serving Prodline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n",
				opts.Addr, opts.BasePath, opts.BasePath, opts.BasePath)
			select {
			case <-app.Done():
			case <-ctx.Done():
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return app.Stop(stopCtx)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&opts.BasePath, "base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env PRODLINE_JWT_SECRET)")
	cmd.Flags().BoolVar(&opts.AllowDevHeaders, "allow-dev-headers", false, "accept X-Actor-Id/X-Org-Id headers and enable /auth/dev/login (development only)")
	cmd.Flags().BoolVar(&opts.Scheduler, "scheduler", true, "run the SLA alert scheduler")
	cmd.Flags().BoolVar(&opts.Webhooks, "webhooks", true, "deliver events to configured webhooks")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func newHTTPServer(e engine.Engine, opts serveOptions, log *zap.Logger) (*http.Server, error) {
	handler, err := server.New(server.Config{
		Engine:   e,
		BasePath: opts.BasePath,
		Auth:     server.AuthConfig{JWTSecret: opts.JWTSecret, AllowDevHeaders: opts.AllowDevHeaders},
		Log:      log,
	})
	if err != nil {
		return nil, err
	}
	return &http.Server{Addr: opts.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}, nil
}

func newScheduler(e engine.Engine, log *zap.Logger) *scheduler.Scheduler {
	return scheduler.New(e, log)
}

func newWebhookDispatcher(e engine.Engine, log *zap.Logger) *server.WebhookDispatcher {
	return server.NewWebhookDispatcher(e, log)
}

// startHTTPServer binds the listener during start so a busy port fails the app instead of a goroutine.
func startHTTPServer(lc fx.Lifecycle, srv *http.Server, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func startScheduler(lc fx.Lifecycle, opts serveOptions, s *scheduler.Scheduler) {
	if !opts.Scheduler {
		return
	}
	// scan jobs outlive the start hook's context
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return s.Start(runCtx)
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return s.Stop(ctx)
		},
	})
}

func startWebhooks(lc fx.Lifecycle, opts serveOptions, d *server.WebhookDispatcher) {
	if !opts.Webhooks {
		return
	}
	lc.Append(fx.Hook{
		OnStart: d.Start,
		OnStop:  d.Stop,
	})
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the production tools over MCP on stdio as the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				s := mcp.NewServer(e, mcp.Identity{OrgID: orgID, ActorID: actorID()}, e.Log)
				return mcp.Serve(s)
			})
		},
	}
}
