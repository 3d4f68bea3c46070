// cmd/duplexsse-server/main.go
package main

import (
	"context"
	"net/http"
	"os"

	"github.com/mpetrov/duplexsse/app"
	"github.com/mpetrov/duplexsse/config"
	"github.com/mpetrov/duplexsse/duplexsse"
	"github.com/mpetrov/duplexsse/metrics"
	"github.com/mpetrov/duplexsse/pantry/health"
	"github.com/mpetrov/duplexsse/pantry/pprof"
	"github.com/mpetrov/duplexsse/pantry/timeout"
	"github.com/mpetrov/duplexsse/pantry/version"
	"github.com/mpetrov/duplexsse/router"
	"go.uber.org/zap"
)

// deps is the app.Run database/backend bundle: here just the transport
// handler itself, paired with a background echo loop so the binary is
// observable end to end without pulling in any app-specific domain.
type deps struct {
	handler *duplexsse.ServerHandler
}

func main() {
	ctx := context.Background()

	hooks := app.Hooks[struct{}, *deps]{
		Name: "duplexsse-server",

		LoadConfig: func(logger *zap.Logger) (*config.CoreConfig, struct{}, error) {
			coreCfg, err := config.Load(logger)
			return coreCfg, struct{}{}, err
		},

		ConnectDB: func(ctx context.Context, core *config.CoreConfig, _ struct{}, logger *zap.Logger) (*deps, error) {
			h := duplexsse.New(duplexsse.Config{
				Path:               core.Transport.SSEPath,
				KeepAlive:          core.Transport.KeepAlive,
				ClientBufferSize:   core.Transport.ClientBufferSize,
				PostRateLimitRPS:   core.Transport.PostRateLimitRPS,
				PostRateLimitBurst: core.Transport.PostRateLimitBurst,
				Logger:             logger,
			})
			h.OnRegistryChange(metrics.SetTransportClients)
			return &deps{handler: h}, nil
		},

		Startup: func(ctx context.Context, core *config.CoreConfig, _ struct{}, d *deps, logger *zap.Logger) error {
			go echoConnections(ctx, d.handler, logger)
			return nil
		},

		BuildHandler: func(core *config.CoreConfig, _ struct{}, d *deps, logger *zap.Logger) (http.Handler, error) {
			r := router.New(core, logger)

			// Everything but the SSE stream itself gets a request
			// deadline; the stream is exempt since it is meant to stay
			// open indefinitely.
			r.Use(timeout.Middleware(timeout.Config{
				Timeout: core.HTTP.WriteTimeout,
				Skipper: timeout.SkipSSE,
			}))

			health.Mount(r, nil, logger)
			version.Mount(r)
			r.Method(http.MethodGet, "/metrics", metrics.Handler())

			r.Handle(core.Transport.SSEPath, d.handler)

			pprof.Mount(r)

			return r, nil
		},

		OnReady: func(core *config.CoreConfig, _ struct{}, d *deps, logger *zap.Logger) {
			logger.Info("duplexsse server ready", zap.String("sse_path", core.Transport.SSEPath))
		},
	}

	if err := app.Run(ctx, hooks); err != nil {
		os.Exit(1)
	}
}

// echoConnections is a demo application loop: it forwards every
// message a client posts back to that same client, so a single binary
// is enough to exercise the full round trip end to end.
func echoConnections(ctx context.Context, h *duplexsse.ServerHandler, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case conn, ok := <-h.Connections():
			if !ok {
				return
			}
			go echoOne(conn, logger)
		}
	}
}

func echoOne(conn *duplexsse.ServerConnection, logger *zap.Logger) {
	for msg := range conn.Messages() {
		conn.Submit(msg)
	}
}
