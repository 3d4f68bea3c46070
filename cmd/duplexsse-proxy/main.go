// cmd/duplexsse-proxy/main.go
package main

import (
	"context"
	"net/http"
	"os"

	"github.com/mpetrov/duplexsse/app"
	"github.com/mpetrov/duplexsse/config"
	"github.com/mpetrov/duplexsse/duplexproxy"
	"github.com/mpetrov/duplexsse/pantry/health"
	"github.com/mpetrov/duplexsse/pantry/timeout"
	"github.com/mpetrov/duplexsse/pantry/version"
	"github.com/mpetrov/duplexsse/router"
	"go.uber.org/zap"
)

type deps struct {
	proxy *duplexproxy.Proxy
}

// This binary stands in front of a duplexsse-server instance, forwarding
// the same SSE-GET / POST split without terminating either: it is the
// pass-through alternative to embedding ServerHandler directly.
func main() {
	ctx := context.Background()

	hooks := app.Hooks[struct{}, *deps]{
		Name: "duplexsse-proxy",

		LoadConfig: func(logger *zap.Logger) (*config.CoreConfig, struct{}, error) {
			coreCfg, err := config.Load(logger)
			return coreCfg, struct{}{}, err
		},

		ValidateConfig: func(core *config.CoreConfig, _ struct{}, logger *zap.Logger) error {
			if core.Transport.ProxyUpstreamURL == "" {
				logger.Error("sse_proxy_upstream_url is required to run duplexsse-proxy")
				os.Exit(1)
			}
			return nil
		},

		ConnectDB: func(ctx context.Context, core *config.CoreConfig, _ struct{}, logger *zap.Logger) (*deps, error) {
			p, err := duplexproxy.New(duplexproxy.Config{
				Path:            core.Transport.SSEPath,
				UpstreamBaseURL: core.Transport.ProxyUpstreamURL,
				DialTimeout:     core.Transport.ProxyDialTimeout,
				Logger:          logger,
			})
			if err != nil {
				return nil, err
			}
			return &deps{proxy: p}, nil
		},

		BuildHandler: func(core *config.CoreConfig, _ struct{}, d *deps, logger *zap.Logger) (http.Handler, error) {
			r := router.New(core, logger)

			r.Use(timeout.Middleware(timeout.Config{
				Timeout: core.HTTP.WriteTimeout,
				Skipper: timeout.SkipSSE,
			}))

			health.Mount(r, nil, logger)
			version.Mount(r)

			r.Handle(core.Transport.SSEPath, d.proxy)

			return r, nil
		},

		OnReady: func(core *config.CoreConfig, _ struct{}, d *deps, logger *zap.Logger) {
			logger.Info("duplexsse proxy ready",
				zap.String("sse_path", core.Transport.SSEPath),
				zap.String("upstream", core.Transport.ProxyUpstreamURL),
			)
		},
	}

	if err := app.Run(ctx, hooks); err != nil {
		os.Exit(1)
	}
}
