// Package app assembles the sonicbridge server from its parts: credentials,
// backend client, tool registry, and the HTTP front end.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/voxlink/sonicbridge/internal/awscreds"
	"github.com/voxlink/sonicbridge/internal/bedrock"
	"github.com/voxlink/sonicbridge/internal/config"
	"github.com/voxlink/sonicbridge/internal/observe"
	"github.com/voxlink/sonicbridge/internal/server"
	"github.com/voxlink/sonicbridge/internal/tools"
)

// App is the wired application. Create with [New], drive with [App.Run].
type App struct {
	cfg       *config.Config
	server    *server.Server
	registry  *tools.Registry
	refresher *awscreds.Refresher
}

// New wires an App from cfg. When ambient static credentials are present
// they are used as-is; otherwise a credential refresher is created that
// feeds the Bedrock client from the instance metadata service.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	metrics := observe.DefaultMetrics()

	var credProvider *awscreds.Provider
	var refresher *awscreds.Refresher
	if awscreds.HasStaticCredentials() {
		slog.Info("using credentials from environment")
	} else {
		slog.Info("no static credentials found, will refresh from EC2 IMDS")
		credProvider = &awscreds.Provider{}
		refresher = awscreds.NewRefresher(credProvider, awscreds.WithMetrics(metrics))
	}

	opener, err := newBedrockClient(ctx, cfg, credProvider)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry(metrics)
	for _, srv := range cfg.MCP.Servers {
		mcpCfg := tools.MCPServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		}
		if err := registry.RegisterMCPServer(ctx, mcpCfg); err != nil {
			// A missing tool server degrades the catalogue, not the service.
			slog.Warn("mcp server unavailable, continuing without it", "server", srv.Name, "err", err)
			continue
		}
		slog.Info("mcp server registered", "server", srv.Name)
	}
	slog.Info("tool registry ready", "tools", registry.Names())

	return &App{
		cfg:       cfg,
		server:    server.New(cfg, opener, registry, metrics),
		registry:  registry,
		refresher: refresher,
	}, nil
}

// newBedrockClient builds the backend client. Split out so the nil-provider
// case (static credentials via the default chain) stays explicit.
func newBedrockClient(ctx context.Context, cfg *config.Config, creds *awscreds.Provider) (*bedrock.Client, error) {
	if creds == nil {
		client, err := bedrock.New(ctx, cfg.AWS.Region, nil)
		if err != nil {
			return nil, fmt.Errorf("app: create bedrock client: %w", err)
		}
		return client, nil
	}
	client, err := bedrock.New(ctx, cfg.AWS.Region, creds)
	if err != nil {
		return nil, fmt.Errorf("app: create bedrock client: %w", err)
	}
	return client, nil
}

// Run starts the credential refresher (when configured) and the HTTP server,
// and blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.refresher != nil {
		a.refresher.Start(gctx)
		g.Go(func() error {
			<-a.refresher.Done()
			return nil
		})
	}

	g.Go(func() error {
		return a.server.Run(gctx)
	})

	return g.Wait()
}

// Shutdown releases resources not bound to Run's context.
func (a *App) Shutdown(_ context.Context) error {
	return a.registry.Close()
}
