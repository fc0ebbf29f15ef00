// Command slack-mcp-relay serves a single Slack post-message tool over MCP,
// with selectable transport (HTTP, SSE, WebSocket) and an optional Duo
// OAuth2 authentication gate.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazallen/slack-mcp-relay/pkg/auth"
	"github.com/lazallen/slack-mcp-relay/pkg/config"
	"github.com/lazallen/slack-mcp-relay/pkg/mcp"
	"github.com/lazallen/slack-mcp-relay/pkg/server"
	"github.com/lazallen/slack-mcp-relay/pkg/slackpost"
	"github.com/lazallen/slack-mcp-relay/pkg/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("slack-mcp-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	showVersion := fs.Bool("version", false, "print version information and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Printf("slack-mcp-relay %s (built %s, commit %s)\n",
			version.Version, version.BuildTime, version.CommitHash)
		return nil
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slackClient := slackpost.New(cfg.SlackBotToken, logger)

	logger.Info("Authenticating with Slack API...")
	ar, err := slackClient.AuthTest(ctx)
	if err != nil {
		logger.Fatal("Failed to authenticate with Slack", zap.Error(err))
	}
	logger.Info("Successfully authenticated with Slack",
		zap.String("team", ar.Team),
		zap.String("user", ar.User),
		zap.String("url", ar.URL),
	)

	var dispatcherOpts []mcp.Option
	if cfg.ToolErrorMode == config.ErrorModeEnvelope {
		dispatcherOpts = append(dispatcherOpts, mcp.WithErrorMode(mcp.ErrorModeEnvelope))
	}

	var (
		gate *auth.Introspector
		flow *auth.FlowManager
	)
	if cfg.Duo.Enabled {
		dispatcherOpts = append(dispatcherOpts, mcp.WithToolName(mcp.AuthedToolName))
		gate = auth.NewIntrospector(
			cfg.Duo.IntrospectionEndpoint,
			cfg.Duo.ClientID,
			cfg.Duo.ClientSecret,
			logger,
		)
		flow = auth.NewFlowManager(cfg.Duo.OAuthConfig(), logger)
		logger.Info("Duo authentication enabled",
			zap.String("api_hostname", cfg.Duo.APIHostname),
		)
	}

	dispatcher := mcp.NewDispatcher(slackClient, logger, dispatcherOpts...)

	srv, err := server.New(server.Config{
		Dispatcher: dispatcher,
		Gate:       gate,
		Flow:       flow,
		Transport:  cfg.Transport,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx, cfg.Addr())
	})
	if flow != nil {
		g.Go(func() error {
			if err := flow.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func newLogger() (*zap.Logger, error) {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}
	return zap.NewProduction()
}
