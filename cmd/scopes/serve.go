package main

import (
	"context"
	"fmt"

	serveradapter "github.com/hylla/scopeledger/internal/adapters/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (c *cli) serveCommand() *cobra.Command {
	var bind, apiEndpoint, mcpEndpoint string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and MCP tools with a background outbox drainer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			serverCfg := c.cfg.Server
			if cmd.Flags().Changed("http") {
				serverCfg.Bind = bind
			}
			if cmd.Flags().Changed("api-endpoint") {
				serverCfg.APIEndpoint = apiEndpoint
			}
			if cmd.Flags().Changed("mcp-endpoint") {
				serverCfg.MCPEndpoint = mcpEndpoint
			}
			c.logger.Info("command flow start", "command", "serve")
			if err := c.runServe(cmd.Context(), serveradapter.Config{
				HTTPBind:      serverCfg.Bind,
				APIEndpoint:   serverCfg.APIEndpoint,
				MCPEndpoint:   serverCfg.MCPEndpoint,
				ServerName:    c.flags.appName,
				ServerVersion: version,
			}); err != nil {
				c.logger.Error("command flow failed", "command", "serve", "err", err)
				return fmt.Errorf("run serve command: %w", err)
			}
			c.logger.Info("command flow complete", "command", "serve")
			return nil
		},
	}
	cmd.Flags().StringVar(&bind, "http", "", "HTTP listen address (defaults to server.bind)")
	cmd.Flags().StringVar(&apiEndpoint, "api-endpoint", "", "HTTP API base path (defaults to server.api_endpoint)")
	cmd.Flags().StringVar(&mcpEndpoint, "mcp-endpoint", "", "MCP endpoint path (defaults to server.mcp_endpoint)")
	return cmd
}

// runServe runs the transports and the drain scheduler until ctx ends or either fails.
func (c *cli) runServe(ctx context.Context, cfg serveradapter.Config) error {
	stack, err := c.openStack(true)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := stack.scheduler.Start(gctx); err != nil {
			return err
		}
		// Catch up on entries left by earlier runs.
		stack.scheduler.Wake()
		<-gctx.Done()
		return stack.scheduler.Shutdown()
	})
	g.Go(func() error {
		defer cancel()
		return serveCommandRunner(gctx, cfg, serveradapter.Dependencies{
			Scopes: stack.adapter,
			Outbox: stack.adapter,
			Ready:  stack.repo.Ping,
			Logger: c.logger.With("component", "http"),
		})
	})
	return g.Wait()
}
