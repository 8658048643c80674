package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/service/api"
	"github.com/m-mizutani/keepr/pkg/service/mcp"
	"github.com/m-mizutani/keepr/pkg/utils/logging"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func serveCommand() *cli.Command {
	var (
		cfg        config
		addr       string
		enableMCP  bool
		uploadSize int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Aliases:     []string{"a"},
			Usage:       "Listen address",
			Value:       "127.0.0.1:3001",
			Sources:     cli.EnvVars("KEEPR_ADDR"),
			Destination: &addr,
		},
		&cli.BoolFlag{
			Name:        "mcp",
			Usage:       "Also serve MCP over streamable HTTP on /mcp",
			Sources:     cli.EnvVars("KEEPR_SERVE_MCP"),
			Destination: &enableMCP,
		},
		&cli.IntFlag{
			Name:        "max-upload-size",
			Usage:       "Maximum image upload size in bytes",
			Value:       10 << 20,
			Sources:     cli.EnvVars("KEEPR_MAX_UPLOAD_SIZE"),
			Destination: &uploadSize,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, svc, err := cfg.prepare(ctx, c)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.manager.Load(ctx); err != nil {
				return goerr.Wrap(err, "failed to restore conversations")
			}

			opts := []api.Option{
				api.WithAssets(svc.assets),
				api.WithMetrics(svc.metrics),
				api.WithBackend(svc.repo.Name()),
				api.WithMaxUploadSize(uploadSize),
			}
			if enableMCP {
				opts = append(opts, api.WithMCP(mcp.New(svc.memory, svc.search, Version).Handler()))
			}
			server := api.New(svc.memory, svc.search, svc.chat, svc.manager, opts...)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			eg, ctx := errgroup.WithContext(ctx)
			svc.manager.Start(ctx)

			eg.Go(func() error {
				return server.Run(ctx, addr)
			})
			eg.Go(func() error {
				<-ctx.Done()
				closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				if err := svc.manager.Close(closeCtx); err != nil {
					return goerr.Wrap(err, "failed to save conversations")
				}
				return nil
			})
			if err := eg.Wait(); err != nil {
				return err
			}

			logging.From(ctx).Info("server stopped")
			return nil
		},
	}
}

func mcpCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve memory tools to an MCP client over stdio",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, svc, err := cfg.prepare(ctx, c)
			if err != nil {
				return err
			}
			defer svc.Close()

			return mcp.New(svc.memory, svc.search, Version).RunStdio(ctx)
		},
	}
}
